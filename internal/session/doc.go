// Package session keeps messages of one MCP session in order.
//
// The interceptor calls Acquire(ctx, sessionID) before evaluating a message and
// releases the turn once the message is persisted. Turns are handed out in the
// order Acquire was called, so two messages of one session are never evaluated
// or persisted out of order, while different sessions proceed in parallel.
//
// # Idle sessions
//
// A background goroutine forgets sessions that have been idle for longer than
// the TTL. Close stops it.
package session
