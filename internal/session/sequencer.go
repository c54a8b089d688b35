// ABOUTME: Per-session FIFO sequencer for intercepted messages.
// ABOUTME: Messages of one session run one at a time in arrival order; idle sessions expire.

package session

import (
	"context"
	"slices"
	"sync"
	"time"
)

// DefaultIdleTTL is how long an idle session is remembered.
const DefaultIdleTTL = 10 * time.Minute

// sessionEntry tracks the holder and waiters of one session.
type sessionEntry struct {
	busy     bool
	waiters  []chan struct{} // oldest first
	lastUsed time.Time
}

// Sequencer hands out one turn at a time per session id, in the order Acquire
// was called. Different sessions never wait on each other.
type Sequencer struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry
	ttl      time.Duration
	interval time.Duration
	done     chan struct{}
	closed   bool
}

// New creates a sequencer. A background goroutine forgets sessions idle for longer than ttl.
func New(ttl time.Duration) *Sequencer {
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	s := &Sequencer{
		sessions: make(map[string]*sessionEntry),
		ttl:      ttl,
		interval: min(ttl, time.Minute),
		done:     make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// Acquire waits for the session's turn. The returned release func must be
// called exactly once; extra calls are ignored. If ctx ends first the turn is
// given up and ctx.Err() is returned.
func (s *Sequencer) Acquire(ctx context.Context, sessionID string) (func(), error) {
	s.mu.Lock()
	e, ok := s.sessions[sessionID]
	if !ok {
		e = &sessionEntry{}
		s.sessions[sessionID] = e
	}
	if !e.busy {
		e.busy = true
		s.mu.Unlock()
		return s.releaser(sessionID, e), nil
	}

	turn := make(chan struct{})
	e.waiters = append(e.waiters, turn)
	s.mu.Unlock()

	select {
	case <-turn:
		return s.releaser(sessionID, e), nil
	case <-ctx.Done():
		s.mu.Lock()
		idx := slices.Index(e.waiters, turn)
		if idx >= 0 {
			e.waiters = slices.Delete(e.waiters, idx, idx+1)
			s.mu.Unlock()
			return nil, ctx.Err()
		}
		s.mu.Unlock()
		// the turn was handed over while we were giving up; pass it on
		s.releaser(sessionID, e)()
		return nil, ctx.Err()
	}
}

func (s *Sequencer) releaser(sessionID string, e *sessionEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() { s.release(e) })
	}
}

// release hands the turn to the oldest waiter, or marks the session idle.
func (s *Sequencer) release(e *sessionEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(e.waiters) > 0 {
		next := e.waiters[0]
		e.waiters = e.waiters[1:]
		close(next)
		return
	}
	e.busy = false
	e.lastUsed = time.Now()
}

// Len returns the number of sessions currently remembered.
func (s *Sequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// cleanup runs in a background goroutine, periodically removing idle sessions.
func (s *Sequencer) cleanup() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runCleanup()
		case <-s.done:
			return
		}
	}
}

// runCleanup forgets sessions that are idle and unused for longer than the TTL.
func (s *Sequencer) runCleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, e := range s.sessions {
		if !e.busy && len(e.waiters) == 0 && now.Sub(e.lastUsed) > s.ttl {
			delete(s.sessions, id)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (s *Sequencer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.done)
		s.closed = true
	}
}
