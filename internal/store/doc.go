// Package store provides persistence for toolgate on SQLite or Postgres.
//
// # Architecture
//
// Consumers depend on narrow model interfaces rather than on a concrete store:
//
//   - ServerModel: server endpoints and their capability tokens
//   - ClientModel: AI-assistant client identities
//   - ClientServerModel: which client may use which server
//   - PolicyElementModel / PolicyModel: the policy configuration
//   - PolicySnapshotter: consistent read of policies plus elements
//   - MessageModel / AlertModel: the append-only audit trail
//
// SQLStore implements all of them over database/sql. The same schema is used
// for both backends: timestamps are fixed-width UTC TEXT, booleans are INTEGER
// and structured fields are JSON in TEXT columns. Queries are written with ?
// placeholders and rebound to $n for Postgres.
//
// # Backends
//
//   - sqlite: modernc.org/sqlite (no CGO), WAL mode, foreign keys and a busy
//     timeout set through the DSN so every pooled connection gets them.
//     ":memory:" is pinned to a single connection.
//   - postgres: github.com/jackc/pgx/v5 through its database/sql driver.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist (also returned by updates
//     and deletes that touch no row)
//   - ErrDuplicate: a unique id, token or name is already taken
//
// # Testing
//
// Use NewMockStore() for unit tests. Its Fail* fields inject write failures:
//
//	s := store.NewMockStore()
//	s.FailCreateMessage = errors.New("disk full")
//
// Use NewSQLiteStore(":memory:") or a t.TempDir() path for integration tests.
package store
