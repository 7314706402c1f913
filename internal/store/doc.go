// Package store provides persistent storage for nimrod-master using SQLite.
//
// # Data Models
//
//   - AgentRecord: the last committed state of an agent session, written
//     whenever the session changes state
//   - Transition: an append-only history of state changes per agent
//   - config overrides: live configuration values set through the admin
//     API, reapplied at startup
//
// SQLiteStore is backed by modernc.org/sqlite (pure Go, no cgo) and runs
// in WAL mode with foreign keys enabled, so deleting an agent removes its
// transitions. Times are stored as RFC3339Nano strings in UTC; zero times
// and empty strings are stored as NULL.
//
// MockStore is an in-memory implementation with the same behaviour, used
// by tests that need to inject persistence failures.
package store
