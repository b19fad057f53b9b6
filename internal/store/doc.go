// Package store persists conversation threads.
//
// # Architecture
//
// Persistence is split into two small interfaces:
//
//   - ThreadStore: load and save the snapshot (State) of one thread
//   - Directory: the append-only list of known thread ids
//
// Store combines both with Close. Three backends implement it:
//
//   - SQLiteStore: modernc.org/sqlite, the default
//   - RedisStore: go-redis, for deployments that share state between gateways
//   - MemoryStore: process-local, used by tests and the "memory" backend
//
// # Snapshots
//
// A State is the full ordered message list of a thread plus bookkeeping.
// SaveState replaces the stored snapshot atomically: readers observe either
// the previous snapshot or the new one, never a mix. Each save bumps Version;
// saving a State whose Version no longer matches the stored one fails with
// ErrVersionConflict and leaves the stored snapshot untouched.
//
// LoadState on a thread that was never saved returns an empty State at
// version 0, so a first save needs no special casing.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode and a single connection:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Database file locations:
//
//   - Development: ~/.local/share/coven/threads.db
//   - Testing: :memory: (in-memory database)
//
// # Redis Layout
//
//	<prefix>:state:<thread-id>   hash {version, turns, updated_at, messages}
//	<prefix>:threads             sorted set of thread ids scored by creation time
//
// All methods accept context.Context for cancellation support.
package store
