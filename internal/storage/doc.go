// Package storage persists diagnostic events emitted by the scheduler.
//
// Drivers:
//   - "file": JSON Lines journal, no extra dependencies
//   - "sqlite": SQLite database (modernc.org/sqlite, pure Go)
//
// Schedules themselves are never persisted; only the event trail is.
package storage
