// Package storage persists what must outlive the in-memory job store: an
// audit trail of operator actions and snapshots of finished jobs.
//
// Two drivers exist:
//   - "file": JSON Lines audit log plus a job snapshot/journal pair
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
package storage
