// Package storage persists task records and a short run history.
//
// Two drivers exist:
//   - "file": a JSON snapshot of all tasks plus an append-only run journal
//   - "sqlite": a single database file (modernc.org/sqlite, no cgo)
//
// Both satisfy task.Store, which is all the scheduling core needs.
package storage
