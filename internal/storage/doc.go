// Package storage persists the displayed notification set and the dispatch
// audit log.
//
// Backends:
//   - file: JSON Lines audit log plus an active-set snapshot and journal
//   - sqlite: a single SQLite database (modernc.org/sqlite, no cgo)
package storage
