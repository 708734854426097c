// Package storage persists notification records, delivery rows, push
// subscriptions and the recipient directory.
//
// Drivers:
//   - "memory": process-local maps, for tests and single-shot runs
//   - "sqlite": SQLite database file (pure Go driver, no cgo)
package storage
