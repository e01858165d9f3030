// Package storage persists campaigns, role notifications, suppressions and
// the audit trail.
//
// Drivers:
//   - "sqlite": modernc.org/sqlite file database (default)
//   - "postgres": lib/pq
//   - "memory": process-local maps, for tests and dry runs
package storage
