// Package ledger is the durable record of which messages were delivered.
//
// A message moves through claim -> commit, or claim -> release. A committed
// record is never released or reclaimed; a pending claim older than the
// claim TTL can be taken over by the next TryClaim.
//
// Drivers:
//   - "sqlite": default, a single database file (pure Go driver)
//   - "file": dependency-free journal + snapshot
//   - "postgres": shared database via a pgx pool
package ledger
