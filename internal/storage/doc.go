// Package storage persists broadcast schedules, their per-recipient outbox
// and the known recipients.
//
// One SQL implementation serves two drivers:
//   - sqlite: modernc.org/sqlite (pure Go), WAL, single connection
//   - postgres: github.com/lib/pq
//
// Every multi-statement state change (outboxing, completing an entry,
// aborting a schedule) runs in a single transaction.
package storage
