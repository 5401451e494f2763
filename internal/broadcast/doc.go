// Package broadcast is the outbox engine that turns broadcast schedules into
// per-recipient deliveries.
//
// Two periodic passes share one store:
//
//   - The Scheduler finds schedules that are close to due, creates one outbox
//     entry per known user with that user's send time, and marks the schedule
//     outboxed with its total.
//   - The Dispatcher drains due outbox entries one at a time in send-time
//     order. Each entry is filtered, delivered with bounded retry, and either
//     completed (sent_count + 1) or, when retries run out, its schedule is
//     aborted: marked errored, its remaining entries purged, an operator
//     notification emitted, and the rest of the batch left for the next tick.
//
// Each pass runs under a guard task id ("scheduling", "sending"), so a slow
// pass makes the next tick a no-op instead of overlapping it. The Daemon owns
// the timers that drive both passes.
package broadcast
