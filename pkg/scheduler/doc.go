// Package scheduler runs the billing background jobs on cron schedules.
//
// Two jobs exist:
//
//   - the due-payment sweep, which charges every subscription whose next
//     payment date has passed
//   - the ledger prune, which forgets processed webhook event ids older than
//     the retention window
//
// Jobs never overlap with themselves: the cron chain skips a run while the
// previous one is still going, the processor refuses a second sweep in the
// same process, and a configured billing.Lease keeps sweeps on different
// replicas apart.
package scheduler
