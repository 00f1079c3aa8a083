// Package bot defines the schedulable unit of work and its state machine.
//
// # Lifecycle
//
// A bot is idle until one of its cron expressions comes due or a manual run
// dispatches it. While a dispatch cycle is in flight the bot is claimed: the
// claim (not the visible state) is what guarantees a bot never runs twice
// concurrently, so the error state shown between retry attempts is just as
// undispatchable as running. A cycle ends in success (back to idle) or, once
// the retry budget is spent, in timeout: the bot refuses further dispatches
// until the cooldown stamped in TimeoutUntil has passed. Expiry is lazy;
// the next due check or state read past the deadline flips the bot back to
// idle.
//
// # Counters
//
// Runs counts dispatch cycles that actually started executing. Errors counts
// failed attempts, so a cycle with three failed tries adds three. LastRun
// records the most recent successful completion only.
package bot
