// Package botman runs bots: it owns the polling scheduler and the bounded
// execution engine behind a single Manager.
//
// # Overview
//
// A Manager holds a named set of bots. Once started it wakes on a fixed
// tick (default one second), asks every bot whether a schedule occurrence
// has arrived, and hands due bots to the engine. The engine executes cycles
// on a bounded worker pool, applying each bot's retry policy and publishing
// lifecycle events to the bus: debug when a cycle starts, info on success,
// error per failed attempt, error again when the attempt budget is spent
// and the bot enters its cooldown, warning when the dispatch queue rejects
// work.
//
// Manual dispatch (Run, RunAll) goes through the same engine gate as
// scheduled dispatch, so a bot can never run twice concurrently no matter
// how it was triggered.
//
// # Lifecycle
//
// The Manager is single-use: construct, Add bots (also allowed while
// running), Start, and eventually Stop. Stop halts the polling loop, lets
// in-flight cycles finish within the caller's deadline, and releases
// queued-but-unstarted cycles so their bots end up idle, merely late. When
// the Manager built its own event bus it stops that too; an injected bus
// stays the caller's responsibility.
package botman
