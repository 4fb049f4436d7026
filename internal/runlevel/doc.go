// Package runlevel implements the run-level orchestration engine for
// levelctl. It drives the services held in a registry through an ordered
// sequence of integer levels: ascending to a target level starts every
// service declared at each intermediate level, descending destroys them in
// reverse activation order.
//
// # Architecture
//
// A single Context holds the process-wide state: the current level, the
// one-job-at-a-time gate, and the bookkeeping for in-flight activations.
// Each transition request produces a Job, a future-shaped handle the
// caller can wait on, cancel, or re-target from inside a listener
// callback. The Job delegates to a direction-specific driver:
//
//   - the up driver processes one level at a time, handing the level's
//     services to a bounded worker pool that detects and rotates around
//     activations that would block on a dependency being built by another
//     worker
//   - the down driver destroys one service at a time on a dedicated
//     worker, with a watchdog that hard-cancels destructions that stop
//     making progress
//
// # Error recovery
//
// A failed ascent automatically descends back to the last fully achieved
// level before reporting the accumulated failure. Listeners decide per
// failure whether to ignore it or abort; any abort decision wins over any
// ignore decision for the same failure.
//
// # Cancellation
//
// Cancel is idempotent and best-effort. During an ascent it triggers a
// descent back to the last achieved level; during a descent it arms the
// hard-cancel watchdog. Cancellation is not an error: a cancelled job
// completes normally with IsCancelled reporting true.
//
// # Threading
//
// The engine runs either on a caller-supplied dispatcher (bounded worker
// pool) or, with UseThreads disabled, entirely on the submitting
// goroutine. Both modes produce the same observable ordering of listener
// callbacks.
package runlevel
