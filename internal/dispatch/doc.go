// Package dispatch implements the alert delivery pipeline: a priority queue
// fed by any number of producers, drained by one worker that honors the
// sink's rate budget, per-key cooldowns, and a bounded retry policy.
//
// Delivery semantics
//
// The pipeline is at-most-effectively-once. Producers are fire-and-forget:
// Enqueue never blocks on delivery and never reports delivery outcomes.
// A throttled alert is re-enqueued (optionally demoted) and does not burn an
// attempt; a failed delivery is retried at the same priority until the
// attempt budget runs out, then dropped with a journal record.
//
// There is exactly one worker per sink, so the sink never sees interleaved
// partial deliveries.
package dispatch
