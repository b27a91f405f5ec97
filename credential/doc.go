// Package credential implements the rate-limited credential pool used by the
// dispatch engine to route remote calls.
//
// Each credential carries a sliding 60 second window of request timestamps,
// lifetime success/error counters and a bounded rolling window of latency
// samples. From these the pool derives a 0-100 health score (half error rate,
// half average latency) that is recomputed on every report, so selection is
// never more than one report stale. Acquire hands out the healthiest
// credential with rate headroom and records the call atomically; when nothing
// qualifies it returns ErrExhausted without blocking, leaving backoff policy
// to the caller.
package credential
