// Package dispatch implements the order-preserving batch execution engine.
//
// Each work item runs a small state machine: exact cache check, optional
// semantic second-chance lookup, then credential acquisition and the remote
// call with a bounded retry budget that fails over to a different credential
// after each error. Items execute concurrently on a goroutine worker pool;
// results are written into index-tagged slots so the output always matches
// submission order regardless of completion order. Every N items the engine
// polls the memory monitor and escalates cache cleanup under pressure.
//
// DispatchRace additionally supports racing two redundant providers with a
// quality-gated cancellation policy and a hard wall-clock timeout.
package dispatch
