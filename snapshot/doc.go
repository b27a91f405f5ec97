// Package snapshot implements the cache persistence boundary: a serializable
// context snapshot (recent interaction history, extracted query patterns and
// quality metrics), a Tracker that accumulates it, and Store implementations
// that round-trip snapshots losslessly while retaining only a bounded number
// of recent ones. The SQLite store is the durable default; the in-memory
// store serves tests and demos.
package snapshot
