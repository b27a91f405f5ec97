// Package cache implements the utility-ranked result cache that lets the
// dispatch engine avoid redundant remote calls.
//
// Requests are keyed by a fingerprint: the reserved query field is normalized
// (lower-cased, trimmed, whitespace collapsed), the full request is
// serialized deterministically and hashed to a 128-bit hex digest. Entries
// carry TTL expiry and a composite utility score over age, recency and access
// frequency; a lazy min-heap over utility makes eviction O(log n) while a
// staleness-ratio rebuild bounds the index size. A term-frequency vectorizer
// provides a second-chance semantic lookup for paraphrased requests; 0.8 is
// the tested operating threshold, lower values admit too many false matches.
package cache
