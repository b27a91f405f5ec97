// Package memwatch observes process memory and classifies pressure for the
// dispatch engine to act on: "warning" triggers a cache TTL sweep, "critical"
// additionally forces low-utility cleanup and a garbage collection pass.
// Readings come from runtime.ReadMemStats and are injectable for tests.
package memwatch
