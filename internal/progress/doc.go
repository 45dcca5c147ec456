// Package progress tracks the counters of a pipeline run and publishes them to
// observers. The Tracker holds the authoritative, mutex-guarded counters read
// through Snapshot; every mutation is also emitted as an Event to a Hub, which
// batches events on a background goroutine and fans them out to pluggable
// sinks such as Prometheus collectors, structured logs, or a progress store.
package progress
