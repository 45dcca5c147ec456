// Package sinks implements concrete progress consumers: Prometheus
// collectors, a repository-backed store, and structured logging. Each sink
// satisfies progress.Sink.
package sinks
