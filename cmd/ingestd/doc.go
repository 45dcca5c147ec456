// Package main hosts the ingestd entrypoint.
//
// Architecture overview:
//   - Sources: each configured source (web pages via Colly, listing pages via goquery, or a Pub/Sub
//     subscription) is wrapped in a fetcher that retries transient errors with capped exponential backoff
//     and paces calls through a shared token-bucket limiter.
//   - Queue & consumer: fetchers push into one bounded FIFO queue; a single consumer drains it, drops
//     identity duplicates, and hands every item to the archive handler.
//   - Persistence & fanout: payloads are hashed and written to the configured BlobStore (memory/local/GCS),
//     a metadata row is recorded (memory or Postgres), and a notification is published when a topic is set.
//   - Coordination: the coordinator drives a run through idle, running, draining, and a terminal stopped or
//     failed state, bounding drain and shutdown by configured deadlines.
//   - Observability: zap logs carry run IDs; progress events fan out to log, Prometheus, and store sinks; the
//     status server exposes /healthz, /readyz, /metrics, /v1/progress, /v1/cancel, and run history.
//
// Quick checklist:
//   - Configure via a YAML file (--config) or INGESTD_* env overrides, e.g. INGESTD_PIPELINE_QUEUE_CAPACITY.
//   - Run locally: ingestd run --config config.yaml, or ingestd run --demo 100 for a self-contained run.
//   - SIGINT/SIGTERM cancels the run; the process exits non-zero when the run ends failed.
package main
