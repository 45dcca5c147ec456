// Package api hosts the status HTTP server for a running ingest. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress for the live run snapshot and POST /v1/cancel to stop it.
//   - GET /v1/runs, /v1/runs/{run_id}, and /v1/runs/{run_id}/sources for run
//     history via the ProgressRepository interface.
package api
