// Package api hosts the HTTP control surface of the ingestion service.
// Notable routes:
//   - GET /healthz and /readyz for health checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to start a run and GET /v1/runs/status to follow it.
//   - GET /v1/runs and /v1/runs/{run_id} for the run log.
//   - POST /v1/descriptions/backfill and GET /v1/descriptions/status.
package api
