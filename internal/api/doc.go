// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs and /v1/runs/{run_id} for dispatcher run history.
//   - GET /v1/listings/{listing_id} for a listing's price history.
//   - POST /v1/backlog for manual backlog injection.
package api
