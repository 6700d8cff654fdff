// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/audits for job submission, GET /v1/audits for listing.
//   - GET /v1/audits/{id}/status and /results, POST /v1/audits/{id}/cancel.
package api
