// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawls to run a crawl session synchronously.
//   - GET /v1/sessions and /v1/sessions/{id} for progress reporting via the
//     SessionDirectory interface.
package api
