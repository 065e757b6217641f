// Package api hosts the optional status server of a mirror run. Routes:
//   - GET /healthz and /readyz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/summary for the running tally of the current run.
//   - GET /v1/collections and /v1/collections/{name} for per-collection counts.
package api
