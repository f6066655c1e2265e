// Package api hosts the operator HTTP interface. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/resource-index for frontier registration and lookup.
//   - POST /v1/documents to seed a single document request.
//   - /v1/historical-runs to start and inspect tiered backfills.
//   - GET /v1/dead-letters for triage of exhausted requests.
package api
