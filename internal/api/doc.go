// Package api hosts the HTTP server, middleware, and REST handlers for scan
// submission and inspection. Notable routes:
//   - POST /api/scans to submit a target; 202 once queued, 503 when the
//     admission queue is full.
//   - GET /api/scans and /api/scans/{scan_id} to read lifecycle records.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
