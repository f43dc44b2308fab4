// Package api hosts the HTTP server, middleware and handlers. Notable routes:
//   - POST <webhook path> accepts chat updates and queues them for the workers.
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/jobs/{message_id} and /v1/jobs?url= for job lookup.
//   - GET /artifacts/* serves saved analyses from the local artifact directory.
package api
