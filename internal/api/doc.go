// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/job-types/{job_type}/jobs and /produce to enqueue work.
//   - GET /v1/jobs, GET /v1/jobs/{job_id} and POST /v1/jobs/{job_id}/requeue to
//     inspect and recover dead-lettered jobs.
//   - GET and DELETE /v1/contents/{content_id} for canonical content.
package api
