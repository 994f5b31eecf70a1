// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Execution creation, queries and cancellation
//   - Task result callbacks from worker services
//   - Endpoint management and provider discovery
//   - Worker service diagnostics
//   - Health checks
//   - Prometheus metrics
package http
