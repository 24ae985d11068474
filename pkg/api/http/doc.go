// Package http is the REST rim over the orchestrator: request submission,
// status and result retrieval, cancellation, budget and worker introspection,
// plus the health and Prometheus endpoints.
package http
