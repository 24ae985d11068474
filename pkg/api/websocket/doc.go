// Package websocket streams per-request lifecycle events to clients that
// want progress without polling the REST endpoints.
package websocket
