// Package ports defines the interfaces between the application core and its
// adapters: event bus, coordination store, model completion client, metrics
// collector and the terminal-notification boundary.
package ports
