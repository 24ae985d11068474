// Package events provides event-bus implementations: an in-process bus for
// single-node deployments and tests, and Redis Streams with consumer groups
// for a shared fleet.
package events
