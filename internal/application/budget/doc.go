// Package budget tracks fleet spend per time window and derives the
// escalation tier (normal, warning, degraded, critical, blocked) the
// orchestrator consults before every assignment decision.
package budget
