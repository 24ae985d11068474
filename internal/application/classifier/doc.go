// Package classifier expands incoming requests into task graphs using
// ordered, deterministic text heuristics, and validates the result before
// the orchestrator schedules it. It never fails: undecomposable input
// degrades to a single generic node.
package classifier
