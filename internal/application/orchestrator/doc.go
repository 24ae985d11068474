// Package orchestrator contains the coordination core. The manager expands
// submitted requests into task graphs and runs a non-blocking scheduling
// loop: budget-tier gating, retry and unreachability propagation, deadline
// sweeps, worker selection by load and cost, and exactly-once terminal
// callbacks. Execution itself happens in the workers package; the two only
// meet through the coordination store and the event bus.
package orchestrator
