// Package domain holds the shared types of the coordination core: requests,
// task graph nodes and their status machine, worker profiles, budget tiers,
// cache fingerprints and event envelopes.
//
// The package is dependency-free on purpose. Ownership rules: the
// orchestrator is the only writer of task status, workers own result payloads
// (write-once per attempt), and the budget tracker owns BudgetState.
package domain
