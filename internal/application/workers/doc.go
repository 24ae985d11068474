// Package workers implements the execution side of the fleet: a pool of
// executor goroutines that consume dispatch events, claim the task's Running
// transition, check the result cache, call the model, account the spend and
// report completion back through the store and the event bus.
package workers
