package domain

import "errors"

var (
	// ErrInvalidTransition marks a status change outside the allowed task
	// state machine. It indicates a coordination bug and is surfaced loudly.
	ErrInvalidTransition = errors.New("invalid task status transition")

	// ErrInvalidAmount rejects negative spend reported to the budget tracker.
	ErrInvalidAmount = errors.New("invalid spend amount")

	// ErrTaskNotFound is returned for unknown task IDs.
	ErrTaskNotFound = errors.New("task not found")

	// ErrRequestNotFound is returned for unknown request IDs.
	ErrRequestNotFound = errors.New("request not found")

	// ErrWorkerSaturated means a load reservation would exceed the worker's
	// concurrency limit. Callers retry on a later scheduling pass.
	ErrWorkerSaturated = errors.New("worker at max concurrency")

	// ErrCacheMiss is returned when no live entry exists for a fingerprint.
	ErrCacheMiss = errors.New("cache miss")

	// ErrRequestTerminal rejects operations on requests that already ended.
	ErrRequestTerminal = errors.New("request already terminal")
)
