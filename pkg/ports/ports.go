package ports

import (
	"context"
	"time"

	"github.com/crewdock/crewd/pkg/domain"
)

// EventHandler processes one event delivered by the bus.
type EventHandler func(ctx context.Context, event domain.Event) error

// EventBus decouples the orchestrator, the worker pool and the API rim.
// Delivery is at-least-once; handlers must tolerate replays.
type EventBus interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}

// CoordinationStore is the passive shared state of the fleet: the task
// registry, the result cache and the per-worker load table. Every mutating
// operation is atomic for its key; UpdateStatus additionally enforces the
// task status machine and rejects illegal transitions with
// domain.ErrInvalidTransition.
type CoordinationStore interface {
	// Requests.
	SaveRequest(ctx context.Context, rec *domain.RequestRecord) error
	GetRequest(ctx context.Context, requestID string) (*domain.RequestRecord, error)
	ListRequests(ctx context.Context) ([]*domain.RequestRecord, error)
	DeleteRequest(ctx context.Context, requestID string) error

	// Task registry.
	RegisterTask(ctx context.Context, node *domain.TaskNode) error
	GetTask(ctx context.Context, taskID string) (*domain.TaskNode, error)
	TasksForRequest(ctx context.Context, requestID string) ([]*domain.TaskNode, error)

	// UpdateStatus applies one transition and returns the updated snapshot.
	// A same-status update is an idempotent no-op that returns success
	// without touching result or attempt fields.
	UpdateStatus(ctx context.Context, taskID string, status domain.TaskStatus, upd domain.StatusUpdate) (*domain.TaskNode, error)

	// ReadyTasks promotes Pending tasks whose dependencies are all Done and
	// returns every Ready task of the request. Promotion happens inside the
	// store's critical section so a task can never be observed Ready while a
	// dependency is unfinished.
	ReadyTasks(ctx context.Context, requestID string) ([]*domain.TaskNode, error)

	// Result cache, keyed by domain.Fingerprint. Expired entries read as
	// absent and may be evicted opportunistically.
	LookupCache(ctx context.Context, fingerprint string) (*domain.TaskResult, error)
	PutCache(ctx context.Context, fingerprint string, result *domain.TaskResult, ttl time.Duration) error

	// Load table. A positive delta that would push the counter past limit
	// fails with domain.ErrWorkerSaturated and leaves it unchanged; limit <= 0
	// means uncapped. Counters never go below zero.
	ReportLoad(ctx context.Context, workerID string, delta, limit int) (int, error)
	CurrentLoad(ctx context.Context, workerID string) (int, error)
}

// CompletionRequest is what the core hands to the model collaborator.
type CompletionRequest struct {
	Prompt     string
	Capability domain.Capability
	WorkerID   string
}

// CompletionResult is the collaborator's answer plus its accounting data.
type CompletionResult struct {
	Text       string
	Cost       float64
	Confidence float64
}

// CompletionClient is the opaque model-call boundary. Any non-nil error is a
// task failure; Cost feeds the budget tracker.
type CompletionClient interface {
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error)
}

// Notifier receives the terminal callback, exactly once per request. Routing
// output to the channel named by SourceChannel is the collaborator's job.
type Notifier interface {
	RequestTerminal(ctx context.Context, output *domain.FinalOutput)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, output *domain.FinalOutput)

// RequestTerminal implements Notifier.
func (f NotifierFunc) RequestTerminal(ctx context.Context, output *domain.FinalOutput) {
	f(ctx, output)
}

// MetricsCollector abstracts the metrics backend.
type MetricsCollector interface {
	RecordRequestSubmitted(status string)
	RecordRequestCompleted(status string, duration time.Duration)
	RecordTaskExecuted(capability, status string, duration time.Duration)
	RecordCacheLookup(hit bool)
	RecordSpend(amount float64)
	RecordBudgetTier(tier string, utilization float64)
	RecordWorkerPoolStatus(idle, busy, stopped int)
	RecordModelCall(capability string, duration time.Duration)
	RecordInvalidTransition()
}
