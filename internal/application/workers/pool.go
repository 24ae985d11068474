package workers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crewdock/crewd/internal/application/budget"
	"github.com/crewdock/crewd/pkg/domain"
	"github.com/crewdock/crewd/pkg/ports"
)

// Pool executes dispatched tasks on a fixed set of executor goroutines. It
// subscribes to the task stream once and fans dispatch events into a job
// channel, so each dispatch is executed exactly once regardless of pool size.
type Pool struct {
	size    int
	bus     ports.EventBus
	store   ports.CoordinationStore
	client  ports.CompletionClient
	budget  *budget.Tracker
	metrics ports.MetricsCollector
	logger  *zap.Logger
	health  *HealthMonitor

	cacheTTL    time.Duration
	taskTimeout time.Duration

	executors []*executor
	jobs      chan domain.Event
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// executor is a single worker goroutine.
type executor struct {
	id      string
	pool    *Pool
	status  ExecutorStatus
	mu      sync.RWMutex
	lastJob time.Time
}

// ExecutorStatus reports what an executor goroutine is doing.
type ExecutorStatus string

const (
	ExecutorStatusIdle    ExecutorStatus = "idle"
	ExecutorStatusBusy    ExecutorStatus = "busy"
	ExecutorStatusStopped ExecutorStatus = "stopped"
)

// Options bundles the pool's tuning knobs.
type Options struct {
	Size                int
	CacheTTL            time.Duration
	TaskTimeout         time.Duration
	HealthCheckInterval time.Duration
}

// NewPool creates a worker pool.
func NewPool(
	opts Options,
	bus ports.EventBus,
	store ports.CoordinationStore,
	client ports.CompletionClient,
	tracker *budget.Tracker,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
) *Pool {
	ctx, cancel := context.WithCancel(context.Background())

	if metrics == nil {
		metrics = nopMetrics{}
	}
	pool := &Pool{
		size:        opts.Size,
		bus:         bus,
		store:       store,
		client:      client,
		budget:      tracker,
		metrics:     metrics,
		logger:      logger,
		cacheTTL:    opts.CacheTTL,
		taskTimeout: opts.TaskTimeout,
		executors:   make([]*executor, opts.Size),
		jobs:        make(chan domain.Event, opts.Size*2),
		ctx:         ctx,
		cancel:      cancel,
	}
	pool.health = NewHealthMonitor(pool, opts.HealthCheckInterval, logger)
	return pool
}

// Start subscribes to the task stream and launches the executors.
func (p *Pool) Start() error {
	p.logger.Info("starting worker pool", zap.Int("size", p.size))

	handler := func(ctx context.Context, event domain.Event) error {
		if event.Type != domain.EventTypeTaskDispatched {
			return nil
		}
		select {
		case p.jobs <- event:
			return nil
		case <-p.ctx.Done():
			return nil
		}
	}
	if err := p.bus.Subscribe(p.ctx, domain.TopicTaskEvents, handler); err != nil {
		return fmt.Errorf("failed to subscribe to task events: %w", err)
	}

	for i := 0; i < p.size; i++ {
		e := &executor{
			id:      fmt.Sprintf("executor-%d", i),
			pool:    p,
			status:  ExecutorStatusIdle,
			lastJob: time.Now(),
		}
		p.executors[i] = e

		p.wg.Add(1)
		go e.run(p.ctx)
	}

	p.health.Start()
	return nil
}

// Shutdown stops the executors and waits for in-flight tasks to finish.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down worker pool")

	p.health.Stop()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout")
	}
}

// GetStatus returns the status of every executor.
func (p *Pool) GetStatus() map[string]ExecutorStatus {
	status := make(map[string]ExecutorStatus, len(p.executors))
	for _, e := range p.executors {
		e.mu.RLock()
		status[e.id] = e.status
		e.mu.RUnlock()
	}
	return status
}

// Health exposes the pool's health monitor.
func (p *Pool) Health() *HealthMonitor {
	return p.health
}

func (e *executor) run(ctx context.Context) {
	defer e.pool.wg.Done()

	e.pool.logger.Info("executor started", zap.String("executor_id", e.id))

	for {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.status = ExecutorStatusStopped
			e.mu.Unlock()
			e.pool.logger.Info("executor stopped", zap.String("executor_id", e.id))
			return
		case event := <-e.pool.jobs:
			e.mu.Lock()
			e.status = ExecutorStatusBusy
			e.lastJob = time.Now()
			e.mu.Unlock()

			e.execute(ctx, event)

			e.mu.Lock()
			e.status = ExecutorStatusIdle
			e.mu.Unlock()
		}
	}
}

// execute runs one dispatched task attempt end to end.
func (e *executor) execute(ctx context.Context, event domain.Event) {
	node, err := e.pool.store.GetTask(ctx, event.TaskID)
	if err != nil {
		e.pool.logger.Warn("dispatched task not found",
			zap.String("executor_id", e.id),
			zap.String("task_id", event.TaskID),
			zap.Error(err))
		return
	}

	// Claim the attempt. A rejected transition means the scheduler already
	// moved the task on (reassigned, cancelled) and this dispatch is stale.
	claimed, err := e.pool.store.UpdateStatus(ctx, node.ID, domain.TaskStatusRunning, domain.StatusUpdate{})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			e.pool.metrics.RecordInvalidTransition()
			// The task never reached Running here, so the dispatch
			// reservation is still held. Give the slot back.
			if node.AssignedWorker != "" {
				if _, relErr := e.pool.store.ReportLoad(ctx, node.AssignedWorker, -1, 0); relErr != nil {
					e.pool.logger.Warn("failed to release worker load",
						zap.String("worker_id", node.AssignedWorker),
						zap.Error(relErr))
				}
			}
			e.pool.logger.Debug("stale dispatch discarded",
				zap.String("task_id", event.TaskID),
				zap.Error(err))
			return
		}
		e.pool.logger.Error("failed to claim task",
			zap.String("task_id", event.TaskID),
			zap.Error(err))
		return
	}
	node = claimed

	e.pool.logger.Info("executing task",
		zap.String("executor_id", e.id),
		zap.String("task_id", node.ID),
		zap.String("request_id", node.RequestID),
		zap.String("capability", string(node.Capability)),
		zap.String("worker_id", node.AssignedWorker),
		zap.Int("attempt", node.Attempts))

	e.publish(ctx, domain.EventTypeTaskStarted, node, nil)

	start := time.Now()
	result, reason := e.runAttempt(ctx, node)
	duration := time.Since(start)

	// The assignment reservation is released whatever the outcome.
	defer func() {
		if node.AssignedWorker == "" {
			return
		}
		if _, err := e.pool.store.ReportLoad(ctx, node.AssignedWorker, -1, 0); err != nil {
			e.pool.logger.Warn("failed to release worker load",
				zap.String("worker_id", node.AssignedWorker),
				zap.Error(err))
		}
	}()

	if result != nil {
		if _, err := e.pool.store.UpdateStatus(ctx, node.ID, domain.TaskStatusDone, domain.StatusUpdate{Result: result}); err != nil {
			// Completion raced a cancel or timeout sweep; the result is dropped.
			e.pool.metrics.RecordInvalidTransition()
			e.pool.logger.Debug("late completion discarded",
				zap.String("task_id", node.ID),
				zap.Error(err))
			return
		}
		e.pool.metrics.RecordTaskExecuted(string(node.Capability), "done", duration)
		e.publish(ctx, domain.EventTypeTaskCompleted, node, map[string]interface{}{
			"confidence": result.Confidence,
			"from_cache": result.FromCache,
		})
		e.pool.logger.Info("task completed",
			zap.String("task_id", node.ID),
			zap.Bool("from_cache", result.FromCache),
			zap.Duration("duration", duration))
		return
	}

	if _, err := e.pool.store.UpdateStatus(ctx, node.ID, domain.TaskStatusFailed, domain.StatusUpdate{Reason: reason}); err != nil {
		e.pool.metrics.RecordInvalidTransition()
		e.pool.logger.Debug("late failure discarded",
			zap.String("task_id", node.ID),
			zap.Error(err))
		return
	}
	e.pool.metrics.RecordTaskExecuted(string(node.Capability), "failed", duration)
	e.publish(ctx, domain.EventTypeTaskFailed, node, map[string]interface{}{
		"reason": string(reason),
	})
	e.pool.logger.Warn("task failed",
		zap.String("task_id", node.ID),
		zap.String("reason", string(reason)),
		zap.Duration("duration", duration))
}

// runAttempt produces the task's result, from cache when possible. A nil
// result means failure with the returned reason.
func (e *executor) runAttempt(ctx context.Context, node *domain.TaskNode) (*domain.TaskResult, domain.FailReason) {
	fingerprint := domain.Fingerprint(node.Capability, node.Input)

	// Cache check comes before the model call: a hit costs nothing.
	if cached, err := e.pool.store.LookupCache(ctx, fingerprint); err == nil {
		e.pool.metrics.RecordCacheLookup(true)
		result := *cached
		result.FromCache = true
		result.Cost = 0
		result.WorkerID = node.AssignedWorker
		return &result, ""
	}
	e.pool.metrics.RecordCacheLookup(false)

	prompt, err := e.buildPrompt(ctx, node)
	if err != nil {
		e.pool.logger.Error("failed to build prompt",
			zap.String("task_id", node.ID),
			zap.Error(err))
		return nil, domain.FailReasonUnreachable
	}

	callCtx, cancel := context.WithTimeout(ctx, e.pool.taskTimeout)
	defer cancel()

	start := time.Now()
	completion, err := e.pool.client.Complete(callCtx, &ports.CompletionRequest{
		Prompt:     prompt,
		Capability: node.Capability,
		WorkerID:   node.AssignedWorker,
	})
	e.pool.metrics.RecordModelCall(string(node.Capability), time.Since(start))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return nil, domain.FailReasonTimeout
		}
		if errors.Is(err, context.Canceled) {
			return nil, domain.FailReasonCancelled
		}
		return nil, domain.FailReasonModelError
	}

	if err := e.pool.budget.RecordSpend(completion.Cost); err != nil {
		e.pool.logger.Warn("failed to record spend",
			zap.String("task_id", node.ID),
			zap.Float64("cost", completion.Cost),
			zap.Error(err))
	}

	result := &domain.TaskResult{
		Payload:    completion.Text,
		Confidence: completion.Confidence,
		Cost:       completion.Cost,
		WorkerID:   node.AssignedWorker,
	}

	if err := e.pool.store.PutCache(ctx, fingerprint, result, e.pool.cacheTTL); err != nil {
		e.pool.logger.Warn("failed to cache result",
			zap.String("task_id", node.ID),
			zap.Error(err))
	}
	return result, ""
}

// buildPrompt prepends the outputs of finished dependencies to the task's
// own instruction so downstream specialists see what upstream produced.
func (e *executor) buildPrompt(ctx context.Context, node *domain.TaskNode) (string, error) {
	if len(node.DependsOn) == 0 {
		return node.Input, nil
	}

	var b strings.Builder
	b.WriteString("Context from completed prerequisite tasks:\n\n")
	for _, depID := range node.DependsOn {
		dep, err := e.pool.store.GetTask(ctx, depID)
		if err != nil {
			return "", fmt.Errorf("dependency %s: %w", depID, err)
		}
		if dep.Result == nil {
			return "", fmt.Errorf("dependency %s has no result", depID)
		}
		fmt.Fprintf(&b, "[%s] %s:\n%s\n\n", dep.Capability, dep.Input, dep.Result.Payload)
	}
	b.WriteString("Task:\n")
	b.WriteString(node.Input)
	return b.String(), nil
}

// nopMetrics keeps the hot path free of nil checks when no collector is
// wired.
type nopMetrics struct{}

func (nopMetrics) RecordRequestSubmitted(string)                    {}
func (nopMetrics) RecordRequestCompleted(string, time.Duration)     {}
func (nopMetrics) RecordTaskExecuted(string, string, time.Duration) {}
func (nopMetrics) RecordCacheLookup(bool)                           {}
func (nopMetrics) RecordSpend(float64)                              {}
func (nopMetrics) RecordBudgetTier(string, float64)                 {}
func (nopMetrics) RecordWorkerPoolStatus(int, int, int)             {}
func (nopMetrics) RecordModelCall(string, time.Duration)            {}
func (nopMetrics) RecordInvalidTransition()                         {}

func (e *executor) publish(ctx context.Context, eventType domain.EventType, node *domain.TaskNode, data map[string]interface{}) {
	event := domain.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		RequestID: node.RequestID,
		TaskID:    node.ID,
		Timestamp: time.Now(),
		Data:      data,
	}
	if err := e.pool.bus.Publish(ctx, domain.TopicTaskEvents, event); err != nil {
		e.pool.logger.Error("failed to publish event",
			zap.String("event_type", string(eventType)),
			zap.String("task_id", node.ID),
			zap.Error(err))
	}
}
