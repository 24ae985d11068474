package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crewdock/crewd/internal/application/budget"
	"github.com/crewdock/crewd/internal/application/classifier"
	"github.com/crewdock/crewd/internal/application/synthesizer"
	"github.com/crewdock/crewd/pkg/domain"
	"github.com/crewdock/crewd/pkg/ports"
)

// Config holds the orchestrator's scheduling knobs.
type Config struct {
	// Interval between scheduling passes when no completion event arrives.
	Interval time.Duration
	// MaxAttempts bounds retries per task, counting the first attempt.
	MaxAttempts int
	// TaskTimeout fails a Running task whose attempt outlives it.
	TaskTimeout time.Duration
	// MaxHoldPasses bounds how many passes a request may sit held or starved
	// before it is failed instead of waiting forever.
	MaxHoldPasses int
}

// Manager owns the request lifecycle: it expands submissions into task
// graphs, runs the scheduling loop that assigns ready tasks to roster
// workers, and fires the terminal callback exactly once per request.
type Manager struct {
	bus      ports.EventBus
	store    ports.CoordinationStore
	class    *classifier.Classifier
	budget   *budget.Tracker
	syn      *synthesizer.Synthesizer
	notifier ports.Notifier
	metrics  ports.MetricsCollector
	roster   domain.Roster
	logger   *zap.Logger
	cfg      Config

	requests sync.Map // request id -> *requestContext
	wake     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	now      func() time.Time
}

// requestContext is the orchestrator's in-memory handle on a live request.
// stalled is only touched by the scheduling loop; terminal is guarded by mu
// because Cancel races the loop for the finalize.
type requestContext struct {
	id          string
	priority    domain.Priority
	submittedAt time.Time
	stalled     int

	mu       sync.Mutex
	terminal bool
}

// NewManager creates an orchestrator manager.
func NewManager(
	cfg Config,
	bus ports.EventBus,
	store ports.CoordinationStore,
	class *classifier.Classifier,
	tracker *budget.Tracker,
	syn *synthesizer.Synthesizer,
	notifier ports.Notifier,
	roster domain.Roster,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		bus:      bus,
		store:    store,
		class:    class,
		budget:   tracker,
		syn:      syn,
		notifier: notifier,
		metrics:  metrics,
		roster:   roster,
		logger:   logger,
		cfg:      cfg,
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
}

// Start recovers live requests from the store, subscribes to completion
// events and launches the scheduling loop.
func (m *Manager) Start() error {
	recs, err := m.store.ListRequests(m.ctx)
	if err != nil {
		return fmt.Errorf("failed to recover requests: %w", err)
	}
	recovered := 0
	for _, rec := range recs {
		if rec.State.Terminal() {
			continue
		}
		m.track(rec)
		recovered++
	}
	if recovered > 0 {
		m.logger.Info("recovered live requests", zap.Int("count", recovered))
	}

	// Completion and failure signals wake the loop so dependents are released
	// immediately instead of on the next tick.
	handler := func(ctx context.Context, event domain.Event) error {
		switch event.Type {
		case domain.EventTypeTaskCompleted, domain.EventTypeTaskFailed:
			m.signal()
		}
		return nil
	}
	if err := m.bus.Subscribe(m.ctx, domain.TopicTaskEvents, handler); err != nil {
		return fmt.Errorf("failed to subscribe to task events: %w", err)
	}

	m.wg.Add(1)
	go m.runLoop()

	m.logger.Info("orchestrator started",
		zap.Duration("interval", m.cfg.Interval),
		zap.Int("max_attempts", m.cfg.MaxAttempts),
		zap.Int("roster_size", len(m.roster)))
	return nil
}

// Shutdown stops the scheduling loop.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down orchestrator")
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout")
	}
}

// Submit accepts a raw request, expands it into a task graph and hands it to
// the scheduling loop. It returns the request id immediately; progress is
// observed through Status and the terminal callback.
func (m *Manager) Submit(ctx context.Context, rawText string, priority domain.Priority, sourceChannel string) (string, error) {
	if strings.TrimSpace(rawText) == "" {
		return "", fmt.Errorf("request text is required")
	}
	if priority == "" {
		priority = domain.PriorityNormal
	}
	if !domain.ValidPriority(priority) {
		return "", fmt.Errorf("invalid priority: %s", priority)
	}

	req := domain.Request{
		ID:            uuid.New().String(),
		RawText:       rawText,
		SubmittedAt:   m.now(),
		Priority:      priority,
		SourceChannel: sourceChannel,
	}

	rec := &domain.RequestRecord{Request: req, State: domain.RequestStateAccepted}
	if err := m.store.SaveRequest(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to save request: %w", err)
	}
	if m.metrics != nil {
		m.metrics.RecordRequestSubmitted(string(domain.RequestStateAccepted))
	}
	m.publishRequestEvent(ctx, domain.EventTypeRequestSubmitted, req.ID, map[string]interface{}{
		"priority": string(priority),
	})

	rec.State = domain.RequestStateExpanding
	if err := m.store.SaveRequest(ctx, rec); err != nil {
		m.discardSubmission(ctx, req.ID)
		return "", fmt.Errorf("failed to save request: %w", err)
	}

	graph := m.class.Classify(&req)
	for _, node := range graph.Nodes {
		if err := m.store.RegisterTask(ctx, node); err != nil {
			m.discardSubmission(ctx, req.ID)
			return "", fmt.Errorf("failed to register task: %w", err)
		}
		rec.TaskIDs = append(rec.TaskIDs, node.ID)
	}

	rec.State = domain.RequestStateScheduling
	if err := m.store.SaveRequest(ctx, rec); err != nil {
		m.discardSubmission(ctx, req.ID)
		return "", fmt.Errorf("failed to save request: %w", err)
	}

	m.logger.Info("request submitted",
		zap.String("request_id", req.ID),
		zap.String("priority", string(priority)),
		zap.Int("tasks", len(graph.Nodes)),
		zap.Bool("degraded_classification", graph.Degraded))

	m.track(rec)
	m.signal()
	return req.ID, nil
}

// discardSubmission removes a half-persisted submission so a restart cannot
// recover it as a live request. Submit already failed; this is best effort.
func (m *Manager) discardSubmission(ctx context.Context, requestID string) {
	if err := m.store.DeleteRequest(ctx, requestID); err != nil {
		m.logger.Warn("failed to discard half-submitted request",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

// Status returns the persisted view of a request.
func (m *Manager) Status(ctx context.Context, requestID string) (*domain.RequestRecord, error) {
	return m.store.GetRequest(ctx, requestID)
}

// Tasks returns the task nodes of a request.
func (m *Manager) Tasks(ctx context.Context, requestID string) ([]*domain.TaskNode, error) {
	return m.store.TasksForRequest(ctx, requestID)
}

// List returns every request record the store still holds, the decision
// history of the fleet.
func (m *Manager) List(ctx context.Context) ([]*domain.RequestRecord, error) {
	return m.store.ListRequests(ctx)
}

// Budget returns a snapshot of the active spend window.
func (m *Manager) Budget() domain.BudgetState {
	return m.budget.State()
}

// WorkerLoads returns the roster with each worker's current load.
type WorkerLoad struct {
	Profile domain.WorkerProfile `json:"profile"`
	Load    int                  `json:"load"`
}

// Workers reports the roster and its live load counters.
func (m *Manager) Workers(ctx context.Context) ([]WorkerLoad, error) {
	out := make([]WorkerLoad, 0, len(m.roster))
	for _, w := range m.roster {
		load, err := m.store.CurrentLoad(ctx, w.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, WorkerLoad{Profile: w, Load: load})
	}
	return out, nil
}

// Cancel abandons a live request. Every non-terminal task is failed with
// reason Cancelled; results from in-flight model calls that land afterwards
// are discarded by the store's transition check. The terminal callback still
// fires, carrying the cancellation notice.
func (m *Manager) Cancel(ctx context.Context, requestID string) error {
	rec, err := m.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if rec.State.Terminal() {
		return fmt.Errorf("%w: %s", domain.ErrRequestTerminal, requestID)
	}

	tasks, err := m.store.TasksForRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}
	for _, task := range tasks {
		if task.Status.Terminal() {
			continue
		}
		_, err := m.store.UpdateStatus(ctx, task.ID, domain.TaskStatusFailed, domain.StatusUpdate{Reason: domain.FailReasonCancelled})
		if err != nil {
			// The task finished in the meantime; its result stands.
			m.logger.Debug("cancel lost race with completion",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
	}

	m.logger.Info("request cancelled",
		zap.String("request_id", requestID),
		zap.Int("tasks", len(tasks)))

	m.finalize(ctx, m.track(rec), domain.RequestStateAbandoned)
	return nil
}

// track returns the live context for a request, creating one if the request
// was recovered or cancelled without ever being scheduled here.
func (m *Manager) track(rec *domain.RequestRecord) *requestContext {
	rc := &requestContext{
		id:          rec.Request.ID,
		priority:    rec.Request.Priority,
		submittedAt: rec.Request.SubmittedAt,
	}
	actual, _ := m.requests.LoadOrStore(rec.Request.ID, rc)
	return actual.(*requestContext)
}

// signal wakes the scheduling loop without blocking the caller.
func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// finalize moves a request into its terminal state, synthesizes the output
// and fires the terminal callback. The context's terminal flag makes it
// exactly-once even when Cancel races the scheduling loop.
func (m *Manager) finalize(ctx context.Context, rc *requestContext, state domain.RequestState) {
	rc.mu.Lock()
	if rc.terminal {
		rc.mu.Unlock()
		return
	}
	rc.terminal = true
	rc.mu.Unlock()

	defer m.requests.Delete(rc.id)

	rec, err := m.store.GetRequest(ctx, rc.id)
	if err != nil {
		m.logger.Error("failed to load request for finalize",
			zap.String("request_id", rc.id),
			zap.Error(err))
		return
	}
	if rec.State.Terminal() {
		return
	}

	rec.State = state
	now := m.now()
	rec.CompletedAt = &now

	output, err := m.syn.Synthesize(ctx, rec)
	if err != nil {
		m.logger.Error("synthesis failed",
			zap.String("request_id", rc.id),
			zap.Error(err))
		output = &domain.FinalOutput{
			RequestID:     rec.Request.ID,
			SourceChannel: rec.Request.SourceChannel,
			Failures:      []string{fmt.Sprintf("synthesis: %v", err)},
		}
	}
	rec.Output = output

	if err := m.store.SaveRequest(ctx, rec); err != nil {
		m.logger.Error("failed to save terminal request",
			zap.String("request_id", rc.id),
			zap.Error(err))
	}

	if m.metrics != nil {
		m.metrics.RecordRequestCompleted(string(state), now.Sub(rc.submittedAt))
	}
	m.publishRequestEvent(ctx, terminalEventType(state), rc.id, map[string]interface{}{
		"state":      string(state),
		"confidence": output.Confidence,
	})

	if m.notifier != nil {
		m.notifier.RequestTerminal(ctx, output)
	}

	m.logger.Info("request terminal",
		zap.String("request_id", rc.id),
		zap.String("state", string(state)),
		zap.Duration("duration", now.Sub(rc.submittedAt)))
}

func terminalEventType(state domain.RequestState) domain.EventType {
	switch state {
	case domain.RequestStateCompleted:
		return domain.EventTypeRequestCompleted
	case domain.RequestStateAbandoned:
		return domain.EventTypeRequestCancelled
	default:
		return domain.EventTypeRequestFailed
	}
}

func (m *Manager) publishRequestEvent(ctx context.Context, eventType domain.EventType, requestID string, data map[string]interface{}) {
	event := domain.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		RequestID: requestID,
		Timestamp: m.now(),
		Data:      data,
	}
	if err := m.bus.Publish(ctx, domain.TopicRequestEvents, event); err != nil {
		m.logger.Error("failed to publish request event",
			zap.String("event_type", string(eventType)),
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

func (m *Manager) publishTaskEvent(ctx context.Context, eventType domain.EventType, node *domain.TaskNode, data map[string]interface{}) {
	event := domain.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		RequestID: node.RequestID,
		TaskID:    node.ID,
		Timestamp: m.now(),
		Data:      data,
	}
	if err := m.bus.Publish(ctx, domain.TopicTaskEvents, event); err != nil {
		m.logger.Error("failed to publish task event",
			zap.String("event_type", string(eventType)),
			zap.String("task_id", node.ID),
			zap.Error(err))
	}
}
