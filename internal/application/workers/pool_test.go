package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/crewdock/crewd/internal/application/budget"
	eventsmem "github.com/crewdock/crewd/pkg/adapters/events/memory"
	storemem "github.com/crewdock/crewd/pkg/adapters/store/memory"
	"github.com/crewdock/crewd/pkg/domain"
	"github.com/crewdock/crewd/pkg/ports"
)

type stubClient struct {
	calls int64
	err   error
	text  string
}

func (c *stubClient) Complete(ctx context.Context, req *ports.CompletionRequest) (*ports.CompletionResult, error) {
	atomic.AddInt64(&c.calls, 1)
	if c.err != nil {
		return nil, c.err
	}
	return &ports.CompletionResult{Text: c.text, Cost: 0.01, Confidence: 0.9}, nil
}

func newTestPool(t *testing.T, client ports.CompletionClient) (*Pool, *storemem.Store, *eventsmem.Bus) {
	t.Helper()
	logger := zap.NewNop()
	store := storemem.NewStore()
	bus := eventsmem.NewBus(logger)
	tracker := budget.NewTracker(10.0, time.Hour, nil, logger)

	pool := NewPool(Options{
		Size:                2,
		CacheTTL:            time.Minute,
		TaskTimeout:         5 * time.Second,
		HealthCheckInterval: time.Minute,
	}, bus, store, client, tracker, nil, logger)

	if err := pool.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
		_ = bus.Close()
	})
	return pool, store, bus
}

func dispatchTask(t *testing.T, store *storemem.Store, bus *eventsmem.Bus, node *domain.TaskNode) {
	t.Helper()
	ctx := context.Background()
	if err := store.RegisterTask(ctx, node); err != nil {
		t.Fatalf("RegisterTask: %v", err)
	}
	if _, err := store.ReadyTasks(ctx, node.RequestID); err != nil {
		t.Fatalf("ReadyTasks: %v", err)
	}
	if _, err := store.ReportLoad(ctx, "generalist-1", 1, 4); err != nil {
		t.Fatalf("reserve load: %v", err)
	}
	if _, err := store.UpdateStatus(ctx, node.ID, domain.TaskStatusAssigned, domain.StatusUpdate{Worker: "generalist-1"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	err := bus.Publish(ctx, domain.TopicTaskEvents, domain.Event{
		ID:        "ev-" + node.ID,
		Type:      domain.EventTypeTaskDispatched,
		RequestID: node.RequestID,
		TaskID:    node.ID,
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func waitForStatus(t *testing.T, store *storemem.Store, taskID string, want domain.TaskStatus) *domain.TaskNode {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		node, err := store.GetTask(context.Background(), taskID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if node.Status == want {
			return node
		}
		time.Sleep(5 * time.Millisecond)
	}
	node, _ := store.GetTask(context.Background(), taskID)
	t.Fatalf("task %s never reached %s (stuck at %s)", taskID, want, node.Status)
	return nil
}

func TestPoolExecutesDispatchedTask(t *testing.T) {
	client := &stubClient{text: "model answer"}
	_, store, bus := newTestPool(t, client)

	dispatchTask(t, store, bus, &domain.TaskNode{
		ID:         "t1",
		RequestID:  "r1",
		Capability: domain.CapabilityResearch,
		Input:      "check the logs",
		Status:     domain.TaskStatusPending,
	})

	node := waitForStatus(t, store, "t1", domain.TaskStatusDone)
	if node.Result == nil || node.Result.Payload != "model answer" {
		t.Fatalf("result = %+v", node.Result)
	}
	if node.Result.FromCache {
		t.Error("first execution should not come from cache")
	}
	if atomic.LoadInt64(&client.calls) != 1 {
		t.Errorf("model calls = %d, want 1", client.calls)
	}

	load, _ := store.CurrentLoad(context.Background(), "generalist-1")
	if load != 0 {
		t.Errorf("load = %d, want 0 after release", load)
	}
}

func TestPoolServesRepeatFromCache(t *testing.T) {
	client := &stubClient{text: "cached answer"}
	_, store, bus := newTestPool(t, client)

	dispatchTask(t, store, bus, &domain.TaskNode{
		ID:         "t1",
		RequestID:  "r1",
		Capability: domain.CapabilityResearch,
		Input:      "Summarize the Q3 report",
		Status:     domain.TaskStatusPending,
	})
	waitForStatus(t, store, "t1", domain.TaskStatusDone)

	// Same capability and normalized input, different request.
	dispatchTask(t, store, bus, &domain.TaskNode{
		ID:         "t2",
		RequestID:  "r2",
		Capability: domain.CapabilityResearch,
		Input:      "summarize the q3 report.",
		Status:     domain.TaskStatusPending,
	})
	node := waitForStatus(t, store, "t2", domain.TaskStatusDone)

	if !node.Result.FromCache {
		t.Error("repeat task should be served from cache")
	}
	if node.Result.Cost != 0 {
		t.Errorf("cached result cost = %v, want 0", node.Result.Cost)
	}
	if calls := atomic.LoadInt64(&client.calls); calls != 1 {
		t.Errorf("model calls = %d, want 1 (cache hit must not call the model)", calls)
	}
}

func TestPoolMarksModelErrorFailed(t *testing.T) {
	client := &stubClient{err: errors.New("upstream 500")}
	_, store, bus := newTestPool(t, client)

	dispatchTask(t, store, bus, &domain.TaskNode{
		ID:         "t1",
		RequestID:  "r1",
		Capability: domain.CapabilityAnalyze,
		Input:      "analyze the outage",
		Status:     domain.TaskStatusPending,
	})

	node := waitForStatus(t, store, "t1", domain.TaskStatusFailed)
	if node.FailReason != domain.FailReasonModelError {
		t.Errorf("fail reason = %s, want model_error", node.FailReason)
	}

	load, _ := store.CurrentLoad(context.Background(), "generalist-1")
	if load != 0 {
		t.Errorf("load = %d, want 0 after failure release", load)
	}
}

func TestPoolDiscardsStaleDispatch(t *testing.T) {
	client := &stubClient{text: "x"}
	_, store, bus := newTestPool(t, client)

	ctx := context.Background()
	node := &domain.TaskNode{ID: "t1", RequestID: "r1", Capability: domain.CapabilityGeneric, Input: "do it", Status: domain.TaskStatusPending}
	if err := store.RegisterTask(ctx, node); err != nil {
		t.Fatalf("RegisterTask: %v", err)
	}
	// Task already failed before the dispatch arrives (cancelled request).
	if _, err := store.UpdateStatus(ctx, "t1", domain.TaskStatusFailed, domain.StatusUpdate{Reason: domain.FailReasonCancelled}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	err := bus.Publish(ctx, domain.TopicTaskEvents, domain.Event{
		ID:        "ev-stale",
		Type:      domain.EventTypeTaskDispatched,
		RequestID: "r1",
		TaskID:    "t1",
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	got, _ := store.GetTask(ctx, "t1")
	if got.Status != domain.TaskStatusFailed || got.FailReason != domain.FailReasonCancelled {
		t.Errorf("stale dispatch mutated task: %+v", got)
	}
	if atomic.LoadInt64(&client.calls) != 0 {
		t.Errorf("model calls = %d, want 0 for stale dispatch", client.calls)
	}
}

func TestPoolReleasesLoadOnStaleDispatch(t *testing.T) {
	client := &stubClient{text: "x"}
	_, store, bus := newTestPool(t, client)

	ctx := context.Background()
	node := &domain.TaskNode{ID: "t1", RequestID: "r1", Capability: domain.CapabilityGeneric, Input: "do it", Status: domain.TaskStatusPending}
	if err := store.RegisterTask(ctx, node); err != nil {
		t.Fatalf("RegisterTask: %v", err)
	}
	if _, err := store.ReadyTasks(ctx, "r1"); err != nil {
		t.Fatalf("ReadyTasks: %v", err)
	}
	// Full dispatch: slot reserved, task assigned.
	if _, err := store.ReportLoad(ctx, "generalist-1", 1, 4); err != nil {
		t.Fatalf("reserve load: %v", err)
	}
	if _, err := store.UpdateStatus(ctx, "t1", domain.TaskStatusAssigned, domain.StatusUpdate{Worker: "generalist-1"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	// The request is cancelled before the executor can claim the task.
	if _, err := store.UpdateStatus(ctx, "t1", domain.TaskStatusFailed, domain.StatusUpdate{Reason: domain.FailReasonCancelled}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	err := bus.Publish(ctx, domain.TopicTaskEvents, domain.Event{
		ID:        "ev-stale-reserved",
		Type:      domain.EventTypeTaskDispatched,
		RequestID: "r1",
		TaskID:    "t1",
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		load, err := store.CurrentLoad(ctx, "generalist-1")
		if err != nil {
			t.Fatalf("CurrentLoad: %v", err)
		}
		if load == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("load = %d, want 0 after stale dispatch discarded", load)
		}
		time.Sleep(5 * time.Millisecond)
	}

	got, _ := store.GetTask(ctx, "t1")
	if got.Status != domain.TaskStatusFailed || got.FailReason != domain.FailReasonCancelled {
		t.Errorf("stale dispatch mutated task: %+v", got)
	}
	if atomic.LoadInt64(&client.calls) != 0 {
		t.Errorf("model calls = %d, want 0 for stale dispatch", client.calls)
	}
}
