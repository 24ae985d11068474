package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crewdock/crewd/pkg/domain"
)

func registerTask(t *testing.T, s *Store, node *domain.TaskNode) {
	t.Helper()
	if err := s.RegisterTask(context.Background(), node); err != nil {
		t.Fatalf("RegisterTask(%s): %v", node.ID, err)
	}
}

func mustUpdate(t *testing.T, s *Store, id string, status domain.TaskStatus, upd domain.StatusUpdate) *domain.TaskNode {
	t.Helper()
	node, err := s.UpdateStatus(context.Background(), id, status, upd)
	if err != nil {
		t.Fatalf("UpdateStatus(%s, %s): %v", id, status, err)
	}
	return node
}

func TestUpdateStatusRejectsIllegalTransition(t *testing.T) {
	s := NewStore()
	registerTask(t, s, &domain.TaskNode{ID: "t1", RequestID: "r1", Status: domain.TaskStatusPending})

	// Pending -> Done skips the whole machine.
	_, err := s.UpdateStatus(context.Background(), "t1", domain.TaskStatusDone, domain.StatusUpdate{})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}

	node, err := s.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if node.Status != domain.TaskStatusPending {
		t.Errorf("status = %s, want pending after rejected transition", node.Status)
	}
}

func TestUpdateStatusFullLifecycle(t *testing.T) {
	s := NewStore()
	registerTask(t, s, &domain.TaskNode{ID: "t1", RequestID: "r1", Status: domain.TaskStatusPending})

	mustUpdate(t, s, "t1", domain.TaskStatusReady, domain.StatusUpdate{})
	node := mustUpdate(t, s, "t1", domain.TaskStatusAssigned, domain.StatusUpdate{Worker: "researcher-1"})
	if node.AssignedWorker != "researcher-1" {
		t.Errorf("assigned worker = %q, want researcher-1", node.AssignedWorker)
	}
	node = mustUpdate(t, s, "t1", domain.TaskStatusRunning, domain.StatusUpdate{})
	if node.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 on first run", node.Attempts)
	}
	result := &domain.TaskResult{Payload: "out", Confidence: 0.9}
	node = mustUpdate(t, s, "t1", domain.TaskStatusDone, domain.StatusUpdate{Result: result})
	if node.Result == nil || node.Result.Payload != "out" {
		t.Errorf("result = %+v, want payload 'out'", node.Result)
	}
	if node.CompletedAt == nil {
		t.Error("completedAt not set on Done")
	}
}

func TestUpdateStatusIdempotentDone(t *testing.T) {
	s := NewStore()
	registerTask(t, s, &domain.TaskNode{ID: "t1", RequestID: "r1", Status: domain.TaskStatusPending})

	mustUpdate(t, s, "t1", domain.TaskStatusReady, domain.StatusUpdate{})
	mustUpdate(t, s, "t1", domain.TaskStatusAssigned, domain.StatusUpdate{Worker: "w1"})
	mustUpdate(t, s, "t1", domain.TaskStatusRunning, domain.StatusUpdate{})
	first := mustUpdate(t, s, "t1", domain.TaskStatusDone, domain.StatusUpdate{Result: &domain.TaskResult{Payload: "a", Confidence: 0.8}})

	// Second Done with a different payload must be a silent no-op.
	second := mustUpdate(t, s, "t1", domain.TaskStatusDone, domain.StatusUpdate{Result: &domain.TaskResult{Payload: "b", Confidence: 0.1}})
	if second.Result.Payload != first.Result.Payload {
		t.Errorf("result overwritten by duplicate Done: %q", second.Result.Payload)
	}
}

func TestRetryTransitionIncrementsAttempts(t *testing.T) {
	s := NewStore()
	registerTask(t, s, &domain.TaskNode{ID: "t1", RequestID: "r1", Status: domain.TaskStatusPending})

	mustUpdate(t, s, "t1", domain.TaskStatusReady, domain.StatusUpdate{})
	mustUpdate(t, s, "t1", domain.TaskStatusAssigned, domain.StatusUpdate{Worker: "w1"})
	mustUpdate(t, s, "t1", domain.TaskStatusRunning, domain.StatusUpdate{})
	node := mustUpdate(t, s, "t1", domain.TaskStatusFailed, domain.StatusUpdate{Reason: domain.FailReasonModelError})
	if node.FailReason != domain.FailReasonModelError {
		t.Errorf("fail reason = %s, want model_error", node.FailReason)
	}

	node = mustUpdate(t, s, "t1", domain.TaskStatusReady, domain.StatusUpdate{})
	if node.Attempts != 2 {
		t.Errorf("attempts = %d, want 2 after retry", node.Attempts)
	}
	if node.FailReason != "" || node.AssignedWorker != "" {
		t.Errorf("retry did not clear placement: reason=%q worker=%q", node.FailReason, node.AssignedWorker)
	}
}

func TestReadyTasksPromotesOnlySatisfiedDeps(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	registerTask(t, s, &domain.TaskNode{ID: "a", RequestID: "r1", Status: domain.TaskStatusPending})
	registerTask(t, s, &domain.TaskNode{ID: "b", RequestID: "r1", Status: domain.TaskStatusPending, DependsOn: []string{"a"}})

	ready, err := s.ReadyTasks(ctx, "r1")
	if err != nil {
		t.Fatalf("ReadyTasks: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "a" {
		t.Fatalf("ready = %v, want only task a", ids(ready))
	}

	// Drive a to Done; b becomes ready on the next pass.
	mustUpdate(t, s, "a", domain.TaskStatusAssigned, domain.StatusUpdate{Worker: "w1"})
	mustUpdate(t, s, "a", domain.TaskStatusRunning, domain.StatusUpdate{})
	mustUpdate(t, s, "a", domain.TaskStatusDone, domain.StatusUpdate{Result: &domain.TaskResult{Payload: "x"}})

	ready, err = s.ReadyTasks(ctx, "r1")
	if err != nil {
		t.Fatalf("ReadyTasks: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "b" {
		t.Fatalf("ready = %v, want only task b", ids(ready))
	}
}

func TestTasksForRequestKeepsRegistrationOrder(t *testing.T) {
	s := NewStore()
	want := []string{"c", "a", "b"}
	for _, id := range want {
		registerTask(t, s, &domain.TaskNode{ID: id, RequestID: "r1", Status: domain.TaskStatusPending})
	}

	tasks, err := s.TasksForRequest(context.Background(), "r1")
	if err != nil {
		t.Fatalf("TasksForRequest: %v", err)
	}
	got := ids(tasks)
	if len(got) != len(want) {
		t.Fatalf("tasks = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tasks = %v, want registration order %v", got, want)
		}
	}
}

func TestReadyInvariantNeverViolated(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	registerTask(t, s, &domain.TaskNode{ID: "a", RequestID: "r1", Status: domain.TaskStatusPending})
	registerTask(t, s, &domain.TaskNode{ID: "b", RequestID: "r1", Status: domain.TaskStatusPending, DependsOn: []string{"a"}})

	// a failed terminally: b must never surface as Ready.
	mustUpdate(t, s, "a", domain.TaskStatusFailed, domain.StatusUpdate{Reason: domain.FailReasonCancelled})

	ready, err := s.ReadyTasks(ctx, "r1")
	if err != nil {
		t.Fatalf("ReadyTasks: %v", err)
	}
	for _, node := range ready {
		if node.ID == "b" {
			t.Fatal("task with unfinished dependency surfaced as Ready")
		}
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	fp := domain.Fingerprint(domain.CapabilityResearch, "check A")
	if err := s.PutCache(ctx, fp, &domain.TaskResult{Payload: "cached", Confidence: 0.9}, time.Minute); err != nil {
		t.Fatalf("PutCache: %v", err)
	}

	got, err := s.LookupCache(ctx, fp)
	if err != nil {
		t.Fatalf("LookupCache: %v", err)
	}
	if got.Payload != "cached" {
		t.Errorf("payload = %q, want cached", got.Payload)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.LookupCache(ctx, fp); !errors.Is(err, domain.ErrCacheMiss) {
		t.Fatalf("err = %v, want ErrCacheMiss after expiry", err)
	}
}

func TestFingerprintNormalization(t *testing.T) {
	a := domain.Fingerprint(domain.CapabilityResearch, "Check  the Logs.")
	b := domain.Fingerprint(domain.CapabilityResearch, "check the logs")
	if a != b {
		t.Error("normalized inputs should share a fingerprint")
	}
	c := domain.Fingerprint(domain.CapabilityWrite, "check the logs")
	if a == c {
		t.Error("different capabilities must not share a fingerprint")
	}
}

func TestReportLoadEnforcesLimit(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := s.ReportLoad(ctx, "w1", 1, 2); err != nil {
			t.Fatalf("ReportLoad #%d: %v", i, err)
		}
	}
	if _, err := s.ReportLoad(ctx, "w1", 1, 2); !errors.Is(err, domain.ErrWorkerSaturated) {
		t.Fatalf("err = %v, want ErrWorkerSaturated", err)
	}
	load, err := s.CurrentLoad(ctx, "w1")
	if err != nil {
		t.Fatalf("CurrentLoad: %v", err)
	}
	if load != 2 {
		t.Errorf("load = %d, want 2 after rejected reservation", load)
	}
}

func TestReportLoadClampsAtZero(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	if _, err := s.ReportLoad(ctx, "w1", -3, 0); err != nil {
		t.Fatalf("ReportLoad: %v", err)
	}
	load, _ := s.CurrentLoad(ctx, "w1")
	if load != 0 {
		t.Errorf("load = %d, want clamp at 0", load)
	}
}

func TestConcurrentLoadNeverExceedsLimit(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	const limit = 3
	const workers = 50

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ReportLoad(ctx, "w1", 1, limit); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != limit {
		t.Errorf("granted %d reservations, want %d", granted, limit)
	}
	load, _ := s.CurrentLoad(ctx, "w1")
	if load > limit {
		t.Errorf("load = %d, exceeds limit %d", load, limit)
	}
}

func ids(nodes []*domain.TaskNode) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}
