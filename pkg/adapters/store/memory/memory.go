package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crewdock/crewd/pkg/domain"
)

// Store is the in-process CoordinationStore. One mutex guards the task
// registry, the request records, the result cache and the load table, which
// makes every operation trivially atomic. It is the default backend for a
// single-process deployment and the authoritative implementation for tests.
type Store struct {
	mu       sync.Mutex
	requests map[string]*domain.RequestRecord
	tasks    map[string]*domain.TaskNode
	byReq    map[string][]string // request id -> task ids, registration order
	cache    map[string]cacheEntry
	loads    map[string]int

	now func() time.Time
}

type cacheEntry struct {
	result    domain.TaskResult
	expiresAt time.Time
}

// NewStore creates an empty in-memory coordination store.
func NewStore() *Store {
	return &Store{
		requests: make(map[string]*domain.RequestRecord),
		tasks:    make(map[string]*domain.TaskNode),
		byReq:    make(map[string][]string),
		cache:    make(map[string]cacheEntry),
		loads:    make(map[string]int),
		now:      time.Now,
	}
}

// SaveRequest stores or replaces a request record.
func (s *Store) SaveRequest(ctx context.Context, rec *domain.RequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	cp.TaskIDs = append([]string(nil), rec.TaskIDs...)
	s.requests[rec.Request.ID] = &cp
	return nil
}

// GetRequest returns a copy of the request record.
func (s *Store) GetRequest(ctx context.Context, requestID string) (*domain.RequestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRequestNotFound, requestID)
	}
	cp := *rec
	cp.TaskIDs = append([]string(nil), rec.TaskIDs...)
	return &cp, nil
}

// ListRequests returns copies of all request records.
func (s *Store) ListRequests(ctx context.Context) ([]*domain.RequestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.RequestRecord, 0, len(s.requests))
	for _, rec := range s.requests {
		cp := *rec
		cp.TaskIDs = append([]string(nil), rec.TaskIDs...)
		out = append(out, &cp)
	}
	return out, nil
}

// DeleteRequest removes a request and its tasks (retention GC).
func (s *Store) DeleteRequest(ctx context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.byReq[requestID] {
		delete(s.tasks, id)
	}
	delete(s.byReq, requestID)
	delete(s.requests, requestID)
	return nil
}

// RegisterTask adds a task node to the registry.
func (s *Store) RegisterTask(ctx context.Context, node *domain.TaskNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[node.ID]; exists {
		return fmt.Errorf("task already registered: %s", node.ID)
	}
	s.tasks[node.ID] = node.Clone()
	s.byReq[node.RequestID] = append(s.byReq[node.RequestID], node.ID)
	return nil
}

// GetTask returns a copy of a task node.
func (s *Store) GetTask(ctx context.Context, taskID string) (*domain.TaskNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	return node.Clone(), nil
}

// TasksForRequest returns copies of all tasks of a request in registration
// order.
func (s *Store) TasksForRequest(ctx context.Context, requestID string) ([]*domain.TaskNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasksForRequestLocked(requestID), nil
}

func (s *Store) tasksForRequestLocked(requestID string) []*domain.TaskNode {
	ids := s.byReq[requestID]
	out := make([]*domain.TaskNode, 0, len(ids))
	for _, id := range ids {
		if node, ok := s.tasks[id]; ok {
			out = append(out, node.Clone())
		}
	}
	return out
}

// UpdateStatus applies one status transition under the store's lock. A
// same-status call is an idempotent no-op that succeeds without mutating the
// node, so duplicate completion signals cannot double-apply results.
func (s *Store) UpdateStatus(ctx context.Context, taskID string, status domain.TaskStatus, upd domain.StatusUpdate) (*domain.TaskNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}

	if node.Status == status {
		return node.Clone(), nil
	}
	if !domain.CanTransition(node.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s (task %s)", domain.ErrInvalidTransition, node.Status, status, taskID)
	}

	applyUpdate(node, status, upd, s.now())
	return node.Clone(), nil
}

// applyUpdate mutates node for the accepted transition.
func applyUpdate(node *domain.TaskNode, status domain.TaskStatus, upd domain.StatusUpdate, now time.Time) {
	prev := node.Status
	node.Status = status

	switch status {
	case domain.TaskStatusReady:
		// Retry or bounce-back path: clear the previous attempt's placement.
		node.AssignedWorker = ""
		node.FailReason = ""
		if prev == domain.TaskStatusFailed {
			node.Attempts++
		}
	case domain.TaskStatusAssigned:
		node.AssignedWorker = upd.Worker
	case domain.TaskStatusRunning:
		ts := now
		node.StartedAt = &ts
		if node.Attempts == 0 {
			node.Attempts = 1
		}
	case domain.TaskStatusDone:
		node.Result = upd.Result
		ts := now
		node.CompletedAt = &ts
	case domain.TaskStatusFailed:
		node.FailReason = upd.Reason
		ts := now
		node.CompletedAt = &ts
	}
}

// ReadyTasks promotes every Pending task whose dependencies are all Done and
// returns the full Ready set of the request. Promotion and the dependency
// check share the critical section, which is what upholds the invariant that
// a Ready task never has an unfinished dependency.
func (s *Store) ReadyTasks(ctx context.Context, requestID string) ([]*domain.TaskNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*domain.TaskNode
	for _, id := range s.byReq[requestID] {
		node, ok := s.tasks[id]
		if !ok {
			continue
		}
		if node.Status == domain.TaskStatusPending && s.depsDoneLocked(node) {
			applyUpdate(node, domain.TaskStatusReady, domain.StatusUpdate{}, s.now())
		}
		if node.Status == domain.TaskStatusReady {
			ready = append(ready, node.Clone())
		}
	}
	return ready, nil
}

func (s *Store) depsDoneLocked(node *domain.TaskNode) bool {
	for _, dep := range node.DependsOn {
		d, ok := s.tasks[dep]
		if !ok || d.Status != domain.TaskStatusDone {
			return false
		}
	}
	return true
}

// LookupCache returns the live entry for a fingerprint. Expired entries are
// evicted on read and report a miss.
func (s *Store) LookupCache(ctx context.Context, fingerprint string) (*domain.TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.cache[fingerprint]
	if !ok {
		return nil, domain.ErrCacheMiss
	}
	if s.now().After(entry.expiresAt) {
		delete(s.cache, fingerprint)
		return nil, domain.ErrCacheMiss
	}
	result := entry.result
	return &result, nil
}

// PutCache stores a result under its fingerprint, replacing any previous
// entry for the same key.
func (s *Store) PutCache(ctx context.Context, fingerprint string, result *domain.TaskResult, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache[fingerprint] = cacheEntry{
		result:    *result,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// ReportLoad adjusts a worker's active-task counter. A positive delta that
// would exceed limit fails with ErrWorkerSaturated and leaves the counter
// untouched; the counter never drops below zero.
func (s *Store) ReportLoad(ctx context.Context, workerID string, delta, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.loads[workerID] + delta
	if delta > 0 && limit > 0 && next > limit {
		return s.loads[workerID], fmt.Errorf("%w: %s", domain.ErrWorkerSaturated, workerID)
	}
	if next < 0 {
		next = 0
	}
	s.loads[workerID] = next
	return next, nil
}

// CurrentLoad returns a worker's active-task counter.
func (s *Store) CurrentLoad(ctx context.Context, workerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads[workerID], nil
}
