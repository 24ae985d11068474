package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/crewdock/crewd/pkg/domain"
)

// Store implements the coordination store on Redis. Task and request records
// are JSON values; status transitions run inside WATCH transactions so two
// coordinators cannot apply conflicting updates; worker load counters use a
// Lua script for the capped increment.
type Store struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewStore creates a Redis-backed coordination store. ttl bounds how long
// terminal request/task records stay around (the retention window).
func NewStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

func requestKey(requestID string) string { return fmt.Sprintf("crewd:request:%s", requestID) }
func taskKey(taskID string) string       { return fmt.Sprintf("crewd:task:%s", taskID) }
func reqTasksKey(requestID string) string {
	return fmt.Sprintf("crewd:request:%s:tasks", requestID)
}
func cacheKey(fingerprint string) string { return fmt.Sprintf("crewd:cache:%s", fingerprint) }
func loadKey(workerID string) string     { return fmt.Sprintf("crewd:load:%s", workerID) }

// reserveLoad increments a load counter unless that would exceed the cap.
// KEYS[1] = load key, ARGV[1] = delta, ARGV[2] = limit (0 = uncapped).
// Returns {1, newLoad} on success, {0, currentLoad} on saturation.
var reserveLoad = redis.NewScript(`
local load = tonumber(redis.call('GET', KEYS[1]) or '0')
local delta = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local next = load + delta
if delta > 0 and limit > 0 and next > limit then
  return {0, load}
end
if next < 0 then
  next = 0
end
redis.call('SET', KEYS[1], next)
return {1, next}
`)

// SaveRequest stores a request record with the retention TTL.
func (s *Store) SaveRequest(ctx context.Context, rec *domain.RequestRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := s.client.Set(ctx, requestKey(rec.Request.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save request: %w", err)
	}
	return nil
}

// GetRequest retrieves a request record.
func (s *Store) GetRequest(ctx context.Context, requestID string) (*domain.RequestRecord, error) {
	data, err := s.client.Get(ctx, requestKey(requestID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrRequestNotFound, requestID)
		}
		return nil, fmt.Errorf("failed to get request: %w", err)
	}

	var rec domain.RequestRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	return &rec, nil
}

// ListRequests scans all request records.
func (s *Store) ListRequests(ctx context.Context) ([]*domain.RequestRecord, error) {
	pattern := "crewd:request:*"

	var cursor uint64
	var keys []string
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	records := make([]*domain.RequestRecord, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var rec domain.RequestRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			// Task-id sets share the prefix; skip anything non-record.
			continue
		}
		if rec.Request.ID == "" {
			continue
		}
		records = append(records, &rec)
	}
	return records, nil
}

// DeleteRequest removes a request record and its tasks.
func (s *Store) DeleteRequest(ctx context.Context, requestID string) error {
	taskIDs, err := s.client.LRange(ctx, reqTasksKey(requestID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to list request tasks: %w", err)
	}

	keys := []string{requestKey(requestID), reqTasksKey(requestID)}
	for _, id := range taskIDs {
		keys = append(keys, taskKey(id))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete request: %w", err)
	}

	s.logger.Debug("request deleted", zap.String("request_id", requestID))
	return nil
}

// RegisterTask stores a task node and indexes it under its request. The
// index is a list so enumeration keeps registration order.
func (s *Store) RegisterTask(ctx context.Context, node *domain.TaskNode) error {
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	ok, err := s.client.SetNX(ctx, taskKey(node.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to register task: %w", err)
	}
	if !ok {
		return fmt.Errorf("task already registered: %s", node.ID)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, reqTasksKey(node.RequestID), node.ID)
	pipe.Expire(ctx, reqTasksKey(node.RequestID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register task: %w", err)
	}
	return nil
}

// GetTask retrieves a task node.
func (s *Store) GetTask(ctx context.Context, taskID string) (*domain.TaskNode, error) {
	return s.getTask(ctx, s.client, taskID)
}

func (s *Store) getTask(ctx context.Context, c redis.Cmdable, taskID string) (*domain.TaskNode, error) {
	data, err := c.Get(ctx, taskKey(taskID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	var node domain.TaskNode
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &node, nil
}

// TasksForRequest returns all task nodes of a request in registration order.
func (s *Store) TasksForRequest(ctx context.Context, requestID string) ([]*domain.TaskNode, error) {
	taskIDs, err := s.client.LRange(ctx, reqTasksKey(requestID), 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list request tasks: %w", err)
	}

	nodes := make([]*domain.TaskNode, 0, len(taskIDs))
	for _, id := range taskIDs {
		node, err := s.getTask(ctx, s.client, id)
		if err != nil {
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// UpdateStatus applies one transition inside a WATCH transaction. The
// optimistic retry loop re-reads the node when a concurrent writer touched
// the key, so the state-machine check always runs against the latest value.
func (s *Store) UpdateStatus(ctx context.Context, taskID string, status domain.TaskStatus, upd domain.StatusUpdate) (*domain.TaskNode, error) {
	var updated *domain.TaskNode

	txn := func(tx *redis.Tx) error {
		node, err := s.getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}

		if node.Status == status {
			updated = node
			return nil
		}
		if !domain.CanTransition(node.Status, status) {
			return fmt.Errorf("%w: %s -> %s (task %s)", domain.ErrInvalidTransition, node.Status, status, taskID)
		}

		applyUpdate(node, status, upd)

		data, err := json.Marshal(node)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, taskKey(taskID), data, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		updated = node
		return nil
	}

	for i := 0; i < 5; i++ {
		err := s.client.Watch(ctx, txn, taskKey(taskID))
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update status: transaction contention on task %s", taskID)
}

// applyUpdate mirrors the memory store's transition side effects.
func applyUpdate(node *domain.TaskNode, status domain.TaskStatus, upd domain.StatusUpdate) {
	prev := node.Status
	node.Status = status
	now := time.Now()

	switch status {
	case domain.TaskStatusReady:
		node.AssignedWorker = ""
		node.FailReason = ""
		if prev == domain.TaskStatusFailed {
			node.Attempts++
		}
	case domain.TaskStatusAssigned:
		node.AssignedWorker = upd.Worker
	case domain.TaskStatusRunning:
		node.StartedAt = &now
		if node.Attempts == 0 {
			node.Attempts = 1
		}
	case domain.TaskStatusDone:
		node.Result = upd.Result
		node.CompletedAt = &now
	case domain.TaskStatusFailed:
		node.FailReason = upd.Reason
		node.CompletedAt = &now
	}
}

// ReadyTasks promotes Pending tasks with satisfied dependencies and returns
// the Ready set. The promotion of each node runs through UpdateStatus so the
// transition discipline holds even against a concurrent coordinator.
func (s *Store) ReadyTasks(ctx context.Context, requestID string) ([]*domain.TaskNode, error) {
	nodes, err := s.TasksForRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	done := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		if node.Status == domain.TaskStatusDone {
			done[node.ID] = true
		}
	}

	var ready []*domain.TaskNode
	for _, node := range nodes {
		if node.Status == domain.TaskStatusPending && depsDone(node, done) {
			promoted, err := s.UpdateStatus(ctx, node.ID, domain.TaskStatusReady, domain.StatusUpdate{})
			if err != nil {
				s.logger.Warn("ready promotion failed",
					zap.String("task_id", node.ID),
					zap.Error(err))
				continue
			}
			node = promoted
		}
		if node.Status == domain.TaskStatusReady {
			ready = append(ready, node)
		}
	}
	return ready, nil
}

func depsDone(node *domain.TaskNode, done map[string]bool) bool {
	for _, dep := range node.DependsOn {
		if !done[dep] {
			return false
		}
	}
	return true
}

// LookupCache reads a cached result; Redis expires entries itself.
func (s *Store) LookupCache(ctx context.Context, fingerprint string) (*domain.TaskResult, error) {
	data, err := s.client.Get(ctx, cacheKey(fingerprint)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, domain.ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to read cache: %w", err)
	}

	var result domain.TaskResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	return &result, nil
}

// PutCache stores a result under its fingerprint with the given TTL.
func (s *Store) PutCache(ctx context.Context, fingerprint string, result *domain.TaskResult, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	if err := s.client.Set(ctx, cacheKey(fingerprint), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}

// ReportLoad adjusts a worker's load counter through the capped-increment
// script, which makes reservation atomic on the Redis side.
func (s *Store) ReportLoad(ctx context.Context, workerID string, delta, limit int) (int, error) {
	res, err := reserveLoad.Run(ctx, s.client, []string{loadKey(workerID)}, delta, limit).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("failed to adjust load: %w", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("unexpected script reply: %v", res)
	}
	if res[0] == 0 {
		return int(res[1]), fmt.Errorf("%w: %s", domain.ErrWorkerSaturated, workerID)
	}
	return int(res[1]), nil
}

// CurrentLoad reads a worker's load counter.
func (s *Store) CurrentLoad(ctx context.Context, workerID string) (int, error) {
	load, err := s.client.Get(ctx, loadKey(workerID)).Int()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read load: %w", err)
	}
	return load, nil
}
