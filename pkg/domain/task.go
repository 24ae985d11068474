package domain

import "time"

// Capability tags the kind of specialist work a task needs.
type Capability string

const (
	CapabilityResearch   Capability = "research"
	CapabilityAnalyze    Capability = "analyze"
	CapabilityWrite      Capability = "write"
	CapabilityCoordinate Capability = "coordinate"
	CapabilityGeneric    Capability = "generic"
)

// CapabilityPriority is the fixed tie-break order used by the classifier when
// a clause matches more than one keyword set. Lower index wins.
var CapabilityPriority = []Capability{
	CapabilityResearch,
	CapabilityAnalyze,
	CapabilityWrite,
	CapabilityGeneric,
}

// TaskStatus is the per-task state machine.
type TaskStatus string

const (
	TaskStatusPending  TaskStatus = "pending"
	TaskStatusReady    TaskStatus = "ready"
	TaskStatusAssigned TaskStatus = "assigned"
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusDone     TaskStatus = "done"
	TaskStatusFailed   TaskStatus = "failed"
)

// Terminal reports whether the status is final for the current attempt chain.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusFailed
}

// taskTransitions is the allowed transition set. Failed -> Ready is the retry
// path; Assigned -> Ready returns a task whose worker never accepted it.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:  {TaskStatusReady, TaskStatusFailed},
	TaskStatusReady:    {TaskStatusAssigned, TaskStatusFailed},
	TaskStatusAssigned: {TaskStatusRunning, TaskStatusReady, TaskStatusFailed},
	TaskStatusRunning:  {TaskStatusDone, TaskStatusFailed},
	TaskStatusFailed:   {TaskStatusReady},
	TaskStatusDone:     {},
}

// CanTransition reports whether from -> to is a legal status change.
// Same-state changes are legal no-ops so completion signals are idempotent.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FailReason explains a Failed status.
type FailReason string

const (
	FailReasonTimeout     FailReason = "timeout"
	FailReasonModelError  FailReason = "model_error"
	FailReasonCancelled   FailReason = "cancelled"
	FailReasonUnreachable FailReason = "unreachable_dependency"
)

// TaskResult is the write-once payload a worker produces per attempt.
type TaskResult struct {
	Payload    string  `json:"payload"`
	Confidence float64 `json:"confidence"`
	Cost       float64 `json:"cost"`
	FromCache  bool    `json:"from_cache,omitempty"`
	WorkerID   string  `json:"worker_id,omitempty"`
}

// TaskNode is one sub-task in a request's graph.
type TaskNode struct {
	ID             string      `json:"id"`
	RequestID      string      `json:"request_id"`
	Capability     Capability  `json:"capability"`
	Input          string      `json:"input"`
	DependsOn      []string    `json:"depends_on,omitempty"`
	Status         TaskStatus  `json:"status"`
	AssignedWorker string      `json:"assigned_worker,omitempty"`
	Result         *TaskResult `json:"result,omitempty"`
	FailReason     FailReason  `json:"fail_reason,omitempty"`
	Attempts       int         `json:"attempts"`
	CreatedAt      time.Time   `json:"created_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	Deadline       *time.Time  `json:"deadline,omitempty"`
}

// Clone returns a deep copy so store snapshots cannot be mutated by callers.
func (t *TaskNode) Clone() *TaskNode {
	cp := *t
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	if t.Result != nil {
		r := *t.Result
		cp.Result = &r
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	if t.Deadline != nil {
		ts := *t.Deadline
		cp.Deadline = &ts
	}
	return &cp
}

// StatusUpdate carries the optional fields of an UpdateStatus call.
type StatusUpdate struct {
	Worker string
	Result *TaskResult
	Reason FailReason
}

// TaskGraph is the classifier's output for one request.
type TaskGraph struct {
	RequestID string      `json:"request_id"`
	Nodes     []*TaskNode `json:"nodes"`
	Degraded  bool        `json:"degraded"`
}
