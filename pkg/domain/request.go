package domain

import "time"

// Priority classifies how urgently a request must be served. Under budget
// pressure only the higher priorities keep being scheduled.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// ValidPriority reports whether p is one of the known priority levels.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Request is the immutable ingestion unit. SourceChannel is an opaque routing
// hint owned by the notification collaborator; it is carried through the
// whole pipeline unchanged and surfaced again on the terminal callback.
type Request struct {
	ID            string    `json:"id"`
	RawText       string    `json:"raw_text"`
	SubmittedAt   time.Time `json:"submitted_at"`
	Priority      Priority  `json:"priority"`
	SourceChannel string    `json:"source_channel"`
}

// RequestState is the orchestrator-level lifecycle of a request.
type RequestState string

const (
	RequestStateAccepted        RequestState = "accepted"
	RequestStateExpanding       RequestState = "expanding"
	RequestStateScheduling      RequestState = "scheduling"
	RequestStateHolding         RequestState = "holding"
	RequestStateCompleted       RequestState = "completed"
	RequestStatePartiallyFailed RequestState = "partially_failed"
	RequestStateAbandoned       RequestState = "abandoned"
)

// Terminal reports whether the state ends the request lifecycle.
func (s RequestState) Terminal() bool {
	switch s {
	case RequestStateCompleted, RequestStatePartiallyFailed, RequestStateAbandoned:
		return true
	}
	return false
}

// RequestRecord is the persisted view of a request and its progress.
type RequestRecord struct {
	Request     Request      `json:"request"`
	State       RequestState `json:"state"`
	TaskIDs     []string     `json:"task_ids"`
	Output      *FinalOutput `json:"output,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// FinalOutput is what the synthesizer hands back for a terminal request.
type FinalOutput struct {
	RequestID     string   `json:"request_id"`
	SourceChannel string   `json:"source_channel"`
	Text          string   `json:"text"`
	Confidence    float64  `json:"confidence"`
	Agreement     float64  `json:"agreement"`
	Failures      []string `json:"failures,omitempty"`
}
