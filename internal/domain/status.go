package domain

import "time"

// State is a task lifecycle state
//
// Lifecycle:
//
//	pending → processing → completed
//	                     ↘ failed
//	          (retry) processing → pending
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// IsTerminal returns true for completed and failed
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Status is the Task Status Record. Records are keyed by TaskID and the last
// write wins.
type Status struct {
	TaskID     string         `json:"task_id" db:"task_id"`
	State      State          `json:"status" db:"state"`
	Reason     string         `json:"reason,omitempty" db:"reason"`
	Result     map[string]any `json:"result,omitempty" db:"-"`
	RetryCount int            `json:"retry_count" db:"retry_count"`
	UpdatedAt  time.Time      `json:"updated_at" db:"updated_at"`
}

// NewStatus builds a status record stamped with the current time
func NewStatus(taskID string, state State) *Status {
	return &Status{
		TaskID:    taskID,
		State:     state,
		UpdatedAt: time.Now().UTC(),
	}
}

// WithReason sets the failure or retry reason
func (s *Status) WithReason(reason string) *Status {
	s.Reason = reason
	return s
}

// WithRetryCount records the attempt counter observed at this transition
func (s *Status) WithRetryCount(n int) *Status {
	s.RetryCount = n
	return s
}

// WithResult attaches a handler result to a completed record
func (s *Status) WithResult(result map[string]any) *Status {
	s.Result = result
	return s
}
