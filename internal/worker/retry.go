package worker

import (
	"time"

	"github.com/cuongbtq/taskrouter/shared/backoff"
)

// Action is what happens to a failed task
type Action int

const (
	// ActionRequeue republishes the task with retry_count+1 after Delay
	ActionRequeue Action = iota
	// ActionDeadLetter acknowledges the task and records it as failed
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionRequeue:
		return "requeue"
	case ActionDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Decision is the outcome of the retry policy for one failure
type Decision struct {
	Action         Action
	Delay          time.Duration
	NextRetryCount int
}

// Policy decides between requeue and dead-letter. It depends only on the
// retry count and its own settings.
type Policy struct {
	MaxRetries int
	Delay      time.Duration
	Ceiling    time.Duration
}

// NewPolicy creates a retry policy. The delay doubles per attempt up to
// ceiling.
func NewPolicy(maxRetries int, delay, ceiling time.Duration) Policy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if ceiling < delay {
		ceiling = delay
	}
	return Policy{
		MaxRetries: maxRetries,
		Delay:      delay,
		Ceiling:    ceiling,
	}
}

// Decide returns the action for a task that failed at retryCount
func (p Policy) Decide(retryCount int) Decision {
	if retryCount < p.MaxRetries {
		return Decision{
			Action:         ActionRequeue,
			Delay:          backoff.Exponential(p.Delay, p.Ceiling, retryCount),
			NextRetryCount: retryCount + 1,
		}
	}
	return Decision{
		Action:         ActionDeadLetter,
		NextRetryCount: retryCount,
	}
}
