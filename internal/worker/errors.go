package worker

import (
	"errors"
	"fmt"
)

var (
	// ErrDeliveriesClosed is returned when the broker closes the consumer's
	// delivery channel
	ErrDeliveriesClosed = errors.New("delivery channel closed")

	// ErrDomainMismatch is returned for a message whose domain differs from
	// the consumer's route
	ErrDomainMismatch = errors.New("message domain does not match route")
)

// HandlerError is a failure reported by a task handler
type HandlerError struct {
	TaskID  string
	Attempt int
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("task %s attempt %d: %v", e.TaskID, e.Attempt, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
