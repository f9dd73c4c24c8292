// Package status records task lifecycle transitions for the status API.
package status

import (
	"context"
	"errors"
	"time"

	"github.com/cuongbtq/taskrouter/internal/domain"
)

// ErrNotFound is returned by Get for an unknown task
var ErrNotFound = errors.New("task status not found")

// Sink stores one record per task. Every Set replaces the previous record for
// the same task unless it is older than the stored one.
type Sink interface {
	Set(ctx context.Context, st domain.Status) error
	Get(ctx context.Context, taskID string) (*domain.Status, error)
}

// Lister is implemented by sinks that can page through records
type Lister interface {
	List(ctx context.Context, filter Filter) ([]domain.Status, error)
}

// Filter selects records for List. Results are ordered newest first and at
// most PageSize+1 records are returned so callers can detect another page.
type Filter struct {
	State    domain.State
	PageSize int
	Cursor   *Cursor
}

// Cursor marks the last record of the previous page
type Cursor struct {
	UpdatedAt time.Time
	TaskID    string
}

// After reports whether st sorts after the cursor position
func (c *Cursor) After(st domain.Status) bool {
	if c == nil {
		return true
	}
	if st.UpdatedAt.Equal(c.UpdatedAt) {
		return st.TaskID < c.TaskID
	}
	return st.UpdatedAt.Before(c.UpdatedAt)
}
