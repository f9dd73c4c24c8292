package status

import (
	"context"
	"sort"
	"sync"

	"github.com/cuongbtq/taskrouter/internal/domain"
)

// MemorySink keeps records in process memory. It is only visible to the
// process that owns it.
type MemorySink struct {
	mu      sync.RWMutex
	records map[string]domain.Status
	history map[string][]domain.State
}

// NewMemorySink creates an empty MemorySink
func NewMemorySink() *MemorySink {
	return &MemorySink{
		records: make(map[string]domain.Status),
		history: make(map[string][]domain.State),
	}
}

// Set stores st unless a newer record exists
func (s *MemorySink) Set(ctx context.Context, st domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.records[st.TaskID]; ok && cur.UpdatedAt.After(st.UpdatedAt) {
		return nil
	}
	s.records[st.TaskID] = st
	s.history[st.TaskID] = append(s.history[st.TaskID], st.State)
	return nil
}

// Get returns the record for taskID
func (s *MemorySink) Get(ctx context.Context, taskID string) (*domain.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.records[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return &st, nil
}

// History returns every state written for taskID in order
func (s *MemorySink) History(taskID string) []domain.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.State(nil), s.history[taskID]...)
}

// List pages through records newest first
func (s *MemorySink) List(ctx context.Context, filter Filter) ([]domain.Status, error) {
	s.mu.RLock()
	out := make([]domain.Status, 0, len(s.records))
	for _, st := range s.records {
		if filter.State != "" && st.State != filter.State {
			continue
		}
		if !filter.Cursor.After(st) {
			continue
		}
		out = append(out, st)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].TaskID > out[j].TaskID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})

	if filter.PageSize > 0 && len(out) > filter.PageSize+1 {
		out = out[:filter.PageSize+1]
	}
	return out, nil
}
