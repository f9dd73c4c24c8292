package status

import (
	"context"
	"testing"
	"time"

	"github.com/cuongbtq/taskrouter/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySink_SetGet(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()

	_, err := sink.Get(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)

	now := time.Now().UTC()
	require.NoError(t, sink.Set(ctx, domain.Status{TaskID: "t1", State: domain.StateProcessing, UpdatedAt: now}))
	require.NoError(t, sink.Set(ctx, domain.Status{
		TaskID:    "t1",
		State:     domain.StateCompleted,
		Result:    map[string]any{"summary": "ok"},
		UpdatedAt: now.Add(time.Millisecond),
	}))

	st, err := sink.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, st.State)
	assert.Equal(t, "ok", st.Result["summary"])
	assert.Equal(t, []domain.State{domain.StateProcessing, domain.StateCompleted}, sink.History("t1"))
}

func TestMemorySink_IgnoresStaleWrite(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, sink.Set(ctx, domain.Status{TaskID: "t1", State: domain.StateFailed, Reason: "boom", UpdatedAt: now}))
	require.NoError(t, sink.Set(ctx, domain.Status{TaskID: "t1", State: domain.StateProcessing, UpdatedAt: now.Add(-time.Second)}))

	st, err := sink.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, st.State)
	assert.Equal(t, "boom", st.Reason)
}

func TestMemorySink_List(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c", "d"} {
		state := domain.StateFailed
		if id == "c" {
			state = domain.StateCompleted
		}
		require.NoError(t, sink.Set(ctx, domain.Status{TaskID: id, State: state, UpdatedAt: base.Add(time.Duration(i) * time.Minute)}))
	}

	page, err := sink.List(ctx, Filter{State: domain.StateFailed, PageSize: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "d", page[0].TaskID)
	assert.Equal(t, "b", page[1].TaskID)

	next, err := sink.List(ctx, Filter{
		State:    domain.StateFailed,
		PageSize: 10,
		Cursor:   &Cursor{UpdatedAt: page[0].UpdatedAt, TaskID: page[0].TaskID},
	})
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Equal(t, "b", next[0].TaskID)
	assert.Equal(t, "a", next[1].TaskID)
}

func TestCursor_After(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Cursor{UpdatedAt: at, TaskID: "m"}

	assert.True(t, c.After(domain.Status{TaskID: "z", UpdatedAt: at.Add(-time.Second)}))
	assert.False(t, c.After(domain.Status{TaskID: "a", UpdatedAt: at.Add(time.Second)}))
	assert.True(t, c.After(domain.Status{TaskID: "a", UpdatedAt: at}))
	assert.False(t, c.After(domain.Status{TaskID: "m", UpdatedAt: at}))

	var none *Cursor
	assert.True(t, none.After(domain.Status{TaskID: "x"}))
}
