package status

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cuongbtq/taskrouter/internal/domain"
	"github.com/cuongbtq/taskrouter/shared/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	channel string
	message []byte
}

type fakeKV struct {
	values     map[string][]byte
	ttls       map[string]time.Duration
	published  []published
	publishErr error
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		values: make(map[string][]byte),
		ttls:   make(map[string]time.Duration),
	}
}

func (f *fakeKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.values[key] = value
	f.ttls[key] = ttl
	return nil
}

func (f *fakeKV) Get(ctx context.Context, key string) ([]byte, error) {
	v, ok := f.values[key]
	if !ok {
		return nil, redis.ErrNil
	}
	return v, nil
}

func (f *fakeKV) Publish(ctx context.Context, channel string, message []byte) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{channel: channel, message: message})
	return nil
}

func TestRedisSink_SetGet(t *testing.T) {
	kv := newFakeKV()
	sink := NewRedisSink(kv, RedisConfig{KeyPrefix: "task_status:", TTL: time.Hour}, discardLogger())
	ctx := context.Background()
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	require.NoError(t, sink.Set(ctx, domain.Status{
		TaskID:     "t1",
		State:      domain.StatePending,
		Reason:     "handler failed: timeout",
		RetryCount: 1,
		UpdatedAt:  at,
	}))

	assert.Contains(t, kv.values, "task_status:t1")
	assert.Equal(t, time.Hour, kv.ttls["task_status:t1"])

	st, err := sink.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, st.State)
	assert.Equal(t, 1, st.RetryCount)
	assert.Equal(t, at, st.UpdatedAt)

	_, err = sink.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisSink_NotifiesTerminalOnly(t *testing.T) {
	kv := newFakeKV()
	sink := NewRedisSink(kv, RedisConfig{KeyPrefix: "ts:", NotifyChannel: "task_status_events"}, discardLogger())
	ctx := context.Background()

	require.NoError(t, sink.Set(ctx, domain.Status{TaskID: "t1", State: domain.StateProcessing}))
	assert.Empty(t, kv.published)

	require.NoError(t, sink.Set(ctx, domain.Status{TaskID: "t1", State: domain.StateFailed, Reason: "malformed payload"}))
	require.Len(t, kv.published, 1)
	assert.Equal(t, "task_status_events", kv.published[0].channel)

	var n Notification
	require.NoError(t, json.Unmarshal(kv.published[0].message, &n))
	assert.Equal(t, "t1", n.TaskID)
	assert.Equal(t, "failed", n.Status)
	assert.Equal(t, "malformed payload", n.Reason)
}

func TestRedisSink_PublishFailureDoesNotFailSet(t *testing.T) {
	kv := newFakeKV()
	kv.publishErr = errors.New("connection refused")
	sink := NewRedisSink(kv, RedisConfig{NotifyChannel: "events"}, discardLogger())

	err := sink.Set(context.Background(), domain.Status{TaskID: "t1", State: domain.StateCompleted})
	require.NoError(t, err)
	assert.Contains(t, kv.values, "t1")
}
