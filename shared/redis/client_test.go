package redis

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient connects to REDIS_TEST_ADDR or skips
func newTestClient(t *testing.T) *Client {
	t.Helper()

	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}

	client, err := NewClient(context.Background(), &Config{Addr: addr}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClient_SetGet(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	key := "taskrouter:test:" + time.Now().Format(time.RFC3339Nano)
	require.NoError(t, client.Set(ctx, key, []byte("value"), time.Minute))

	got, err := client.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)

	_, err = client.Get(ctx, key+":missing")
	assert.ErrorIs(t, err, ErrNil)
}

func TestClient_Publish(t *testing.T) {
	client := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := client.rdb.Subscribe(ctx, "taskrouter:test:notify")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, client.Publish(ctx, "taskrouter:test:notify", []byte("done")))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "done", msg.Payload)
	case <-ctx.Done():
		t.Fatal("notification not received")
	}
}

func TestNewClient_Unreachable(t *testing.T) {
	_, err := NewClient(context.Background(), &Config{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}
