package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskrouter/internal/domain"
	"github.com/cuongbtq/taskrouter/shared/redis"
)

// KV is the subset of redis.Client the sink uses
type KV interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Publish(ctx context.Context, channel string, message []byte) error
}

// Notification is published when a task reaches a terminal state
type Notification struct {
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	RetryCount int    `json:"retry_count"`
	Timestamp  int64  `json:"timestamp"`
}

// RedisConfig controls key layout and notifications
type RedisConfig struct {
	KeyPrefix     string
	TTL           time.Duration
	NotifyChannel string
}

// RedisSink stores each record as a JSON value under KeyPrefix+task_id
type RedisSink struct {
	kv     KV
	cfg    RedisConfig
	logger *slog.Logger
}

// NewRedisSink creates a RedisSink
func NewRedisSink(kv KV, cfg RedisConfig, logger *slog.Logger) *RedisSink {
	return &RedisSink{
		kv:     kv,
		cfg:    cfg,
		logger: logger,
	}
}

func (s *RedisSink) key(taskID string) string {
	return s.cfg.KeyPrefix + taskID
}

// Set stores st and publishes terminal transitions
func (s *RedisSink) Set(ctx context.Context, st domain.Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	if err := s.kv.Set(ctx, s.key(st.TaskID), data, s.cfg.TTL); err != nil {
		return fmt.Errorf("failed to store task status: %w", err)
	}

	if s.cfg.NotifyChannel == "" || !st.State.IsTerminal() {
		return nil
	}

	notification := Notification{
		TaskID:     st.TaskID,
		Status:     string(st.State),
		Reason:     st.Reason,
		RetryCount: st.RetryCount,
		Timestamp:  st.UpdatedAt.Unix(),
	}
	msg, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	// the record is already stored; a lost notification is not fatal
	if err := s.kv.Publish(ctx, s.cfg.NotifyChannel, msg); err != nil {
		s.logger.Warn("Failed to publish status notification",
			slog.String("task_id", st.TaskID),
			slog.Any("error", err),
		)
	}

	return nil
}

// Get loads the record for taskID
func (s *RedisSink) Get(ctx context.Context, taskID string) (*domain.Status, error) {
	data, err := s.kv.Get(ctx, s.key(taskID))
	if errors.Is(err, redis.ErrNil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task status: %w", err)
	}

	var st domain.Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return &st, nil
}
