package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNil is returned by Get when the key does not exist
var ErrNil = errors.New("redis: key not found")

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Client wraps a go-redis client with logging
type Client struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewClient connects to Redis and verifies the connection
func NewClient(ctx context.Context, config *Config, logger *slog.Logger) (*Client, error) {
	logger.Info("Connecting to Redis",
		slog.String("addr", config.Addr),
		slog.Int("db", config.DB),
	)

	rdb := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Successfully connected to Redis")

	return &Client{rdb: rdb, logger: logger}, nil
}

// Set stores value under key. A zero ttl keeps the key forever.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Get loads the value stored under key
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return val, nil
}

// Publish sends message on channel
func (c *Client) Publish(ctx context.Context, channel string, message []byte) error {
	if err := c.rdb.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// HealthCheck pings the server
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (c *Client) Close() error {
	c.logger.Info("Closing Redis connection")
	return c.rdb.Close()
}
