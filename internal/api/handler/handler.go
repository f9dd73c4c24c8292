package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/taskrouter/internal/status"
)

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger *slog.Logger
	Sink   status.Sink
	// Checks maps a dependency name to its health check
	Checks map[string]HealthCheck
}

// StatusHandler handles task status HTTP requests
type StatusHandler struct {
	logger *slog.Logger
	sink   status.Sink
}

// NewStatusHandler creates a new StatusHandler instance
func NewStatusHandler(deps *Dependencies) *StatusHandler {
	return &StatusHandler{
		logger: deps.Logger,
		sink:   deps.Sink,
	}
}
