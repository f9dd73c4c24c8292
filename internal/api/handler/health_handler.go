package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/taskrouter/internal/api/dto"
	"github.com/gin-gonic/gin"
)

const healthTimeout = 3 * time.Second

// HealthHandler reports dependency health
type HealthHandler struct {
	logger  *slog.Logger
	service string
	checks  map[string]HealthCheck
}

// NewHealthHandler creates a new HealthHandler instance
func NewHealthHandler(service string, deps *Dependencies) *HealthHandler {
	return &HealthHandler{
		logger:  deps.Logger,
		service: service,
		checks:  deps.Checks,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	resp := dto.HealthResponse{
		Status:  "healthy",
		Service: h.service,
		Checks:  make(map[string]string, len(h.checks)),
	}
	code := http.StatusOK

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("Health check failed",
				slog.String("dependency", name),
				slog.Any("error", err),
			)
			resp.Checks[name] = err.Error()
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	c.JSON(code, resp)
}

// Ready handles GET /ready. It answers as soon as the router is serving and
// does not consult dependencies.
func (h *HealthHandler) Ready(c *gin.Context) {
	c.JSON(http.StatusOK, dto.HealthResponse{
		Status:  "ready",
		Service: h.service,
	})
}
