package router

import (
	"github.com/cuongbtq/taskrouter/internal/api/handler"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServiceName is reported by /health
const ServiceName = "task-status-api"

// SetupRouter configures and returns the Gin router with all routes. When
// reg is nil no /metrics endpoint is served.
func SetupRouter(deps *handler.Dependencies, reg *prometheus.Registry) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())
	if reg != nil {
		r.Use(MetricsMiddleware(reg))
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	}

	healthHandler := handler.NewHealthHandler(ServiceName, deps)
	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)

	statusHandler := handler.NewStatusHandler(deps)

	// GET /status/:task_id - polling endpoint used by producers
	r.GET("/status/:task_id", statusHandler.GetStatus)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		statuses := v1.Group("/status")
		{
			// GET /api/v1/status - List status records with filtering and pagination
			statuses.GET("", statusHandler.ListStatuses)

			// GET /api/v1/status/:task_id - Get one status record
			statuses.GET("/:task_id", statusHandler.GetStatus)
		}
	}

	return r
}
