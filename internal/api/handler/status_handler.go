package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/taskrouter/internal/api/dto"
	"github.com/cuongbtq/taskrouter/internal/domain"
	"github.com/cuongbtq/taskrouter/internal/status"
	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxTaskIDLength = 255
)

// GetStatus handles GET /status/:task_id and GET /api/v1/status/:task_id
func (h *StatusHandler) GetStatus(c *gin.Context) {
	taskID := c.Param("task_id")
	if taskID == "" || len(taskID) > maxTaskIDLength {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "task_id must be between 1 and 255 characters",
		})
		return
	}

	st, err := h.sink.Get(c.Request.Context(), taskID)
	if errors.Is(err, status.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "task not found",
			"task_id": taskID,
		})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get task status",
			slog.String("task_id", taskID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get task status",
		})
		return
	}

	c.JSON(http.StatusOK, dto.FromStatus(st))
}

// ListStatuses handles GET /api/v1/status
// Lists status records newest first with cursor pagination
func (h *StatusHandler) ListStatuses(c *gin.Context) {
	lister, ok := h.sink.(status.Lister)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error": "status store does not support listing",
		})
		return
	}

	var req dto.ListStatusesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	state := domain.State(req.Status)
	switch state {
	case "", domain.StatePending, domain.StateProcessing, domain.StateCompleted, domain.StateFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "status must be one of pending, processing, completed, failed",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeStatusCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	records, err := lister.List(c.Request.Context(), status.Filter{
		State:    state,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list task statuses", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list task statuses",
		})
		return
	}

	hasMore := len(records) > req.PageSize
	if hasMore {
		records = records[:req.PageSize]
	}

	resp := dto.ListStatusesResponse{
		Statuses: make([]dto.StatusDTO, len(records)),
	}
	for i := range records {
		resp.Statuses[i] = dto.FromStatus(&records[i])
	}

	if hasMore {
		last := records[len(records)-1]
		resp.NextCursor = EncodeStatusCursor(&status.Cursor{
			UpdatedAt: last.UpdatedAt,
			TaskID:    last.TaskID,
		})
	}

	c.JSON(http.StatusOK, resp)
}
