package dto

import (
	"time"

	"github.com/cuongbtq/taskrouter/internal/domain"
)

type ListStatusesRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListStatusesResponse struct {
	Statuses   []StatusDTO `json:"statuses"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

type StatusDTO struct {
	TaskID     string         `json:"task_id"`
	Status     string         `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	RetryCount int            `json:"retry_count"`
	UpdatedAt  string         `json:"updated_at"`
}

type HealthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// FromStatus converts a status record for the wire
func FromStatus(st *domain.Status) StatusDTO {
	return StatusDTO{
		TaskID:     st.TaskID,
		Status:     string(st.State),
		Reason:     st.Reason,
		Result:     st.Result,
		RetryCount: st.RetryCount,
		UpdatedAt:  st.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}
