// Package handlers implements one task handler per operation of every
// routing domain.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskrouter/internal/codec"
	"github.com/cuongbtq/taskrouter/internal/dispatch"
	"github.com/cuongbtq/taskrouter/internal/domain"
)

// Operation describes one handler: the payload it requires and who analyzes
// it
type Operation struct {
	Domain     domain.Domain
	Name       string
	Brief      string
	Roles      []string
	Required   []string
	Timestamps []string
	Integers   []string
	// Check runs after required fields are present
	Check func(p domain.Payload) error
}

// Handler executes an Operation through an Analyzer
type Handler struct {
	op       Operation
	analyzer Analyzer
	logger   *slog.Logger
}

// NewHandler creates a handler for op
func NewHandler(op Operation, analyzer Analyzer, logger *slog.Logger) *Handler {
	return &Handler{
		op:       op,
		analyzer: analyzer,
		logger:   logger,
	}
}

// Schema implements dispatch.SchemaProvider
func (h *Handler) Schema() codec.Schema {
	s := make(codec.Schema, len(h.op.Timestamps)+len(h.op.Integers))
	for _, f := range h.op.Timestamps {
		s[f] = codec.FieldTimestamp
	}
	for _, f := range h.op.Integers {
		s[f] = codec.FieldInteger
	}
	return s
}

// Handle validates the payload and runs the analysis. Validation failures are
// permanent; analyzer failures are retried.
func (h *Handler) Handle(ctx context.Context, msg *domain.Message) (dispatch.Result, error) {
	if err := h.validate(msg.Payload); err != nil {
		return nil, dispatch.Permanent(fmt.Errorf("%s/%s: %w", h.op.Domain, h.op.Name, err))
	}

	h.logger.Info("Analyzing task",
		slog.String("task_id", msg.TaskID),
		slog.String("operation", h.op.Name),
		slog.Int("retry_count", msg.RetryCount),
	)

	out, err := h.analyzer.Analyze(ctx, AnalysisRequest{
		TaskID:    msg.TaskID,
		Domain:    h.op.Domain,
		Operation: h.op.Name,
		Roles:     h.op.Roles,
		Brief:     h.op.Brief,
		Payload:   msg.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("analysis failed: %w", err)
	}

	return dispatch.Result(out), nil
}

func (h *Handler) validate(p domain.Payload) error {
	for _, f := range h.op.Required {
		v, ok := p[f]
		if !ok || v == nil || v == "" {
			return fmt.Errorf("missing required field %q", f)
		}
	}

	for _, f := range h.op.Timestamps {
		v, ok := p[f]
		if !ok {
			continue
		}
		if _, isTime := v.(time.Time); !isTime {
			return fmt.Errorf("field %q must be a timestamp", f)
		}
	}

	if h.op.Check != nil {
		return h.op.Check(p)
	}
	return nil
}
