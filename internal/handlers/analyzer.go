package handlers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cuongbtq/taskrouter/internal/domain"
)

// AnalysisRequest is what a handler asks the analysis backend to work on
type AnalysisRequest struct {
	TaskID    string
	Domain    domain.Domain
	Operation string
	// Roles are the specialist perspectives the analysis should combine
	Roles   []string
	Brief   string
	Payload domain.Payload
}

// Analyzer runs the domain analysis for a task. Implementations may call out
// to external agents and take arbitrary time; they must honour ctx.
type Analyzer interface {
	Analyze(ctx context.Context, req AnalysisRequest) (map[string]any, error)
}

// SummaryAnalyzer acknowledges a task with a structured summary. It is the
// default when no external analysis backend is wired in.
type SummaryAnalyzer struct {
	Now func() time.Time
}

// Analyze implements Analyzer
func (a SummaryAnalyzer) Analyze(ctx context.Context, req AnalysisRequest) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now
	if a.Now != nil {
		now = a.Now
	}

	fields := make([]string, 0, len(req.Payload))
	for k := range req.Payload {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	return map[string]any{
		"task_id":     req.TaskID,
		"domain":      string(req.Domain),
		"operation":   req.Operation,
		"roles":       append([]string(nil), req.Roles...),
		"fields":      fields,
		"summary":     fmt.Sprintf("%s: %s", req.Brief, strings.Join(req.Roles, ", ")),
		"analyzed_at": now().UTC().Format(time.RFC3339),
	}, nil
}
