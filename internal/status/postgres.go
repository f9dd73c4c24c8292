package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskrouter/internal/domain"
	"github.com/cuongbtq/taskrouter/shared/postgresql"
)

// DB is the subset of postgresql.Client the sink uses
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) error
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

const schema = `
	CREATE TABLE IF NOT EXISTS task_status (
		task_id     TEXT PRIMARY KEY,
		state       TEXT NOT NULL,
		reason      TEXT NOT NULL DEFAULT '',
		result      JSONB,
		retry_count INTEGER NOT NULL DEFAULT 0,
		updated_at  TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS task_status_state_updated_idx
		ON task_status (state, updated_at DESC, task_id DESC);
`

// statusRow is the database representation of a status record
type statusRow struct {
	TaskID     string    `db:"task_id"`
	State      string    `db:"state"`
	Reason     string    `db:"reason"`
	Result     []byte    `db:"result"`
	RetryCount int       `db:"retry_count"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r *statusRow) toStatus() (*domain.Status, error) {
	st := &domain.Status{
		TaskID:     r.TaskID,
		State:      domain.State(r.State),
		Reason:     r.Reason,
		RetryCount: r.RetryCount,
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
	if len(r.Result) > 0 {
		if err := json.Unmarshal(r.Result, &st.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	return st, nil
}

// PostgresSink stores records in the task_status table
type PostgresSink struct {
	db     DB
	logger *slog.Logger
}

// NewPostgresSink creates a PostgresSink
func NewPostgresSink(db DB, logger *slog.Logger) *PostgresSink {
	return &PostgresSink{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema creates the task_status table if missing
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create task_status schema: %w", err)
	}
	return nil
}

// Set upserts st. A write older than the stored record is ignored.
func (s *PostgresSink) Set(ctx context.Context, st domain.Status) error {
	query := `
		INSERT INTO task_status (task_id, state, reason, result, retry_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (task_id) DO UPDATE
		SET state = EXCLUDED.state,
		    reason = EXCLUDED.reason,
		    result = EXCLUDED.result,
		    retry_count = EXCLUDED.retry_count,
		    updated_at = EXCLUDED.updated_at
		WHERE task_status.updated_at <= EXCLUDED.updated_at
	`

	var resultJSON []byte
	if st.Result != nil {
		var err error
		resultJSON, err = json.Marshal(st.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}

	err := s.db.ExecContext(ctx, query, st.TaskID, string(st.State), st.Reason, resultJSON, st.RetryCount, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	s.logger.Debug("Task status updated",
		slog.String("task_id", st.TaskID),
		slog.String("status", string(st.State)),
	)

	return nil
}

// Get loads the record for taskID
func (s *PostgresSink) Get(ctx context.Context, taskID string) (*domain.Status, error) {
	query := `
		SELECT task_id, state, reason, result, retry_count, updated_at
		FROM task_status
		WHERE task_id = $1
	`

	var row statusRow
	err := s.db.GetContext(ctx, &row, query, taskID)
	if errors.Is(err, postgresql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task status: %w", err)
	}

	return row.toStatus()
}

// List pages through records newest first
func (s *PostgresSink) List(ctx context.Context, filter Filter) ([]domain.Status, error) {
	query := `
		SELECT task_id, state, reason, result, retry_count, updated_at
		FROM task_status
		WHERE 1=1
	`
	args := []any{}
	argIdx := 1

	if filter.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(filter.State))
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (updated_at, task_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.UpdatedAt, filter.Cursor.TaskID)
		argIdx += 2
	}

	query += " ORDER BY updated_at DESC, task_id DESC"

	if filter.PageSize > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.PageSize+1)
	}

	var rows []statusRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list task status: %w", err)
	}

	out := make([]domain.Status, 0, len(rows))
	for i := range rows {
		st, err := rows[i].toStatus()
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, nil
}
