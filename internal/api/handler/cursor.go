package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/taskrouter/internal/status"
)

// DecodeStatusCursor parses a cursor produced by EncodeStatusCursor. An empty
// string means the first page.
func DecodeStatusCursor(cursorStr string) (*status.Cursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	updatedAt, taskID, ok := strings.Cut(string(decoded), "|")
	if !ok || taskID == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var nanos int64
	if _, err := fmt.Sscanf(updatedAt, "%d", &nanos); err != nil {
		return nil, fmt.Errorf("invalid updated_at in cursor: %w", err)
	}

	return &status.Cursor{
		UpdatedAt: time.Unix(0, nanos).UTC(),
		TaskID:    taskID,
	}, nil
}

// EncodeStatusCursor builds the opaque cursor for the page after st
func EncodeStatusCursor(cursor *status.Cursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.UpdatedAt.UnixNano(), cursor.TaskID)
	return base64.RawURLEncoding.EncodeToString([]byte(cs))
}
