package codec

import "github.com/cuongbtq/taskrouter/internal/domain"

// FieldType is a decode hint for a top-level payload field. JSON cannot tell a
// timestamp string from a plain string, so the decoder trusts these hints
// instead of guessing.
type FieldType int

const (
	// FieldTimestamp fields travel as RFC 3339 strings and decode to time.Time
	FieldTimestamp FieldType = iota + 1
	// FieldInteger fields decode to int64 instead of float64
	FieldInteger
)

func (t FieldType) String() string {
	switch t {
	case FieldTimestamp:
		return "timestamp"
	case FieldInteger:
		return "integer"
	default:
		return "unknown"
	}
}

// Schema maps payload field names to decode hints
type Schema map[string]FieldType

// HintSource resolves the schema for a (domain, operation) pair
type HintSource interface {
	Schema(d domain.Domain, operation string) Schema
}

// StaticHints serves a single schema for every operation
type StaticHints Schema

// Schema implements HintSource
func (s StaticHints) Schema(domain.Domain, string) Schema {
	return Schema(s)
}
