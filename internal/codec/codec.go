// Package codec converts task messages to and from their JSON transport form.
//
// Timestamps inside the payload are written as RFC 3339 strings and are turned
// back into time.Time only for fields the consumer's schema marks as
// timestamps.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/cuongbtq/taskrouter/internal/domain"
)

// TimeLayout is the encoding used for every timestamp on the wire
const TimeLayout = time.RFC3339Nano

// ContentType is set on every published message
const ContentType = "application/json"

type wireMessage struct {
	TaskID     string         `json:"task_id"`
	Domain     string         `json:"domain"`
	Operation  string         `json:"operation"`
	Payload    map[string]any `json:"payload"`
	RetryCount int            `json:"retry_count"`
	EnqueuedAt string         `json:"enqueued_at"`
}

// Encode serializes a task message. Payload values without a transport
// mapping fail with ErrUnsupportedType. Timestamps and integers are only
// accepted in fields the operation's schema hints, so every message Encode
// accepts decodes back to an equal value. hints may be nil.
func Encode(msg *domain.Message, hints HintSource) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("encode: nil message")
	}

	var schema Schema
	if hints != nil {
		schema = hints.Schema(msg.Domain, msg.Operation)
	}

	payload, err := normalizePayload(msg.Payload, schema)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", msg.TaskID, err)
	}

	wire := wireMessage{
		TaskID:     msg.TaskID,
		Domain:     string(msg.Domain),
		Operation:  msg.Operation,
		Payload:    payload,
		RetryCount: msg.RetryCount,
		EnqueuedAt: msg.EnqueuedAt.UTC().Format(TimeLayout),
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", msg.TaskID, err)
	}
	return data, nil
}

// EncodePayload serializes a bare payload against schema
func EncodePayload(p domain.Payload, schema Schema) ([]byte, error) {
	normalized, err := normalizePayload(p, schema)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// Decode parses a task message. Any structural problem is reported as
// ErrMalformedPayload. hints may be nil.
func Decode(data []byte, hints HintSource) (*domain.Message, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, malformed("empty body")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var wire wireMessage
	if err := dec.Decode(&wire); err != nil {
		return nil, malformed("invalid json: %v", err)
	}
	if dec.More() {
		return nil, malformed("trailing data after message")
	}

	if wire.TaskID == "" {
		return nil, malformed("task_id is required")
	}
	d, err := domain.ParseDomain(wire.Domain)
	if err != nil {
		return nil, malformed("%v", err)
	}
	if wire.Operation == "" {
		return nil, malformed("operation is required")
	}
	if wire.RetryCount < 0 {
		return nil, malformed("negative retry_count %d", wire.RetryCount)
	}
	if wire.EnqueuedAt == "" {
		return nil, malformed("enqueued_at is required")
	}
	enqueuedAt, err := time.Parse(TimeLayout, wire.EnqueuedAt)
	if err != nil {
		return nil, malformed("enqueued_at: %v", err)
	}

	var schema Schema
	if hints != nil {
		schema = hints.Schema(d, wire.Operation)
	}

	payload, err := restorePayload(wire.Payload, schema)
	if err != nil {
		return nil, err
	}

	return &domain.Message{
		TaskID:     wire.TaskID,
		Domain:     d,
		Operation:  wire.Operation,
		Payload:    payload,
		RetryCount: wire.RetryCount,
		EnqueuedAt: enqueuedAt.UTC(),
	}, nil
}

func normalizePayload(p domain.Payload, schema Schema) (map[string]any, error) {
	out := make(map[string]any, len(p))
	for field, v := range p {
		var (
			nv  any
			err error
		)
		switch schema[field] {
		case FieldTimestamp:
			nv, err = normalizeTimestamp(v)
		case FieldInteger:
			nv, err = normalizeInteger(v)
		default:
			nv, err = normalize(v)
		}
		if err != nil {
			return nil, &FieldError{Field: field, Err: err}
		}
		out[field] = nv
	}
	return out, nil
}

func normalizeTimestamp(v any) (any, error) {
	t, ok := v.(time.Time)
	if !ok {
		return nil, fmt.Errorf("%w: timestamp field holds %T", ErrUnsupportedType, v)
	}
	return t.UTC().Format(TimeLayout), nil
}

func normalizeInteger(v any) (any, error) {
	i, ok := v.(int64)
	if !ok {
		return nil, fmt.Errorf("%w: integer field holds %T", ErrUnsupportedType, v)
	}
	return i, nil
}

// normalize accepts only values the decoder produces for an unhinted field
func normalize(v any) (any, error) {
	switch tv := v.(type) {
	case nil, bool, string:
		return tv, nil
	case float64:
		if math.IsNaN(tv) || math.IsInf(tv, 0) {
			return nil, fmt.Errorf("%w: non-finite number", ErrUnsupportedType)
		}
		return tv, nil
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			nv, err := normalize(item)
			if err != nil {
				return nil, &FieldError{Field: fmt.Sprintf("[%d]", i), Err: err}
			}
			out[i] = nv
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, item := range tv {
			nv, err := normalize(item)
			if err != nil {
				return nil, &FieldError{Field: k, Err: err}
			}
			out[k] = nv
		}
		return out, nil
	case time.Time:
		return nil, fmt.Errorf("%w: timestamp outside a timestamp field", ErrUnsupportedType)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return nil, fmt.Errorf("%w: %T outside an integer field", ErrUnsupportedType, v)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

func restorePayload(raw map[string]any, schema Schema) (domain.Payload, error) {
	out := make(domain.Payload, len(raw))
	for field, v := range raw {
		switch schema[field] {
		case FieldTimestamp:
			s, ok := v.(string)
			if !ok {
				return nil, malformedField(field, "timestamp must be a string, got %T", v)
			}
			t, err := time.Parse(TimeLayout, s)
			if err != nil {
				return nil, malformedField(field, "%v", err)
			}
			out[field] = t.UTC()
		case FieldInteger:
			n, ok := v.(json.Number)
			if !ok {
				return nil, malformedField(field, "integer must be a number, got %T", v)
			}
			i, err := n.Int64()
			if err != nil {
				return nil, malformedField(field, "%v", err)
			}
			out[field] = i
		default:
			out[field] = restore(v)
		}
	}
	return out, nil
}

// restore converts json.Number leaves back to float64
func restore(v any) any {
	switch tv := v.(type) {
	case json.Number:
		f, err := tv.Float64()
		if err != nil {
			return tv.String()
		}
		return f
	case []any:
		for i := range tv {
			tv[i] = restore(tv[i])
		}
		return tv
	case map[string]any:
		for k := range tv {
			tv[k] = restore(tv[k])
		}
		return tv
	default:
		return v
	}
}

func malformedField(field, format string, args ...any) error {
	return &FieldError{
		Field: field,
		Err:   fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...)),
	}
}
