package codec

import (
	"errors"
	"testing"
	"time"

	"github.com/cuongbtq/taskrouter/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage(payload domain.Payload) *domain.Message {
	return &domain.Message{
		TaskID:     "t1",
		Domain:     domain.DomainExams,
		Operation:  "hemogram",
		Payload:    payload,
		RetryCount: 2,
		EnqueuedAt: time.Date(2026, 3, 14, 9, 26, 53, 589000000, time.UTC),
	}
}

func TestRoundTrip(t *testing.T) {
	requestedAt := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	hints := StaticHints{"requested_at": FieldTimestamp, "sample_count": FieldInteger}

	tests := []struct {
		name    string
		payload domain.Payload
	}{
		{
			name:    "empty payload",
			payload: domain.Payload{},
		},
		{
			name: "scalars",
			payload: domain.Payload{
				"urgent": true,
				"notes":  "fasting sample",
				"weight": 72.5,
				"extra":  nil,
			},
		},
		{
			name: "timestamp and integer hints",
			payload: domain.Payload{
				"requested_at": requestedAt,
				"sample_count": int64(3),
			},
		},
		{
			name: "nested structures",
			payload: domain.Payload{
				"patient": map[string]any{"id": float64(42), "name": "Ana"},
				"items":   []any{"a", float64(1), map[string]any{"code": "X1"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := testMessage(tt.payload)

			data, err := Encode(msg, hints)
			require.NoError(t, err)

			decoded, err := Decode(data, hints)
			require.NoError(t, err)
			assert.Equal(t, msg, decoded)
		})
	}
}

func TestEncode_UnsupportedType(t *testing.T) {
	tests := []struct {
		name    string
		payload domain.Payload
		field   string
	}{
		{name: "channel", payload: domain.Payload{"ch": make(chan int)}, field: "ch"},
		{name: "function", payload: domain.Payload{"fn": func() {}}, field: "fn"},
		{name: "struct", payload: domain.Payload{"s": struct{ A int }{1}}, field: "s"},
		{name: "complex", payload: domain.Payload{"c": complex(1, 2)}, field: "c"},
		{name: "nested in slice", payload: domain.Payload{"list": []any{"a", make(chan int)}}, field: "list"},
		{name: "unhinted int", payload: domain.Payload{"sample_count": 3}, field: "sample_count"},
		{name: "unhinted int64", payload: domain.Payload{"sample_count": int64(3)}, field: "sample_count"},
		{name: "float32", payload: domain.Payload{"weight": float32(72.5)}, field: "weight"},
		{name: "typed slice", payload: domain.Payload{"tags": []string{"a", "b"}}, field: "tags"},
		{name: "nested payload type", payload: domain.Payload{"patient": domain.Payload{"id": "p1"}}, field: "patient"},
		{name: "unhinted timestamp", payload: domain.Payload{"collected_at": time.Now()}, field: "collected_at"},
		{name: "int inside map", payload: domain.Payload{"patient": map[string]any{"age": 40}}, field: "patient"},
		{name: "hinted integer holds int", payload: domain.Payload{"record_count": 120}, field: "record_count"},
		{name: "hinted timestamp holds string", payload: domain.Payload{"requested_at": "2026-01-01T00:00:00Z"}, field: "requested_at"},
		{name: "hinted integer holds nil", payload: domain.Payload{"record_count": nil}, field: "record_count"},
	}

	hints := StaticHints{"requested_at": FieldTimestamp, "record_count": FieldInteger}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(testMessage(tt.payload), hints)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnsupportedType))

			var fieldErr *FieldError
			require.True(t, errors.As(err, &fieldErr))
			assert.Equal(t, tt.field, fieldErr.Field)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	hints := StaticHints{"requested_at": FieldTimestamp}

	tests := []struct {
		name string
		body string
	}{
		{name: "empty body", body: ""},
		{name: "not json", body: "\x00\x01garbage"},
		{name: "json array", body: `[1,2,3]`},
		{name: "trailing data", body: `{"task_id":"t1"} {}`},
		{name: "missing task_id", body: `{"domain":"exams","operation":"hemogram","enqueued_at":"2026-01-01T00:00:00Z"}`},
		{name: "unknown domain", body: `{"task_id":"t1","domain":"billing","operation":"x","enqueued_at":"2026-01-01T00:00:00Z"}`},
		{name: "missing operation", body: `{"task_id":"t1","domain":"exams","enqueued_at":"2026-01-01T00:00:00Z"}`},
		{name: "negative retry_count", body: `{"task_id":"t1","domain":"exams","operation":"hemogram","retry_count":-1,"enqueued_at":"2026-01-01T00:00:00Z"}`},
		{name: "fractional retry_count", body: `{"task_id":"t1","domain":"exams","operation":"hemogram","retry_count":1.5,"enqueued_at":"2026-01-01T00:00:00Z"}`},
		{name: "missing enqueued_at", body: `{"task_id":"t1","domain":"exams","operation":"hemogram"}`},
		{name: "bad enqueued_at", body: `{"task_id":"t1","domain":"exams","operation":"hemogram","enqueued_at":"yesterday"}`},
		{name: "bad hinted timestamp", body: `{"task_id":"t1","domain":"exams","operation":"hemogram","enqueued_at":"2026-01-01T00:00:00Z","payload":{"requested_at":"soon"}}`},
		{name: "non-string hinted timestamp", body: `{"task_id":"t1","domain":"exams","operation":"hemogram","enqueued_at":"2026-01-01T00:00:00Z","payload":{"requested_at":12}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.body), hints)
			require.Error(t, err)
			assert.Nil(t, msg)
			assert.True(t, errors.Is(err, ErrMalformedPayload), "got %v", err)
		})
	}
}

func TestDecode_TimestampWithoutHintStaysString(t *testing.T) {
	body := `{"task_id":"t1","domain":"exams","operation":"hemogram","enqueued_at":"2026-01-01T00:00:00Z","payload":{"requested_at":"2026-01-01T00:00:00Z"}}`

	msg, err := Decode([]byte(body), nil)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-01T00:00:00Z", msg.Payload["requested_at"])
}

func TestEncode_TimestampUsesUTC(t *testing.T) {
	loc := time.FixedZone("BRT", -3*60*60)
	ts := time.Date(2026, 1, 1, 9, 0, 0, 0, loc)

	data, err := EncodePayload(domain.Payload{"at": ts}, Schema{"at": FieldTimestamp})
	require.NoError(t, err)
	assert.JSONEq(t, `{"at":"2026-01-01T12:00:00Z"}`, string(data))
}

func TestEncode_NonFiniteNumber(t *testing.T) {
	zero := 0.0
	_, err := EncodePayload(domain.Payload{"ratio": zero / zero}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedType))
}

func TestRoundTrip_AcceptedPayloadsDecodeEqual(t *testing.T) {
	tests := []struct {
		name    string
		payload domain.Payload
		hints   HintSource
	}{
		{
			name:    "unhinted numbers and lists",
			payload: domain.Payload{"sample_count": float64(3), "tags": []any{"a", "b"}},
		},
		{
			name:    "whole float stays float",
			payload: domain.Payload{"dose": float64(10)},
		},
		{
			name:    "timestamp-looking string without hint",
			payload: domain.Payload{"label": "2026-01-01T00:00:00Z"},
		},
		{
			name:    "hinted integer",
			payload: domain.Payload{"record_count": int64(9007199254740993)},
			hints:   StaticHints{"record_count": FieldInteger},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := testMessage(tt.payload)

			data, err := Encode(msg, tt.hints)
			require.NoError(t, err)

			decoded, err := Decode(data, tt.hints)
			require.NoError(t, err)
			assert.Equal(t, msg, decoded)
		})
	}
}

func TestEncode_RejectsValuesDecodeCannotRestore(t *testing.T) {
	_, err := Encode(testMessage(domain.Payload{
		"sample_count": 3,
		"tags":         []string{"a", "b"},
	}), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedType))
}
