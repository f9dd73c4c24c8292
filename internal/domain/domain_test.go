package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDomain(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Domain
		wantErr bool
	}{
		{name: "clinical", input: "clinical", want: DomainClinical},
		{name: "exams", input: "exams", want: DomainExams},
		{name: "opme", input: "opme", want: DomainOPME},
		{name: "ingestion", input: "ingestion", want: DomainIngestion},
		{name: "case sensitive", input: "Clinical", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "unknown", input: "billing", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDomain(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMessage_Requeued(t *testing.T) {
	msg := NewMessage("t-1", DomainExams, "hemogram", Payload{"patient_id": "p-9"})
	msg.RetryCount = 2

	next := msg.Requeued()

	assert.Equal(t, 3, next.RetryCount)
	assert.Equal(t, 2, msg.RetryCount)
	assert.Equal(t, msg.EnqueuedAt, next.EnqueuedAt)
	assert.Equal(t, msg.TaskID, next.TaskID)
	assert.Equal(t, msg.Payload, next.Payload)
}

func TestMessage_Age(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	msg := &Message{EnqueuedAt: now.Add(-90 * time.Second)}
	assert.Equal(t, 90*time.Second, msg.Age(now))

	assert.Zero(t, (&Message{}).Age(now))
}

func TestState_IsTerminal(t *testing.T) {
	assert.False(t, StatePending.IsTerminal())
	assert.False(t, StateProcessing.IsTerminal())
	assert.True(t, StateCompleted.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
}

func TestStatus_Builders(t *testing.T) {
	s := NewStatus("t-1", StateFailed).
		WithReason("boom").
		WithRetryCount(3).
		WithResult(map[string]any{"ok": false})

	assert.Equal(t, "t-1", s.TaskID)
	assert.Equal(t, StateFailed, s.State)
	assert.Equal(t, "boom", s.Reason)
	assert.Equal(t, 3, s.RetryCount)
	assert.Equal(t, map[string]any{"ok": false}, s.Result)
	assert.False(t, s.UpdatedAt.IsZero())
}

func TestDurability_Valid(t *testing.T) {
	assert.True(t, DurabilityQuorum.Valid())
	assert.True(t, DurabilityDurable.Valid())
	assert.True(t, DurabilityPassive.Valid())
	assert.False(t, Durability("lazy").Valid())
}
