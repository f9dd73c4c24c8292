package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_Decide(t *testing.T) {
	policy := NewPolicy(3, 5*time.Second, 20*time.Second)

	tests := []struct {
		name       string
		retryCount int
		want       Decision
	}{
		{
			name:       "first failure",
			retryCount: 0,
			want:       Decision{Action: ActionRequeue, Delay: 5 * time.Second, NextRetryCount: 1},
		},
		{
			name:       "second failure doubles",
			retryCount: 1,
			want:       Decision{Action: ActionRequeue, Delay: 10 * time.Second, NextRetryCount: 2},
		},
		{
			name:       "third failure capped",
			retryCount: 2,
			want:       Decision{Action: ActionRequeue, Delay: 20 * time.Second, NextRetryCount: 3},
		},
		{
			name:       "retries exhausted",
			retryCount: 3,
			want:       Decision{Action: ActionDeadLetter, NextRetryCount: 3},
		},
		{
			name:       "over the limit",
			retryCount: 7,
			want:       Decision{Action: ActionDeadLetter, NextRetryCount: 7},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.Decide(tt.retryCount))
		})
	}
}

func TestPolicy_ZeroRetries(t *testing.T) {
	policy := NewPolicy(0, time.Second, time.Second)
	assert.Equal(t, ActionDeadLetter, policy.Decide(0).Action)
}

func TestNewPolicy_Normalizes(t *testing.T) {
	policy := NewPolicy(-1, 10*time.Second, time.Second)
	assert.Equal(t, 0, policy.MaxRetries)
	assert.Equal(t, 10*time.Second, policy.Ceiling)
}

func TestAction_String(t *testing.T) {
	assert.Equal(t, "requeue", ActionRequeue.String())
	assert.Equal(t, "dead_letter", ActionDeadLetter.String())
	assert.Equal(t, "unknown", Action(42).String())
}
