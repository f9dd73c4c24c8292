package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponential(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{name: "first attempt uses base", attempt: 0, want: time.Second},
		{name: "second attempt doubles", attempt: 1, want: 2 * time.Second},
		{name: "third attempt doubles again", attempt: 2, want: 4 * time.Second},
		{name: "capped at ceiling", attempt: 5, want: 30 * time.Second},
		{name: "huge attempt stays at ceiling", attempt: 1000, want: 30 * time.Second},
		{name: "negative attempt treated as zero", attempt: -3, want: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Exponential(time.Second, 30*time.Second, tt.attempt))
		})
	}
}

func TestExponential_ZeroBase(t *testing.T) {
	assert.Equal(t, time.Duration(0), Exponential(0, time.Second, 4))
}

func TestBackoff_JitterBounds(t *testing.T) {
	b := New(100*time.Millisecond, 2*time.Second, 0.5)

	for attempt := 0; attempt < 10; attempt++ {
		want := Exponential(b.Base, b.Ceiling, attempt)
		for i := 0; i < 50; i++ {
			got := b.Delay(attempt)
			assert.LessOrEqual(t, got, want)
			assert.GreaterOrEqual(t, got, want/2)
		}
	}
}

func TestBackoff_NoJitterIsDeterministic(t *testing.T) {
	b := New(time.Second, 8*time.Second, 0)

	assert.Equal(t, 4*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(2))
}

func TestBackoff_AtCeiling(t *testing.T) {
	b := New(time.Second, 4*time.Second, 0)

	assert.False(t, b.AtCeiling(0))
	assert.False(t, b.AtCeiling(1))
	assert.True(t, b.AtCeiling(2))
	assert.True(t, b.AtCeiling(3))
}

func TestNew_ClampsArguments(t *testing.T) {
	b := New(time.Second, time.Millisecond, 3)

	assert.Equal(t, time.Second, b.Ceiling)
	assert.Equal(t, 1.0, b.Jitter)
}
