package airlock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// The k-th delay must be exactly base·2^(k−1), capped at max: no jitter,
// no elapsed-time cutoff.
func TestBackoffDelaySchedule(t *testing.T) {
	policy := newBackoff(5*time.Second, 20*time.Second)

	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		20 * time.Second,
		20 * time.Second,
	}
	for k, expected := range want {
		assert.Equalf(t, expected, policy.NextBackOff(), "delay %d", k+1)
	}
}

func TestBackoffResetsAfterSuccess(t *testing.T) {
	policy := newBackoff(time.Second, 30*time.Second)

	policy.NextBackOff()
	policy.NextBackOff()
	policy.Reset()

	assert.Equal(t, time.Second, policy.NextBackOff(), "a successful reconnect restarts the schedule")
}

func TestBackoffNeverStopsOnElapsedTime(t *testing.T) {
	policy := newBackoff(time.Nanosecond, time.Nanosecond)
	for i := 0; i < 1000; i++ {
		assert.NotEqual(t, time.Duration(-1), policy.NextBackOff())
	}
}
