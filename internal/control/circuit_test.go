package control

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	c := NewCircuitBreaker(2, 100*time.Millisecond)
	now := time.Now()

	require.Equal(t, CircuitClosed, c.State())

	assert.False(t, c.RecordFailure("provider_api", now))
	require.Equal(t, CircuitClosed, c.State(), "closed after first failure")

	assert.True(t, c.RecordFailure("provider_api", now))
	require.Equal(t, CircuitOpen, c.State(), "open after threshold failures")
	assert.Equal(t, "provider_api", c.OpenedClass())

	assert.False(t, c.Allow(now.Add(10*time.Millisecond)), "deny while cooldown not elapsed")
	assert.True(t, c.Allow(now.Add(120*time.Millisecond)), "allow after cooldown")
	require.Equal(t, CircuitHalfOpen, c.State())

	assert.True(t, c.RecordSuccess())
	require.Equal(t, CircuitClosed, c.State(), "closed after probe success")
	assert.Empty(t, c.OpenedClass())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	c := NewCircuitBreaker(1, 50*time.Millisecond)
	now := time.Now()
	c.RecordFailure("timeout", now)
	require.True(t, c.Allow(now.Add(60*time.Millisecond)))

	later := now.Add(70 * time.Millisecond)
	assert.True(t, c.RecordFailure("timeout", later))
	assert.Equal(t, CircuitOpen, c.State())
	assert.False(t, c.Allow(later.Add(10*time.Millisecond)), "cooldown restarts")
}

func TestCircuitBreaker_SingleProbe(t *testing.T) {
	c := NewCircuitBreaker(1, time.Millisecond)
	now := time.Now()
	c.RecordFailure("x", now)

	probeAt := now.Add(10 * time.Millisecond)
	assert.True(t, c.Allow(probeAt))
	assert.False(t, c.Allow(probeAt), "second caller waits for the probe")
}

func TestCircuitBreaker_CancelProbe(t *testing.T) {
	c := NewCircuitBreaker(1, time.Millisecond)
	now := time.Now()
	c.RecordFailure("x", now)

	probeAt := now.Add(10 * time.Millisecond)
	require.True(t, c.Allow(probeAt))
	c.CancelProbe()
	assert.Equal(t, CircuitHalfOpen, c.State())
	assert.True(t, c.Allow(probeAt))
}

func TestCircuitBreaker_ClassesCountSeparately(t *testing.T) {
	c := NewCircuitBreaker(2, time.Second)
	now := time.Now()
	c.RecordFailure("a", now)
	c.RecordFailure("b", now)
	assert.Equal(t, CircuitClosed, c.State())
	c.RecordFailure("", now)
	c.RecordFailure("", now)
	assert.Equal(t, CircuitOpen, c.State())
	assert.Equal(t, "unknown", c.OpenedClass())
}

func TestCircuitBreaker_SuccessWhileClosed(t *testing.T) {
	c := NewCircuitBreaker(3, time.Second)
	c.RecordFailure("a", time.Now())
	assert.False(t, c.RecordSuccess(), "no transition")
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	c := NewCircuitBreaker(0, 0)
	assert.Equal(t, 5, c.Threshold)
	assert.Equal(t, 30*time.Second, c.Cooldown)
}

func TestCircuitBreaker_Concurrent(t *testing.T) {
	c := NewCircuitBreaker(1000, time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				c.Allow(time.Now())
				c.RecordFailure("x", time.Now())
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, CircuitClosed, c.State())
}
