package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/morc/internal/model"
)

func testBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		OpenOnConsecutiveFailures: 3,
		OpenOnFailureRate:         0.5,
		MinSamples:                10,
		Cooldown:                  50 * time.Millisecond,
	}
}

func TestBreakerStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker("m-a", testBreakerConfig())
	assert.Equal(t, model.CircuitClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestBreakerOpensOnConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("m-a", testBreakerConfig())

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, model.CircuitClosed, cb.State())

	cb.RecordFailure()
	assert.Equal(t, model.CircuitOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	cb := NewCircuitBreaker("m-a", testBreakerConfig())

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	assert.Equal(t, model.CircuitClosed, cb.State())
}

func TestBreakerOpensOnFailureRate(t *testing.T) {
	cb := NewCircuitBreaker("m-a", testBreakerConfig())

	// Interleave so the consecutive counter never reaches 3, but the rate
	// climbs past 50% once the sample minimum is met.
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
		cb.RecordFailure()
		cb.RecordSuccess()
	}
	assert.Equal(t, model.CircuitOpen, cb.State())
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker("m-a", testBreakerConfig())
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, model.CircuitOpen, cb.State())
	require.False(t, cb.Allow())

	time.Sleep(60 * time.Millisecond)

	assert.True(t, cb.Allow())
	assert.Equal(t, model.CircuitHalfOpen, cb.State())
}

func TestBreakerClosesOnFirstHalfOpenSuccess(t *testing.T) {
	cb := NewCircuitBreaker("m-a", testBreakerConfig())
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)
	require.True(t, cb.Allow())

	cb.RecordSuccess()
	assert.Equal(t, model.CircuitClosed, cb.State())
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cb := NewCircuitBreaker("m-a", testBreakerConfig())
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)
	require.True(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, model.CircuitOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestBreakerForceOpen(t *testing.T) {
	cb := NewCircuitBreaker("m-a", testBreakerConfig())
	cb.ForceOpen()
	assert.Equal(t, model.CircuitOpen, cb.State())
}

func TestBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker("m-a", testBreakerConfig())
	cb.ForceOpen()
	cb.Reset()
	assert.Equal(t, model.CircuitClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestBreakerStateChangeCallback(t *testing.T) {
	cb := NewCircuitBreaker("m-a", testBreakerConfig())

	transitions := make(chan model.CircuitState, 4)
	cb.OnStateChange(func(id string, from, to model.CircuitState) {
		assert.Equal(t, "m-a", id)
		transitions <- to
	})

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	select {
	case to := <-transitions:
		assert.Equal(t, model.CircuitOpen, to)
	case <-time.After(time.Second):
		t.Fatal("no transition observed")
	}
}
