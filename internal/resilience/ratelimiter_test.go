package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAdmissionLimiterAllowsWithinBurst(t *testing.T) {
	l := NewAdmissionLimiter(10, 5)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow(), "burst token %d", i)
	}
	assert.False(t, l.Allow())
}

func TestAdmissionLimiterRefills(t *testing.T) {
	l := NewAdmissionLimiter(100, 1)
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, l.Allow())
}

func TestAdmissionLimiterAllowN(t *testing.T) {
	l := NewAdmissionLimiter(10, 4)
	assert.True(t, l.AllowN(4))
	assert.False(t, l.AllowN(1))
}

func TestAdmissionLimiterDisabled(t *testing.T) {
	l := NewAdmissionLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow())
	}
}
