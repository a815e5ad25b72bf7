package resilience

import (
	"time"

	"golang.org/x/time/rate"
)

// AdmissionLimiter is a token-bucket gate used to shed load before a queue
// is touched: the worker pool consults it before enqueueing a task.
type AdmissionLimiter struct {
	limiter *rate.Limiter
}

// NewAdmissionLimiter creates a limiter admitting ratePerSec operations per
// second with the given burst. A non-positive rate disables limiting.
func NewAdmissionLimiter(ratePerSec float64, burst int) *AdmissionLimiter {
	if ratePerSec <= 0 {
		return &AdmissionLimiter{}
	}
	if burst <= 0 {
		burst = 1
	}
	return &AdmissionLimiter{limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// Allow reports whether one operation may proceed now.
func (a *AdmissionLimiter) Allow() bool {
	if a.limiter == nil {
		return true
	}
	return a.limiter.Allow()
}

// AllowN reports whether n operations may proceed now.
func (a *AdmissionLimiter) AllowN(n int) bool {
	if a.limiter == nil {
		return true
	}
	return a.limiter.AllowN(time.Now(), n)
}

// Tokens returns the current token count, for Status reporting.
func (a *AdmissionLimiter) Tokens() float64 {
	if a.limiter == nil {
		return 0
	}
	return a.limiter.Tokens()
}
