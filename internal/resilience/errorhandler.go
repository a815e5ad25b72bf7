package resilience

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blueberrycongee/morc/internal/observability"
	pkgerrors "github.com/blueberrycongee/morc/pkg/errors"
)

// Signal is a supervisor-level action the orchestration core requests from
// its hosting process. The core never restarts itself; it publishes the
// signal and the host decides how to honor it.
type Signal string

const (
	SignalReload     Signal = "reload"
	SignalShutdown   Signal = "shutdown"
	SignalClearCache Signal = "clear_cache"
)

// ErrorHandlerConfig tunes classification and retry policy.
type ErrorHandlerConfig struct {
	// RetryBudget caps retries per request.
	RetryBudget int
	// Backoff is the base delay for the first retry.
	Backoff time.Duration
	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration
	// Jitter is the fraction of the computed delay randomized away (0..1).
	Jitter float64
	// FatalFaultThreshold is how many internal invariant violations are
	// tolerated before a Reload signal is raised.
	FatalFaultThreshold int
}

// DefaultErrorHandlerConfig returns sensible defaults.
func DefaultErrorHandlerConfig() ErrorHandlerConfig {
	return ErrorHandlerConfig{
		RetryBudget:         3,
		Backoff:             100 * time.Millisecond,
		MaxBackoff:          5 * time.Second,
		Jitter:              0.2,
		FatalFaultThreshold: 3,
	}
}

// ErrorHandler classifies errors into the pkg/errors taxonomy, computes
// retry backoff, appends to the JSON-line error log, and raises supervisor
// signals. Retry and fallback decisions become a pure function of the
// classified kind.
type ErrorHandler struct {
	config ErrorHandlerConfig
	logger *observability.Logger
	errLog *observability.ErrorLogWriter

	rngMu sync.Mutex
	rng   *rand.Rand

	fatalFaults atomic.Int64

	signalMu sync.Mutex
	signalCh chan Signal
}

// NewErrorHandler creates an error handler. errLog may be nil to disable
// the persistent error log.
func NewErrorHandler(cfg ErrorHandlerConfig, logger *observability.Logger, errLog *observability.ErrorLogWriter) *ErrorHandler {
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		cfg.Jitter = 0.2
	}
	if cfg.FatalFaultThreshold <= 0 {
		cfg.FatalFaultThreshold = 3
	}
	return &ErrorHandler{
		config:   cfg,
		logger:   logger,
		errLog:   errLog,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		signalCh: make(chan Signal, 8),
	}
}

// RetryBudget returns the configured per-request retry cap.
func (h *ErrorHandler) RetryBudget() int {
	return h.config.RetryBudget
}

// Classify maps an arbitrary error onto the orchestration taxonomy. Errors
// already classified pass through unchanged; context errors map to
// Cancelled/Timeout; everything else is an InferenceFailure attributed to
// the model that produced it.
func (h *ErrorHandler) Classify(err error, modelID string) *pkgerrors.OrchestrationError {
	var oe *pkgerrors.OrchestrationError
	if errors.As(err, &oe) {
		return oe
	}
	switch {
	case errors.Is(err, context.Canceled):
		return pkgerrors.NewCancelled(modelID, "request cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return pkgerrors.NewTimeout(modelID, "inference exceeded deadline")
	default:
		return pkgerrors.Wrap(pkgerrors.KindInferenceFailure, modelID, err.Error(), err)
	}
}

// Backoff computes the delay before retry attempt n (0-based): exponential
// doubling from the base, capped, with up to Jitter fraction subtracted at
// random so synchronized retries spread out.
func (h *ErrorHandler) Backoff(attempt int) time.Duration {
	d := h.config.Backoff << uint(attempt)
	if d > h.config.MaxBackoff || d <= 0 {
		d = h.config.MaxBackoff
	}
	if h.config.Jitter > 0 {
		h.rngMu.Lock()
		f := h.rng.Float64()
		h.rngMu.Unlock()
		d -= time.Duration(float64(d) * h.config.Jitter * f)
	}
	return d
}

// Record appends the classified error to the persistent error log and the
// structured logger. retried reports whether a fallback attempt follows.
func (h *ErrorHandler) Record(requestID string, oe *pkgerrors.OrchestrationError, retried bool) {
	if h.logger != nil {
		h.logger.Warn("inference error",
			"request_id", requestID,
			"model_id", oe.ModelID,
			"kind", string(oe.Kind),
			"retried", retried,
			"fallback_depth", oe.FallbackDepth,
			"error", oe.Message,
		)
	}
	if h.errLog != nil {
		h.errLog.Write(observability.ErrorLogRecord{
			Time:          time.Now(),
			RequestID:     requestID,
			ModelID:       oe.ModelID,
			Kind:          string(oe.Kind),
			Message:       oe.Message,
			Retry:         retried,
			FallbackDepth: oe.FallbackDepth,
		})
	}
}

// RecordInternalFault notes an internal invariant violation. Once
// the fatal counter crosses the configured threshold, a Reload signal is
// raised for the process supervisor.
func (h *ErrorHandler) RecordInternalFault(where string, err error) {
	if h.logger != nil {
		h.logger.Error("internal invariant violation", "where", where, "error", err)
	}
	if h.fatalFaults.Add(1) >= int64(h.config.FatalFaultThreshold) {
		h.RaiseSignal(SignalReload)
	}
}

// FatalFaultCount returns the number of recorded invariant violations.
func (h *ErrorHandler) FatalFaultCount() int64 {
	return h.fatalFaults.Load()
}

// RaiseSignal publishes a supervisor signal. Signals are buffered; if the
// buffer is full the new signal is dropped rather than
// blocking the raising component.
func (h *ErrorHandler) RaiseSignal(s Signal) {
	h.signalMu.Lock()
	defer h.signalMu.Unlock()
	select {
	case h.signalCh <- s:
	default:
	}
}

// Signals returns the channel the hosting process drains to honor
// supervisor requests.
func (h *ErrorHandler) Signals() <-chan Signal {
	return h.signalCh
}
