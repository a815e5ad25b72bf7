// Package errors defines the unified error taxonomy for the orchestration
// core. Every error surfaced across Registry, Router, Pipeline, and the
// resilience layer is mapped onto one of the Kind values declared here so
// retry and fallback policy can be driven as a pure function of the kind,
// instead of inspecting provider-specific HTTP status codes.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an orchestration error for retry/fallback policy purposes.
type Kind string

const (
	KindBadRequest       Kind = "bad_request"
	KindModelUnavailable Kind = "model_unavailable"
	KindResourceBusy     Kind = "resource_busy"
	KindTimeout          Kind = "timeout"
	KindInferenceFailure Kind = "inference_failure"
	KindOutOfMemory      Kind = "out_of_memory"
	KindModelCorrupt     Kind = "model_corrupt"
	KindCancelled        Kind = "cancelled"
	KindInternal         Kind = "internal"
)

// defaultRetryable holds the default retriability of each Kind.
var defaultRetryable = map[Kind]bool{
	KindBadRequest:       false,
	KindModelUnavailable: true,
	KindResourceBusy:     true,
	KindTimeout:          true,
	KindInferenceFailure: true,
	KindOutOfMemory:      false,
	KindModelCorrupt:     false,
	KindCancelled:        false,
	KindInternal:         false,
}

// OrchestrationError is the standardized, classified error surfaced by any
// orchestration component. It carries enough context for the Dispatcher's
// retry/fallback loop and for the JSON-line error log.
type OrchestrationError struct {
	Kind      Kind
	Message   string
	ModelID   string
	Retryable bool

	// FallbackDepth records how many alternates had already been tried when
	// this error was produced; the Dispatcher fills this in before surfacing
	// the error to the caller.
	FallbackDepth int

	cause error
}

// Error implements the error interface.
func (e *OrchestrationError) Error() string {
	if e.ModelID != "" {
		return fmt.Sprintf("%s: %s (model=%s)", e.Kind, e.Message, e.ModelID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause, if any, for errors.Is/As chains.
func (e *OrchestrationError) Unwrap() error {
	return e.cause
}

// New creates an OrchestrationError of the given kind with that kind's
// default retriability.
func New(kind Kind, modelID, message string) *OrchestrationError {
	return &OrchestrationError{
		Kind:      kind,
		Message:   message,
		ModelID:   modelID,
		Retryable: defaultRetryable[kind],
	}
}

// Wrap creates an OrchestrationError that chains an underlying cause.
func Wrap(kind Kind, modelID, message string, cause error) *OrchestrationError {
	e := New(kind, modelID, message)
	e.cause = cause
	return e
}

// WithRetryable returns a copy of the error with Retryable overridden, used
// when a loader hint reclassifies an InferenceFailure as non-retryable (for
// example, the loader reports the failure is deterministic for this input).
func (e *OrchestrationError) WithRetryable(r bool) *OrchestrationError {
	cp := *e
	cp.Retryable = r
	return &cp
}

// WithFallbackDepth returns a copy of the error annotated with how many
// fallback attempts preceded it.
func (e *OrchestrationError) WithFallbackDepth(depth int) *OrchestrationError {
	cp := *e
	cp.FallbackDepth = depth
	return &cp
}

// IsRetryable reports whether err is an *OrchestrationError marked retryable.
func IsRetryable(err error) bool {
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		return oe.Retryable
	}
	return false
}

// KindOf extracts the Kind of err, or KindInternal if err is not an
// *OrchestrationError.
func KindOf(err error) Kind {
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindInternal
}

// Constructors, one per Kind.

func NewBadRequest(modelID, message string) *OrchestrationError {
	return New(KindBadRequest, modelID, message)
}

func NewModelUnavailable(modelID, message string) *OrchestrationError {
	return New(KindModelUnavailable, modelID, message)
}

func NewResourceBusy(modelID, message string) *OrchestrationError {
	return New(KindResourceBusy, modelID, message)
}

func NewTimeout(modelID, message string) *OrchestrationError {
	return New(KindTimeout, modelID, message)
}

func NewInferenceFailure(modelID, message string) *OrchestrationError {
	return New(KindInferenceFailure, modelID, message)
}

func NewOutOfMemory(modelID, message string) *OrchestrationError {
	return New(KindOutOfMemory, modelID, message)
}

func NewModelCorrupt(modelID, message string) *OrchestrationError {
	return New(KindModelCorrupt, modelID, message)
}

func NewCancelled(modelID, message string) *OrchestrationError {
	return New(KindCancelled, modelID, message)
}

func NewInternal(modelID, message string) *OrchestrationError {
	return New(KindInternal, modelID, message)
}
