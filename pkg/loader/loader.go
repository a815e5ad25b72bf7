// Package loader defines the pluggable backend contract every concrete model
// loader satisfies. The orchestration core depends only on this
// interface; concrete loaders for gguf/onnx/safetensors/etc. live outside
// this module and are registered with the Registry at composition time.
package loader

import (
	"context"

	"github.com/blueberrycongee/morc/internal/model"
)

// Metadata is the cheap, side-effect-free result of Probe: enough
// information for the Registry to decide whether to proceed with Load.
type Metadata struct {
	Format       model.Format
	SizeBytes    int64
	Architecture string
	Capabilities []string
}

// Options carries per-call inference or load tuning knobs a Loader may
// honor. Unrecognized fields are ignored by loaders that don't need them.
type Options struct {
	MaxTokens     int
	Temperature   float64
	TopP          float64
	TopK          int
	StopSequences []string
	Streaming     bool
}

// Result is a completed, non-streaming inference output.
type Result struct {
	Text         string
	PromptTokens int
	CompletionTokens int
	FinishReason model.FinishReason
}

// Capabilities describes what a loaded handle supports, returned by Describe.
type Capabilities struct {
	Streaming       bool
	Batching        bool
	FunctionCalling bool
	MaxContext      int
}

// Loader is the pluggable backend contract. Every method must
// be safe for concurrent use across different handles; a single handle's
// Infer calls may be serialized internally by the loader if the backend
// requires it, but Infer must not block other loaders' progress.
type Loader interface {
	// Probe cheaply reports whether this loader can handle source, and if
	// so, cheap metadata about it. ok is false if the loader declines.
	Probe(ctx context.Context, source string) (md Metadata, ok bool, err error)

	// Load performs the expensive backend initialization and returns an
	// opaque handle. Must be cancellable via ctx within a bounded grace
	// period. May consult a MemoryManager-like allocator; callers are
	// expected to have already reserved the declared size.
	Load(ctx context.Context, source string, opts Options) (model.Handle, error)

	// Unload releases all resources owned by handle. Idempotent: calling
	// Unload twice on the same (or an already-released) handle is a no-op.
	Unload(ctx context.Context, handle model.Handle) error

	// Infer runs one inference call. Exactly one of (*Result, nil) or
	// (nil, *model.TokenStream) is populated depending on opts.Streaming.
	// Infer must not retain references to input beyond the call.
	Infer(ctx context.Context, handle model.Handle, input string, opts Options) (*Result, *model.TokenStream, error)

	// Describe reports the capabilities of a loaded handle.
	Describe(handle model.Handle) Capabilities
}
