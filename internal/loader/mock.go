// Package loader provides Loader implementations usable without an external
// inference backend: a deterministic mock used by tests and local
// development, and a simple in-process
// loader for trivial transform-style models.
package loader

import (
	"context"
	"strings"
	"time"

	"github.com/blueberrycongee/morc/internal/model"
	loaderpkg "github.com/blueberrycongee/morc/pkg/loader"
)

// mockHandle is the opaque handle type returned by MockLoader.Load.
type mockHandle struct {
	source string
}

// MockLoader implements loaderpkg.Loader by reversing its input. It never
// touches disk or network and is the reference loader for tests and the
// happy-path fixtures.
type MockLoader struct {
	// InferDelay, if non-zero, simulates per-call latency; used by tests
	// exercising cancellation and timeout behavior.
	InferDelay time.Duration
	// FailNTimes causes the next N Infer calls on any handle to fail with
	// an error before succeeding; used by fallback/circuit tests. The
	// failure counter is not synchronized, so concurrent Infer calls on
	// one MockLoader race on it.
	FailNTimes int
	failedSoFar int
}

// Probe accepts any source beginning with "mock:".
func (m *MockLoader) Probe(ctx context.Context, source string) (loaderpkg.Metadata, bool, error) {
	if !strings.HasPrefix(source, "mock:") {
		return loaderpkg.Metadata{}, false, nil
	}
	return loaderpkg.Metadata{
		Format:       model.FormatMock,
		SizeBytes:    1,
		Architecture: "mock",
		Capabilities: []string{"chat", "streaming"},
	}, true, nil
}

// Load returns a handle immediately; the mock loader has no backend state.
func (m *MockLoader) Load(ctx context.Context, source string, opts loaderpkg.Options) (model.Handle, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return &mockHandle{source: source}, nil
}

// Unload is a no-op; idempotent by construction.
func (m *MockLoader) Unload(ctx context.Context, handle model.Handle) error {
	return nil
}

// Infer reverses input and returns it as the completion text, or streams it
// one rune at a time when opts.Streaming is set.
func (m *MockLoader) Infer(ctx context.Context, handle model.Handle, input string, opts loaderpkg.Options) (*loaderpkg.Result, *model.TokenStream, error) {
	if m.FailNTimes > 0 && m.failedSoFar < m.FailNTimes {
		m.failedSoFar++
		return nil, nil, &mockInferError{msg: "simulated transient failure"}
	}

	if m.InferDelay > 0 {
		select {
		case <-time.After(m.InferDelay):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	reversed := reverseString(input)

	if !opts.Streaming {
		return &loaderpkg.Result{
			Text:             reversed,
			PromptTokens:     len([]rune(input)),
			CompletionTokens: len([]rune(reversed)),
			FinishReason:     model.FinishStop,
		}, nil, nil
	}

	ch := make(chan model.TokenChunk)
	ctx2, cancel := context.WithCancel(ctx)
	go func() {
		defer close(ch)
		runes := []rune(reversed)
		for i, r := range runes {
			select {
			case <-ctx2.Done():
				select {
				case ch <- model.TokenChunk{Index: i, Terminal: true, Err: ctx2.Err()}:
				case <-time.After(50 * time.Millisecond):
				}
				return
			case ch <- model.TokenChunk{Index: i, Text: string(r)}:
			}
			if m.InferDelay > 0 {
				select {
				case <-time.After(m.InferDelay):
				case <-ctx2.Done():
				}
			}
		}
		select {
		case ch <- model.TokenChunk{Index: len(runes), Terminal: true, FinishReason: model.FinishStop}:
		case <-ctx2.Done():
		}
	}()

	return nil, &model.TokenStream{Chunks: ch, Cancel: cancel}, nil
}

// Describe reports the mock loader's declared capabilities.
func (m *MockLoader) Describe(handle model.Handle) loaderpkg.Capabilities {
	return loaderpkg.Capabilities{Streaming: true, Batching: false, FunctionCalling: false, MaxContext: 1 << 20}
}

func reverseString(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

type mockInferError struct{ msg string }

func (e *mockInferError) Error() string { return e.msg }
