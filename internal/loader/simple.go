package loader

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/blueberrycongee/morc/internal/model"
	loaderpkg "github.com/blueberrycongee/morc/pkg/loader"
)

// TransformFunc is a trivial in-process completion function. SimpleLoader
// exists for models that need no external backend at all — fixtures,
// rule-based responders, and thin wrappers around a local function.
type TransformFunc func(input string) (string, error)

// simpleHandle pairs a loaded source with the transform it was registered
// under at Load time.
type simpleHandle struct {
	source    string
	transform TransformFunc
}

// SimpleLoader implements loaderpkg.Loader by dispatching to a registry of
// named TransformFuncs keyed by the "simple:<name>" source scheme.
type SimpleLoader struct {
	mu         sync.RWMutex
	transforms map[string]TransformFunc
}

// NewSimpleLoader constructs a SimpleLoader with the builtin "uppercase" and
// "echo" transforms registered.
func NewSimpleLoader() *SimpleLoader {
	l := &SimpleLoader{transforms: make(map[string]TransformFunc)}
	l.Register("echo", func(input string) (string, error) { return input, nil })
	l.Register("uppercase", func(input string) (string, error) { return strings.ToUpper(input), nil })
	return l
}

// Register adds or replaces a named transform.
func (l *SimpleLoader) Register(name string, fn TransformFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transforms[name] = fn
}

func (l *SimpleLoader) lookup(name string) (TransformFunc, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn, ok := l.transforms[name]
	return fn, ok
}

// Probe accepts sources of the form "simple:<name>" for a registered name.
func (l *SimpleLoader) Probe(ctx context.Context, source string) (loaderpkg.Metadata, bool, error) {
	name, ok := strings.CutPrefix(source, "simple:")
	if !ok {
		return loaderpkg.Metadata{}, false, nil
	}
	if _, ok := l.lookup(name); !ok {
		return loaderpkg.Metadata{}, false, nil
	}
	return loaderpkg.Metadata{
		Format:       model.FormatSimple,
		SizeBytes:    0,
		Architecture: "function",
		Capabilities: []string{"chat"},
	}, true, nil
}

// Load resolves the named transform and returns a handle bound to it.
func (l *SimpleLoader) Load(ctx context.Context, source string, opts loaderpkg.Options) (model.Handle, error) {
	name, ok := strings.CutPrefix(source, "simple:")
	if !ok {
		return nil, fmt.Errorf("simple loader: unsupported source %q", source)
	}
	fn, ok := l.lookup(name)
	if !ok {
		return nil, fmt.Errorf("simple loader: no transform registered for %q", name)
	}
	return &simpleHandle{source: source, transform: fn}, nil
}

// Unload is a no-op; SimpleLoader holds no per-handle backend resources.
func (l *SimpleLoader) Unload(ctx context.Context, handle model.Handle) error {
	return nil
}

// Infer always returns a completed Result; SimpleLoader does not stream.
func (l *SimpleLoader) Infer(ctx context.Context, handle model.Handle, input string, opts loaderpkg.Options) (*loaderpkg.Result, *model.TokenStream, error) {
	h, ok := handle.(*simpleHandle)
	if !ok {
		return nil, nil, fmt.Errorf("simple loader: invalid handle type %T", handle)
	}
	out, err := h.transform(input)
	if err != nil {
		return nil, nil, err
	}
	return &loaderpkg.Result{
		Text:             out,
		PromptTokens:     len([]rune(input)),
		CompletionTokens: len([]rune(out)),
		FinishReason:     model.FinishStop,
	}, nil, nil
}

// Describe reports that SimpleLoader never streams or batches.
func (l *SimpleLoader) Describe(handle model.Handle) loaderpkg.Capabilities {
	return loaderpkg.Capabilities{MaxContext: 1 << 20}
}
