// Package engine selects the execution backend for each model format: an
// explicit selector over a typed Environment descriptor injected by the
// composition root, with engines registered via an explicit list at
// startup instead of being discovered by probing global state.
package engine

import (
	"fmt"
	"sync"

	"github.com/blueberrycongee/morc/internal/model"
	"github.com/blueberrycongee/morc/pkg/loader"
)

// Environment describes the runtime the orchestrator is hosted in. It is
// constructed once at startup by the composition root and never sniffed
// from ambient globals.
type Environment struct {
	// Platform names the execution surface, e.g. "cpu", "cuda", "metal".
	Platform string
	// Runtime names the hosting context, e.g. "local", "container", "edge".
	Runtime string
	// MaxMemoryBytes is the memory ceiling the environment can offer a
	// single loaded model; engines may refuse to serve a format that can't
	// fit.
	MaxMemoryBytes int64
}

// Engine pairs a Loader with the formats it serves and a suitability
// predicate over an Environment, so the same Format can be backed by
// different Loader implementations depending on where the process runs
// (e.g. a GPU-accelerated gguf engine vs a CPU-only one).
type Engine struct {
	Name    string
	Formats []model.Format
	Loader  loader.Loader

	// Suitable reports whether this engine can serve in env. A nil
	// Suitable always returns true.
	Suitable func(env Environment) bool
}

func (e Engine) handles(format model.Format) bool {
	for _, f := range e.Formats {
		if f == format {
			return true
		}
	}
	return false
}

func (e Engine) suitableFor(env Environment) bool {
	if e.Suitable == nil {
		return true
	}
	return e.Suitable(env)
}

// Selector resolves a model.Format to the best registered Engine for the
// current Environment. Registration happens once at startup; selection is
// read-only and safe for concurrent use.
type Selector struct {
	mu      sync.RWMutex
	env     Environment
	engines []Engine
}

// NewSelector constructs a Selector bound to env. Engines are added via
// Register at startup rather than discovered dynamically.
func NewSelector(env Environment) *Selector {
	return &Selector{env: env}
}

// Register adds an engine to the selector's candidate list. Later
// registrations take priority on ties, so a host can override a builtin
// engine by registering its own after it.
func (s *Selector) Register(e Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engines = append(s.engines, e)
}

// Environment returns the descriptor the selector was constructed with.
func (s *Selector) Environment() Environment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.env
}

// Select returns the best engine for format under the current environment.
// When multiple registered engines handle the format and are suitable, the
// most-recently-registered one wins.
func (s *Selector) Select(format model.Format) (Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []Engine
	for _, e := range s.engines {
		if e.handles(format) && e.suitableFor(s.env) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return Engine{}, fmt.Errorf("engine: no registered engine serves format %q in environment %q/%q", format, s.env.Platform, s.env.Runtime)
	}
	// candidates preserves registration order; the last registered wins ties.
	return candidates[len(candidates)-1], nil
}

// Engines returns the registered engines that are suitable for the
// current environment, in registration order. Used by the composition
// root to probe an unknown source format across loaders.
func (s *Selector) Engines() []Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Engine, 0, len(s.engines))
	for _, e := range s.engines {
		if e.suitableFor(s.env) {
			out = append(out, e)
		}
	}
	return out
}

// List returns the names of all registered engines, for Status() reporting.
func (s *Selector) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.engines))
	for i, e := range s.engines {
		names[i] = e.Name
	}
	return names
}
