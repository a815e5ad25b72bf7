// Package model holds the core domain types shared by the Registry, Router,
// Dispatcher, and resilience layer: the things that flow between components
// keyed by model id rather than through owning pointers, so no component
// holds a long-lived reference into another.
package model

import (
	"sync"
	"time"
)

// Format identifies the on-disk/wire representation a Loader understands.
type Format string

const (
	FormatGGUF        Format = "gguf"
	FormatONNX        Format = "onnx"
	FormatSafetensors Format = "safetensors"
	FormatHuggingFace Format = "huggingface"
	FormatBinary      Format = "binary"
	FormatPyTorch     Format = "pytorch"
	FormatTFJS        Format = "tfjs"
	FormatSimple      Format = "simple"
	FormatMock        Format = "mock"
	FormatCustom      Format = "custom"
)

// Status is a Model's lifecycle state. Transitions are monotonic except
// Failed<->Loaded via recovery.
type Status string

const (
	StatusRegistered  Status = "registered"
	StatusLoading     Status = "loading"
	StatusLoaded      Status = "loaded"
	StatusUnloading   Status = "unloading"
	StatusFailed      Status = "failed"
	StatusQuarantined Status = "quarantined"
)

// CircuitState is the per-model availability gate driven by rolling health.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Metadata is the declared, mostly-static descriptive information about a model.
type Metadata struct {
	SizeBytes      int64
	Quantization   string
	Architecture   string
	Capabilities   []string
	CostPerToken   float64
	LatencyClass   float64 // lower is better; normalized scoring input
	QualityScore   float64 // higher is better; normalized scoring input
}

// Parameters are the inference defaults a Model was registered with.
type Parameters struct {
	ContextLength      int
	DefaultTemperature float64
	DefaultMaxTokens   int
}

// Handle is the opaque, loader-owned reference to an initialized backend.
// Only the Loader that produced it may dereference its concrete type.
type Handle interface{}

// Model is a registered inference unit. The Registry owns the authoritative
// copy; Router and Dispatcher hold only the id and must re-fetch from the
// Registry after any suspension point.
type Model struct {
	mu sync.RWMutex

	ID       string
	Name     string
	Format   Format
	Source   string
	status   Status
	Metadata Metadata
	Params   Parameters

	lastUsed   time.Time
	errorCount int
	handle     Handle

	// CurrentLoad is the count of active inferences against this model,
	// maintained by the Dispatcher via IncLoad/DecLoad.
	currentLoad int64
}

// NewModel constructs a Model in the Registered state.
func NewModel(id, name string, format Format, source string, md Metadata, params Parameters) *Model {
	return &Model{
		ID:       id,
		Name:     name,
		Format:   format,
		Source:   source,
		status:   StatusRegistered,
		Metadata: md,
		Params:   params,
		lastUsed: time.Time{},
	}
}

// Status returns the current lifecycle status.
func (m *Model) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// SetStatus transitions the model's status. Callers (Registry) are
// responsible for enforcing the monotonicity invariant; this setter is a
// mechanical field update guarded by the model's own lock.
func (m *Model) SetStatus(s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = s
}

// Handle returns the loader-owned backend handle. Only non-nil when status
// is Loaded or Unloading.
func (m *Model) Handle() Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handle
}

// SetHandle attaches or clears the backend handle.
func (m *Model) SetHandle(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handle = h
}

// TouchLastUsed records the current time as the last-used timestamp.
func (m *Model) TouchLastUsed(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUsed = t
}

// LastUsed returns the last-used timestamp.
func (m *Model) LastUsed() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastUsed
}

// IncrementErrorCount bumps the error counter by one and returns the new value.
func (m *Model) IncrementErrorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCount++
	return m.errorCount
}

// ErrorCount returns the current error counter.
func (m *Model) ErrorCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errorCount
}

// IncLoad/DecLoad track active-inference concurrency for the current_load
// scoring feature.
func (m *Model) IncLoad() { m.mu.Lock(); m.currentLoad++; m.mu.Unlock() }
func (m *Model) DecLoad() {
	m.mu.Lock()
	if m.currentLoad > 0 {
		m.currentLoad--
	}
	m.mu.Unlock()
}

// CurrentLoad returns the active-inference count.
func (m *Model) CurrentLoad() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLoad
}

// HasCapability reports whether the model declares the given capability tag.
func (m *Model) HasCapability(tag string) bool {
	for _, c := range m.Metadata.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Summary is the read-only projection returned by Orchestrator.ListModels
// and Load, deliberately excluding the opaque Handle.
type Summary struct {
	ID         string
	Name       string
	Format     Format
	Source     string
	Status     Status
	Metadata   Metadata
	Params     Parameters
	LastUsed   time.Time
	ErrorCount int
	Circuit    CircuitState
}

// ToSummary snapshots the model's public fields.
func (m *Model) ToSummary(circuit CircuitState) Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Summary{
		ID:         m.ID,
		Name:       m.Name,
		Format:     m.Format,
		Source:     m.Source,
		Status:     m.status,
		Metadata:   m.Metadata,
		Params:     m.Params,
		LastUsed:   m.lastUsed,
		ErrorCount: m.errorCount,
		Circuit:    circuit,
	}
}
