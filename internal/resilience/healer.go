package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/blueberrycongee/morc/internal/events"
	"github.com/blueberrycongee/morc/internal/model"
	"github.com/blueberrycongee/morc/internal/observability"
	"github.com/blueberrycongee/morc/internal/registry"
)

// MemoryOptimizer is the slice of the memory manager the healer drives
// under pressure.
type MemoryOptimizer interface {
	Usage() (used, max int64)
	Optimize(ctx context.Context) error
}

// RouteCacheClearer invalidates cached routing decisions after the healer
// changes the candidate set.
type RouteCacheClearer interface {
	Clear()
}

// ModelReloader unloads and reloads one model; the orchestrator supplies
// it since only the composition root can reach the loaders.
type ModelReloader func(ctx context.Context, modelID string) error

// SelfHealingConfig tunes the monitor loop.
type SelfHealingConfig struct {
	// CheckInterval is the sampling period.
	CheckInterval time.Duration
	// OpenOnFailureRate force-opens a circuit whose rolling failure rate
	// exceeds this fraction.
	OpenOnFailureRate float64
	// MinSamples is the minimum observation count before the rate applies.
	MinSamples int64
	// MemoryPressureFraction of max usage above which Optimize is triggered.
	MemoryPressureFraction float64
	// ReloadQuarantined enables the unload-and-reload healing action.
	ReloadQuarantined bool
}

// DefaultSelfHealingConfig returns sensible defaults.
func DefaultSelfHealingConfig() SelfHealingConfig {
	return SelfHealingConfig{
		CheckInterval:          10 * time.Second,
		OpenOnFailureRate:      0.5,
		MinSamples:             10,
		MemoryPressureFraction: 0.9,
		ReloadQuarantined:      true,
	}
}

// SelfHealingMonitor periodically samples per-model health, drives circuit
// transitions the inline breaker cannot see (rolling failure rate over the
// latency window), and performs configured autonomic actions: reloading
// quarantined models, clearing the route cache when the candidate set
// moves, triggering memory optimization under pressure, and escalating to
// a process reload when failures span models.
type SelfHealingMonitor struct {
	config   SelfHealingConfig
	manager  *Manager
	registry *registry.Registry
	handler  *ErrorHandler
	bus      *events.Bus
	logger   *observability.Logger

	memory     MemoryOptimizer
	routeCache RouteCacheClearer
	reload     ModelReloader

	mu                sync.Mutex
	lastCandidateSetV uint64
	running           bool
	stop              chan struct{}
	done              chan struct{}
}

// NewSelfHealingMonitor wires the monitor. memory, routeCache, and reload
// are optional; a nil collaborator disables the corresponding action.
func NewSelfHealingMonitor(
	cfg SelfHealingConfig,
	mgr *Manager,
	reg *registry.Registry,
	handler *ErrorHandler,
	bus *events.Bus,
	logger *observability.Logger,
) *SelfHealingMonitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if cfg.OpenOnFailureRate <= 0 {
		cfg.OpenOnFailureRate = 0.5
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	if cfg.MemoryPressureFraction <= 0 {
		cfg.MemoryPressureFraction = 0.9
	}
	return &SelfHealingMonitor{
		config:   cfg,
		manager:  mgr,
		registry: reg,
		handler:  handler,
		bus:      bus,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetMemoryOptimizer attaches the memory manager.
func (s *SelfHealingMonitor) SetMemoryOptimizer(m MemoryOptimizer) { s.memory = m }

// SetRouteCacheClearer attaches the router's cache.
func (s *SelfHealingMonitor) SetRouteCacheClearer(c RouteCacheClearer) { s.routeCache = c }

// SetModelReloader attaches the reload action.
func (s *SelfHealingMonitor) SetModelReloader(fn ModelReloader) { s.reload = fn }

// Start launches the monitor loop. Idempotent.
func (s *SelfHealingMonitor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.loop(ctx)
}

// Stop terminates the loop and waits for it to exit.
func (s *SelfHealingMonitor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stop)
	<-s.done
}

func (s *SelfHealingMonitor) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one monitor pass. Exposed so tests can drive the monitor
// without waiting on the ticker.
func (s *SelfHealingMonitor) Tick(ctx context.Context) {
	snapshots := s.manager.Snapshots()

	openCount := 0
	for _, snap := range snapshots {
		total := snap.SuccessCount + snap.FailureCount
		if snap.Circuit == model.CircuitClosed &&
			total >= s.config.MinSamples &&
			snap.FailureRate() > s.config.OpenOnFailureRate {
			s.manager.Breaker(snap.ModelID).ForceOpen()
			s.publishHealing(snap.ModelID, "circuit_force_open")
		}
		if snap.Circuit == model.CircuitOpen {
			openCount++
		}
	}

	// Failures spanning every tracked model suggest a fault below the
	// per-model layer; hand the decision to the process supervisor.
	if len(snapshots) > 1 && openCount == len(snapshots) {
		s.handler.RaiseSignal(SignalReload)
		s.publishHealing("", "process_reload_requested")
	}

	s.healQuarantined(ctx)
	s.clearStaleRouteCache()
	s.relieveMemoryPressure(ctx)
}

func (s *SelfHealingMonitor) healQuarantined(ctx context.Context) {
	if !s.config.ReloadQuarantined || s.reload == nil {
		return
	}
	for _, m := range s.registry.All() {
		if m.Status() != model.StatusQuarantined {
			continue
		}
		id := m.ID
		s.publishHealing(id, "reload_quarantined")
		if err := s.reload(ctx, id); err != nil {
			if s.logger != nil {
				s.logger.Warn("quarantined model reload failed", "model_id", id, "error", err)
			}
			continue
		}
		s.manager.Breaker(id).Reset()
	}
}

func (s *SelfHealingMonitor) clearStaleRouteCache() {
	if s.routeCache == nil {
		return
	}
	v := s.registry.CandidateSetVersion()
	s.mu.Lock()
	changed := v != s.lastCandidateSetV
	s.lastCandidateSetV = v
	s.mu.Unlock()
	if changed {
		s.routeCache.Clear()
		s.publishHealing("", "route_cache_cleared")
	}
}

func (s *SelfHealingMonitor) relieveMemoryPressure(ctx context.Context) {
	if s.memory == nil {
		return
	}
	used, max := s.memory.Usage()
	if max <= 0 || float64(used) < float64(max)*s.config.MemoryPressureFraction {
		return
	}
	if s.bus != nil {
		s.bus.Publish(events.Event{Type: events.MemoryPressure, Payload: events.MemoryPressurePayload{UsedBytes: used, MaxBytes: max}})
	}
	if err := s.memory.Optimize(ctx); err != nil && s.logger != nil {
		s.logger.Warn("memory optimize failed", "error", err)
	}
	s.publishHealing("", "memory_optimize")
}

func (s *SelfHealingMonitor) publishHealing(modelID, action string) {
	if s.bus != nil {
		s.bus.Publish(events.Event{Type: events.HealingAction, Payload: events.HealingActionPayload{ModelID: modelID, Action: action}})
	}
	if s.logger != nil {
		s.logger.Info("healing action", "model_id", modelID, "action", action)
	}
}
