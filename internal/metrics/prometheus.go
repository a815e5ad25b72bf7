// Package metrics exposes Prometheus counters for the orchestration
// core's event stream, so an operator gets dashboards without a transport
// layer existing yet: every event type published on the bus, except
// ShutdownInitiated and ShutdownComplete, increments a counter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "morc"

// DurationBuckets defines histogram buckets for inference latency (seconds).
var DurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0, 300.0,
}

var (
	// ModelsAdded counts model registrations by format.
	ModelsAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "models_added_total",
			Help:      "Total models registered",
		},
		[]string{"format"},
	)

	// ModelsRemoved counts model removals.
	ModelsRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "models_removed_total",
			Help:      "Total models unregistered",
		},
	)

	// ModelStatusChanges counts lifecycle transitions by new state.
	ModelStatusChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_status_changes_total",
			Help:      "Total model status transitions",
		},
		[]string{"new_state"},
	)

	// RoutesDecided counts routing decisions by strategy and cache hit.
	RoutesDecided = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routes_decided_total",
			Help:      "Total routing decisions",
		},
		[]string{"strategy", "cache_hit"},
	)

	// InferencesStarted counts inference attempts by model.
	InferencesStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inferences_started_total",
			Help:      "Total inference attempts",
		},
		[]string{"model"},
	)

	// InferencesCompleted counts successful inferences by model.
	InferencesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inferences_completed_total",
			Help:      "Total successful inferences",
		},
		[]string{"model"},
	)

	// InferencesFailed counts failed inference attempts by model and kind.
	InferencesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inferences_failed_total",
			Help:      "Total failed inference attempts",
		},
		[]string{"model", "kind"},
	)

	// InferenceDuration tracks successful inference latency by model.
	InferenceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Inference latency",
			Buckets:   DurationBuckets,
		},
		[]string{"model"},
	)

	// CircuitTransitions counts breaker transitions by direction.
	CircuitTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Total circuit breaker transitions",
		},
		[]string{"model", "to"},
	)

	// CacheOps counts response-cache hits and misses; hits carry the tier.
	CacheOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_ops_total",
			Help:      "Total cache lookups by outcome",
		},
		[]string{"outcome", "tier"},
	)

	// MemoryPressureEvents counts pressure signals from the memory manager.
	MemoryPressureEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_pressure_events_total",
			Help:      "Total memory pressure events",
		},
	)

	// HealingActions counts autonomic actions by kind.
	HealingActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "healing_actions_total",
			Help:      "Total self-healing actions",
		},
		[]string{"action"},
	)
)
