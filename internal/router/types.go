// Package router selects a model for each request. Strategies
// rank the candidate set filtered by the request's requirements; the
// winner plus an ordered fallback list form the RouteDecision the
// dispatcher executes and falls back along.
package router

import (
	"time"

	"github.com/blueberrycongee/morc/internal/model"
)

// Strategy names a routing strategy.
type Strategy string

const (
	// StrategyQualityFirst maximizes declared quality score.
	StrategyQualityFirst Strategy = "quality-first"

	// StrategyCostOptimized minimizes cost per token among candidates
	// meeting the request's quality floor.
	StrategyCostOptimized Strategy = "cost-optimized"

	// StrategySpeedPriority minimizes latency class.
	StrategySpeedPriority Strategy = "speed-priority"

	// StrategyBalanced ranks by an equal-weight sum of normalized features.
	StrategyBalanced Strategy = "balanced"

	// StrategyRandom selects uniformly over candidates.
	StrategyRandom Strategy = "random"

	// StrategyRoundRobin cycles through candidates in stable id order.
	StrategyRoundRobin Strategy = "round-robin"

	// StrategyLeastLoaded minimizes active inferences over capacity.
	StrategyLeastLoaded Strategy = "least-loaded"
)

// Config contains router configuration options.
type Config struct {
	DefaultStrategy Strategy
	// FallbackDepth caps the fallback list length.
	FallbackDepth int
	// RouteCacheTTL bounds decision reuse (default 60 s).
	RouteCacheTTL time.Duration
}

// DefaultConfig returns sensible default router configuration.
func DefaultConfig() Config {
	return Config{
		DefaultStrategy: StrategyBalanced,
		FallbackDepth:   3,
		RouteCacheTTL:   60 * time.Second,
	}
}

// candidate pairs a model with its scoring features for one selection
// round. Rankers only see candidates; registry access stays in the router.
type candidate struct {
	m        *model.Model
	health   model.Snapshot
	features features
}

// features are the per-model scoring inputs.
type features struct {
	quality      float64 // higher is better
	latencyClass float64 // lower is better
	costPerToken float64 // lower is better
	currentLoad  float64 // active / capacity, lower is better
	failureRate  float64 // lower is better
	capability   float64 // 1 if all required capabilities present
	formatPrefer float64 // 1 if the model's format is preferred
}

// ranker orders candidates best-first. Implementations must not mutate
// the input slice's candidates, only reorder their own copy.
type ranker interface {
	Name() Strategy
	Rank(cands []*candidate) []*candidate
}
