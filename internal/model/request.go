package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// Message is one entry of a chat-style request's message sequence.
type Message struct {
	Role    string
	Content string
}

// Constraints bound the shape of the generated output.
type Constraints struct {
	MaxTokens     int
	Temperature   float64
	TopP          float64
	TopK          int
	StopSequences []string
	Timeout       time.Duration
}

// Requirements constrain which models are eligible candidates.
type Requirements struct {
	MinQuality          float64
	MaxLatencyClass     float64
	MaxCostPerToken     float64
	RequiredCapabilities []string
	PreferredFormats    []Format
	ExcludedModelIDs    []string
}

// Request is a single inference request submitted to the Orchestrator.
type Request struct {
	Prompt   string
	Messages []Message

	Constraints  Constraints
	Requirements Requirements

	// StrategyOverride, if non-empty, forces the Router to use a specific
	// strategy for this request instead of the configured default.
	StrategyOverride string

	// ExplicitModelID bypasses scoring entirely; the router only checks
	// circuit state.
	ExplicitModelID string

	Streaming bool

	// RequestID is propagated for logging/event correlation; generated by
	// the Orchestrator if empty.
	RequestID string

	// Ensemble, if non-empty, requests fan-out across the named members
	// instead of single-model routing.
	Ensemble []EnsembleMember
	EnsembleStrategy string
}

// EnsembleMember names one participant and its combination weight.
type EnsembleMember struct {
	ModelID string
	Weight  float64
}

// IsDeterministic reports whether the request is eligible for response
// caching and single-flight coalescing: only temperature-zero requests
// produce reproducible output.
func (r *Request) IsDeterministic() bool {
	return r.Constraints.Temperature == 0
}

// Fingerprint derives the deterministic cache/coalescing key for this
// request against a given model id; the route-cache key below additionally
// folds in strategy and candidate-set version.
func (r *Request) Fingerprint(modelID string) string {
	h := sha256.New()
	fmt.Fprintf(h, "prompt=%s\n", r.Prompt)
	for _, m := range r.Messages {
		fmt.Fprintf(h, "msg=%s:%s\n", m.Role, m.Content)
	}
	fmt.Fprintf(h, "maxTokens=%d temp=%g topP=%g topK=%d\n",
		r.Constraints.MaxTokens, r.Constraints.Temperature, r.Constraints.TopP, r.Constraints.TopK)
	stops := append([]string(nil), r.Constraints.StopSequences...)
	sort.Strings(stops)
	for _, s := range stops {
		fmt.Fprintf(h, "stop=%s\n", s)
	}
	fmt.Fprintf(h, "model=%s\n", modelID)
	return hex.EncodeToString(h.Sum(nil))
}

// RouteFingerprint derives the route-cache key: prompt shape + requirements
// + strategy + candidate-set-version.
func (r *Request) RouteFingerprint(strategy string, candidateSetVersion uint64) string {
	h := sha256.New()
	fmt.Fprintf(h, "prompt=%s\n", r.Prompt)
	fmt.Fprintf(h, "nmsg=%d\n", len(r.Messages))
	fmt.Fprintf(h, "minQuality=%g maxLatency=%g maxCost=%g\n",
		r.Requirements.MinQuality, r.Requirements.MaxLatencyClass, r.Requirements.MaxCostPerToken)
	caps := append([]string(nil), r.Requirements.RequiredCapabilities...)
	sort.Strings(caps)
	for _, c := range caps {
		fmt.Fprintf(h, "cap=%s\n", c)
	}
	excl := append([]string(nil), r.Requirements.ExcludedModelIDs...)
	sort.Strings(excl)
	for _, e := range excl {
		fmt.Fprintf(h, "excl=%s\n", e)
	}
	for _, f := range r.Requirements.PreferredFormats {
		fmt.Fprintf(h, "pref=%s\n", f)
	}
	fmt.Fprintf(h, "strategy=%s\n", strategy)
	fmt.Fprintf(h, "csv=%d\n", candidateSetVersion)
	return hex.EncodeToString(h.Sum(nil))
}
