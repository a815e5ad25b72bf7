package model

import "time"

// FinishReason is the terminal classification of an InferenceResult.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
	FinishCancelled FinishReason = "cancelled"
)

// TokenCounts records prompt/completion/total usage for cost and reporting.
type TokenCounts struct {
	Prompt     int
	Completion int
	Total      int
}

// RouteDecision is the Router's output: a chosen model plus an ordered
// fallback list.
type RouteDecision struct {
	ModelID      string
	Score        float64
	FallbackList []string
	Strategy     string
	CacheHit     bool
	ReasoningTag string
}

// InferenceResult is the Dispatcher's output for a non-streaming request.
type InferenceResult struct {
	Text         string
	Tokens       TokenCounts
	FinishReason FinishReason
	ModelUsed    string
	Duration     time.Duration
	CostEstimate float64
	FallbackDepth int
	CacheHit     bool
}
