// Package ensemble combines outputs from multiple models.
// Members execute in parallel by default; sequential strategies (boosting)
// chain outputs instead. A failing member is logged and excluded unless
// the surviving weight drops below the configured threshold, in which
// case the whole ensemble fails.
package ensemble

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blueberrycongee/morc/internal/model"
	"github.com/blueberrycongee/morc/internal/observability"
	pkgerrors "github.com/blueberrycongee/morc/pkg/errors"
)

// Strategy names an ensemble combination strategy.
type Strategy string

const (
	// StrategyWeightedAverage averages numeric member outputs by weight;
	// vector outputs must be aligned element-for-element.
	StrategyWeightedAverage Strategy = "weighted-average"

	// StrategyVoting picks the answer a weighted majority of members
	// produced, compared by normalized text equality.
	StrategyVoting Strategy = "voting"

	// StrategyStacking concatenates member outputs and runs a designated
	// aggregator model over them.
	StrategyStacking Strategy = "stacking"

	// StrategyBoosting runs members sequentially, each seeing the prior
	// output as additional context.
	StrategyBoosting Strategy = "boosting"

	// StrategyMixtureOfExperts routes each request to a weight-ranked
	// subset of members and combines that subset by voting.
	StrategyMixtureOfExperts Strategy = "mixture-of-experts"
)

// TieBreak selects the voting winner when no majority exists. The source
// left this unspecified; it is configurable here with highest-weight as
// the default.
type TieBreak string

const (
	// TieBreakHighestWeight picks the answer with the largest summed
	// member weight.
	TieBreakHighestWeight TieBreak = "highest-weight"

	// TieBreakFirstMember picks the answer of the earliest listed member.
	TieBreakFirstMember TieBreak = "first-member"
)

// Config tunes one ensemble execution.
type Config struct {
	Strategy Strategy
	// MemberTimeout bounds each member's inference.
	MemberTimeout time.Duration
	// MinEffectiveWeight is the fraction of total weight that must succeed
	// for the ensemble to produce a result (default 0.5).
	MinEffectiveWeight float64
	// VotingTieBreak applies when voting finds no majority.
	VotingTieBreak TieBreak
	// AggregatorModelID is the stacking aggregator; required for stacking.
	AggregatorModelID string
	// ExpertCount is the mixture-of-experts subset size (default 2).
	ExpertCount int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:           StrategyVoting,
		MemberTimeout:      30 * time.Second,
		MinEffectiveWeight: 0.5,
		VotingTieBreak:     TieBreakHighestWeight,
		ExpertCount:        2,
	}
}

// InvokeFn runs one request against one explicit model; the dispatcher's
// Invoke satisfies it at the composition root, keeping this package free
// of a dispatcher dependency.
type InvokeFn func(ctx context.Context, req *model.Request) (*model.InferenceResult, error)

// Ensemble fans requests out across members and combines the results.
type Ensemble struct {
	invoke InvokeFn
	logger *observability.Logger
}

// New constructs an Ensemble over the given invoke function.
func New(invoke InvokeFn, logger *observability.Logger) *Ensemble {
	return &Ensemble{invoke: invoke, logger: logger}
}

// memberResult pairs a member with its completed inference.
type memberResult struct {
	member model.EnsembleMember
	result *model.InferenceResult
}

// Run executes the ensemble and combines member outputs per cfg.Strategy.
func (e *Ensemble) Run(ctx context.Context, members []model.EnsembleMember, req *model.Request, cfg Config) (*model.InferenceResult, error) {
	if len(members) == 0 {
		return nil, pkgerrors.NewBadRequest("", "ensemble: no members")
	}
	if cfg.MinEffectiveWeight <= 0 {
		cfg.MinEffectiveWeight = 0.5
	}
	if cfg.VotingTieBreak == "" {
		cfg.VotingTieBreak = TieBreakHighestWeight
	}

	start := time.Now()

	var (
		results []memberResult
		err     error
	)
	switch cfg.Strategy {
	case StrategyBoosting:
		results, err = e.runSequential(ctx, members, req, cfg)
	case StrategyMixtureOfExperts:
		subset := topByWeight(members, cfg.ExpertCount)
		results, err = e.runParallel(ctx, subset, req, cfg)
	default:
		results, err = e.runParallel(ctx, members, req, cfg)
	}
	if err != nil {
		return nil, err
	}

	var combined *model.InferenceResult
	switch cfg.Strategy {
	case StrategyWeightedAverage:
		combined, err = combineWeightedAverage(results)
	case StrategyVoting, StrategyMixtureOfExperts:
		combined, err = combineVoting(results, cfg.VotingTieBreak)
	case StrategyStacking:
		combined, err = e.combineStacking(ctx, results, req, cfg)
	case StrategyBoosting:
		combined, err = combineBoosting(results)
	default:
		return nil, pkgerrors.NewBadRequest("", "ensemble: unknown strategy "+string(cfg.Strategy))
	}
	if err != nil {
		return nil, err
	}

	combined.Duration = time.Since(start)
	combined.ModelUsed = "ensemble:" + string(cfg.Strategy)
	for _, r := range results {
		combined.Tokens.Prompt += r.result.Tokens.Prompt
		combined.Tokens.Completion += r.result.Tokens.Completion
		combined.CostEstimate += r.result.CostEstimate
	}
	combined.Tokens.Total = combined.Tokens.Prompt + combined.Tokens.Completion
	if combined.FinishReason == "" {
		combined.FinishReason = model.FinishStop
	}
	return combined, nil
}

// runParallel fans members out concurrently, each under its own timeout,
// and enforces the effective-weight threshold over the survivors.
func (e *Ensemble) runParallel(ctx context.Context, members []model.EnsembleMember, req *model.Request, cfg Config) ([]memberResult, error) {
	var mu sync.Mutex
	results := make([]memberResult, 0, len(members))

	g, gctx := errgroup.WithContext(ctx)
	for _, member := range members {
		member := member
		g.Go(func() error {
			res, err := e.invokeMember(gctx, member, req, cfg, req.Prompt)
			if err != nil {
				// A failing member is excluded, not fatal; the weight
				// threshold below decides whether the ensemble survives.
				if e.logger != nil {
					e.logger.Warn("ensemble member failed", "model_id", member.ModelID, "error", err)
				}
				return nil
			}
			mu.Lock()
			results = append(results, memberResult{member: member, result: res})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := checkEffectiveWeight(members, results, cfg.MinEffectiveWeight); err != nil {
		return nil, err
	}
	// Restore listing order for deterministic combination.
	sort.SliceStable(results, func(i, j int) bool {
		return memberIndex(members, results[i].member.ModelID) < memberIndex(members, results[j].member.ModelID)
	})
	return results, nil
}

// runSequential implements boosting: each member sees the prior member's
// output as additional context.
func (e *Ensemble) runSequential(ctx context.Context, members []model.EnsembleMember, req *model.Request, cfg Config) ([]memberResult, error) {
	results := make([]memberResult, 0, len(members))
	prompt := req.Prompt
	for _, member := range members {
		res, err := e.invokeMember(ctx, member, req, cfg, prompt)
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("ensemble member failed", "model_id", member.ModelID, "error", err)
			}
			continue
		}
		results = append(results, memberResult{member: member, result: res})
		prompt = prompt + "\n" + res.Text
	}
	if err := checkEffectiveWeight(members, results, cfg.MinEffectiveWeight); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Ensemble) invokeMember(ctx context.Context, member model.EnsembleMember, req *model.Request, cfg Config, prompt string) (*model.InferenceResult, error) {
	mctx := ctx
	if cfg.MemberTimeout > 0 {
		var cancel context.CancelFunc
		mctx, cancel = context.WithTimeout(ctx, cfg.MemberTimeout)
		defer cancel()
	}
	mreq := *req
	mreq.Prompt = prompt
	mreq.ExplicitModelID = member.ModelID
	mreq.Ensemble = nil
	mreq.EnsembleStrategy = ""
	mreq.Streaming = false
	return e.invoke(mctx, &mreq)
}

// combineStacking concatenates member outputs and runs the aggregator.
func (e *Ensemble) combineStacking(ctx context.Context, results []memberResult, req *model.Request, cfg Config) (*model.InferenceResult, error) {
	if cfg.AggregatorModelID == "" {
		return nil, pkgerrors.NewBadRequest("", "ensemble: stacking requires an aggregator model")
	}
	var sb strings.Builder
	sb.WriteString(req.Prompt)
	sb.WriteString("\n")
	for _, r := range results {
		sb.WriteString(r.result.Text)
		sb.WriteString("\n")
	}
	agg := model.EnsembleMember{ModelID: cfg.AggregatorModelID, Weight: 1}
	res, err := e.invokeMember(ctx, agg, req, cfg, sb.String())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindInferenceFailure, cfg.AggregatorModelID, "ensemble aggregator failed", err)
	}
	out := *res
	return &out, nil
}

// combineWeightedAverage parses member outputs as scalars or aligned
// comma-separated vectors and averages them by weight.
func combineWeightedAverage(results []memberResult) (*model.InferenceResult, error) {
	var vectors [][]float64
	var weights []float64
	width := -1
	for _, r := range results {
		vec, err := parseVector(r.result.Text)
		if err != nil {
			return nil, pkgerrors.NewBadRequest(r.member.ModelID, "ensemble: member output is not numeric")
		}
		if width == -1 {
			width = len(vec)
		} else if len(vec) != width {
			return nil, pkgerrors.NewBadRequest(r.member.ModelID, "ensemble: member output widths are not aligned")
		}
		vectors = append(vectors, vec)
		weights = append(weights, r.member.Weight)
	}

	var totalWeight float64
	for _, w := range weights {
		totalWeight += w
	}
	if totalWeight == 0 {
		totalWeight = float64(len(weights))
		for i := range weights {
			weights[i] = 1
		}
	}

	avg := make([]float64, width)
	for i, vec := range vectors {
		for j, v := range vec {
			avg[j] += v * weights[i] / totalWeight
		}
	}

	parts := make([]string, width)
	for i, v := range avg {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return &model.InferenceResult{Text: strings.Join(parts, ","), FinishReason: model.FinishStop}, nil
}

// combineVoting groups answers by normalized text and picks the weighted
// majority; ties fall to the configured tie-break.
func combineVoting(results []memberResult, tieBreak TieBreak) (*model.InferenceResult, error) {
	type bucket struct {
		text   string
		weight float64
		first  int
	}
	buckets := make(map[string]*bucket)
	var totalWeight float64
	for i, r := range results {
		w := r.member.Weight
		if w == 0 {
			w = 1
		}
		totalWeight += w
		key := normalizeAnswer(r.result.Text)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{text: r.result.Text, first: i}
			buckets[key] = b
		}
		b.weight += w
	}

	var winner *bucket
	for _, b := range buckets {
		if b.weight > totalWeight/2 {
			winner = b
			break
		}
	}
	if winner == nil {
		// No majority; apply the tie-break.
		for _, b := range buckets {
			switch {
			case winner == nil:
				winner = b
			case tieBreak == TieBreakFirstMember && b.first < winner.first:
				winner = b
			case tieBreak != TieBreakFirstMember && (b.weight > winner.weight || (b.weight == winner.weight && b.first < winner.first)):
				winner = b
			}
		}
	}
	return &model.InferenceResult{Text: winner.text, FinishReason: model.FinishStop}, nil
}

// combineBoosting returns the final member's output, the chain's product.
func combineBoosting(results []memberResult) (*model.InferenceResult, error) {
	last := results[len(results)-1]
	out := *last.result
	return &out, nil
}

func checkEffectiveWeight(members []model.EnsembleMember, results []memberResult, minFraction float64) error {
	var total, surviving float64
	for _, m := range members {
		w := m.Weight
		if w == 0 {
			w = 1
		}
		total += w
	}
	for _, r := range results {
		w := r.member.Weight
		if w == 0 {
			w = 1
		}
		surviving += w
	}
	if total == 0 || surviving < total*minFraction {
		return pkgerrors.New(pkgerrors.KindInferenceFailure, "",
			fmt.Sprintf("ensemble: surviving weight %.2f below threshold %.2f", surviving, total*minFraction))
	}
	return nil
}

func topByWeight(members []model.EnsembleMember, k int) []model.EnsembleMember {
	if k <= 0 {
		k = 2
	}
	out := make([]model.EnsembleMember, len(members))
	copy(out, members)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Weight > out[j].Weight })
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func memberIndex(members []model.EnsembleMember, id string) int {
	for i, m := range members {
		if m.ModelID == id {
			return i
		}
	}
	return len(members)
}

func parseVector(s string) ([]float64, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	vec := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		vec = append(vec, v)
	}
	return vec, nil
}

func normalizeAnswer(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
