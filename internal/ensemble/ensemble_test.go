package ensemble

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/morc/internal/model"
	pkgerrors "github.com/blueberrycongee/morc/pkg/errors"
)

// scriptedInvoke returns canned answers per model id.
func scriptedInvoke(answers map[string]string, failures map[string]error) InvokeFn {
	return func(ctx context.Context, req *model.Request) (*model.InferenceResult, error) {
		if err, ok := failures[req.ExplicitModelID]; ok {
			return nil, err
		}
		text, ok := answers[req.ExplicitModelID]
		if !ok {
			return nil, pkgerrors.NewModelUnavailable(req.ExplicitModelID, "not scripted")
		}
		return &model.InferenceResult{
			Text:         text,
			ModelUsed:    req.ExplicitModelID,
			FinishReason: model.FinishStop,
			Tokens:       model.TokenCounts{Prompt: 1, Completion: 1},
		}, nil
	}
}

func members(ids ...string) []model.EnsembleMember {
	out := make([]model.EnsembleMember, len(ids))
	for i, id := range ids {
		out[i] = model.EnsembleMember{ModelID: id, Weight: 1}
	}
	return out
}

func TestVotingMajorityWins(t *testing.T) {
	e := New(scriptedInvoke(map[string]string{
		"m-1": "yes", "m-2": "yes", "m-3": "no",
	}, nil), nil)

	cfg := DefaultConfig()
	res, err := e.Run(context.Background(), members("m-1", "m-2", "m-3"), &model.Request{Prompt: "q"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "yes", res.Text)
	assert.Equal(t, "ensemble:voting", res.ModelUsed)
}

func TestVotingNormalizesAnswers(t *testing.T) {
	e := New(scriptedInvoke(map[string]string{
		"m-1": "  Yes ", "m-2": "yes", "m-3": "no",
	}, nil), nil)

	res, err := e.Run(context.Background(), members("m-1", "m-2", "m-3"), &model.Request{Prompt: "q"}, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "yes", normalizeAnswer(res.Text))
}

func TestVotingNoMajorityHighestWeight(t *testing.T) {
	e := New(scriptedInvoke(map[string]string{
		"m-1": "a", "m-2": "b", "m-3": "c",
	}, nil), nil)

	mem := []model.EnsembleMember{
		{ModelID: "m-1", Weight: 2},
		{ModelID: "m-2", Weight: 3},
		{ModelID: "m-3", Weight: 2},
	}
	res, err := e.Run(context.Background(), mem, &model.Request{Prompt: "q"}, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "b", res.Text)
}

func TestVotingNoMajorityFirstMemberTieBreak(t *testing.T) {
	e := New(scriptedInvoke(map[string]string{
		"m-1": "a", "m-2": "b", "m-3": "c",
	}, nil), nil)

	cfg := DefaultConfig()
	cfg.VotingTieBreak = TieBreakFirstMember
	res, err := e.Run(context.Background(), members("m-1", "m-2", "m-3"), &model.Request{Prompt: "q"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "a", res.Text)
}

func TestWeightedAverageScalars(t *testing.T) {
	e := New(scriptedInvoke(map[string]string{
		"m-1": "1.0", "m-2": "3.0",
	}, nil), nil)

	mem := []model.EnsembleMember{
		{ModelID: "m-1", Weight: 1},
		{ModelID: "m-2", Weight: 1},
	}
	cfg := DefaultConfig()
	cfg.Strategy = StrategyWeightedAverage
	res, err := e.Run(context.Background(), mem, &model.Request{Prompt: "q"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "2", res.Text)
}

func TestWeightedAverageVectors(t *testing.T) {
	e := New(scriptedInvoke(map[string]string{
		"m-1": "1,2,3", "m-2": "3,4,5",
	}, nil), nil)

	cfg := DefaultConfig()
	cfg.Strategy = StrategyWeightedAverage
	res, err := e.Run(context.Background(), members("m-1", "m-2"), &model.Request{Prompt: "q"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "2,3,4", res.Text)
}

func TestWeightedAverageRejectsMisalignedVectors(t *testing.T) {
	e := New(scriptedInvoke(map[string]string{
		"m-1": "1,2,3", "m-2": "3,4",
	}, nil), nil)

	cfg := DefaultConfig()
	cfg.Strategy = StrategyWeightedAverage
	_, err := e.Run(context.Background(), members("m-1", "m-2"), &model.Request{Prompt: "q"}, cfg)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.KindBadRequest, pkgerrors.KindOf(err))
}

func TestStackingRunsAggregator(t *testing.T) {
	var aggregatorPrompt atomic.Value
	invoke := func(ctx context.Context, req *model.Request) (*model.InferenceResult, error) {
		if req.ExplicitModelID == "m-agg" {
			aggregatorPrompt.Store(req.Prompt)
			return &model.InferenceResult{Text: "aggregated", FinishReason: model.FinishStop}, nil
		}
		return &model.InferenceResult{Text: "out-" + req.ExplicitModelID, FinishReason: model.FinishStop}, nil
	}
	e := New(invoke, nil)

	cfg := DefaultConfig()
	cfg.Strategy = StrategyStacking
	cfg.AggregatorModelID = "m-agg"
	res, err := e.Run(context.Background(), members("m-1", "m-2"), &model.Request{Prompt: "q"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "aggregated", res.Text)

	prompt, _ := aggregatorPrompt.Load().(string)
	assert.Contains(t, prompt, "out-m-1")
	assert.Contains(t, prompt, "out-m-2")
}

func TestStackingRequiresAggregator(t *testing.T) {
	e := New(scriptedInvoke(map[string]string{"m-1": "a"}, nil), nil)
	cfg := DefaultConfig()
	cfg.Strategy = StrategyStacking
	_, err := e.Run(context.Background(), members("m-1"), &model.Request{Prompt: "q"}, cfg)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.KindBadRequest, pkgerrors.KindOf(err))
}

func TestBoostingChainsContext(t *testing.T) {
	var prompts []string
	invoke := func(ctx context.Context, req *model.Request) (*model.InferenceResult, error) {
		prompts = append(prompts, req.Prompt)
		return &model.InferenceResult{Text: "out-" + req.ExplicitModelID, FinishReason: model.FinishStop}, nil
	}
	e := New(invoke, nil)

	cfg := DefaultConfig()
	cfg.Strategy = StrategyBoosting
	res, err := e.Run(context.Background(), members("m-1", "m-2"), &model.Request{Prompt: "q"}, cfg)
	require.NoError(t, err)

	assert.Equal(t, "out-m-2", res.Text)
	require.Len(t, prompts, 2)
	assert.Equal(t, "q", prompts[0])
	assert.Contains(t, prompts[1], "out-m-1")
}

func TestMixtureOfExpertsSelectsTopWeights(t *testing.T) {
	var mu sync.Mutex
	var called []string
	invoke := func(ctx context.Context, req *model.Request) (*model.InferenceResult, error) {
		mu.Lock()
		called = append(called, req.ExplicitModelID)
		mu.Unlock()
		return &model.InferenceResult{Text: "same", FinishReason: model.FinishStop}, nil
	}
	e := New(invoke, nil)

	mem := []model.EnsembleMember{
		{ModelID: "m-small", Weight: 1},
		{ModelID: "m-big", Weight: 5},
		{ModelID: "m-mid", Weight: 3},
	}
	cfg := DefaultConfig()
	cfg.Strategy = StrategyMixtureOfExperts
	cfg.ExpertCount = 2
	res, err := e.Run(context.Background(), mem, &model.Request{Prompt: "q"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "same", res.Text)

	assert.ElementsMatch(t, []string{"m-big", "m-mid"}, called)
}

func TestMemberFailureExcludedWithinThreshold(t *testing.T) {
	e := New(scriptedInvoke(
		map[string]string{"m-1": "yes", "m-2": "yes"},
		map[string]error{"m-3": pkgerrors.NewTimeout("m-3", "slow")},
	), nil)

	res, err := e.Run(context.Background(), members("m-1", "m-2", "m-3"), &model.Request{Prompt: "q"}, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "yes", res.Text)
}

func TestEnsembleFailsBelowWeightThreshold(t *testing.T) {
	e := New(scriptedInvoke(
		map[string]string{"m-1": "yes"},
		map[string]error{
			"m-2": pkgerrors.NewTimeout("m-2", "slow"),
			"m-3": pkgerrors.NewTimeout("m-3", "slow"),
		},
	), nil)

	_, err := e.Run(context.Background(), members("m-1", "m-2", "m-3"), &model.Request{Prompt: "q"}, DefaultConfig())
	require.Error(t, err)
	assert.Equal(t, pkgerrors.KindInferenceFailure, pkgerrors.KindOf(err))
}

func TestMemberTimeoutEnforced(t *testing.T) {
	invoke := func(ctx context.Context, req *model.Request) (*model.InferenceResult, error) {
		select {
		case <-time.After(200 * time.Millisecond):
			return &model.InferenceResult{Text: "late"}, nil
		case <-ctx.Done():
			return nil, pkgerrors.NewTimeout(req.ExplicitModelID, "member timeout")
		}
	}
	e := New(invoke, nil)

	cfg := DefaultConfig()
	cfg.MemberTimeout = 20 * time.Millisecond
	cfg.MinEffectiveWeight = 0.9
	_, err := e.Run(context.Background(), members("m-1"), &model.Request{Prompt: "q"}, cfg)
	require.Error(t, err)
}

func TestEmptyMembersIsBadRequest(t *testing.T) {
	e := New(scriptedInvoke(nil, nil), nil)
	_, err := e.Run(context.Background(), nil, &model.Request{Prompt: "q"}, DefaultConfig())
	assert.Equal(t, pkgerrors.KindBadRequest, pkgerrors.KindOf(err))
}

func TestEnsembleAggregatesUsage(t *testing.T) {
	e := New(scriptedInvoke(map[string]string{"m-1": "yes", "m-2": "yes"}, nil), nil)
	res, err := e.Run(context.Background(), members("m-1", "m-2"), &model.Request{Prompt: "q"}, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Tokens.Total)
}
