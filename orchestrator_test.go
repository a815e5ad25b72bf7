package morc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/morc/internal/config"
	"github.com/blueberrycongee/morc/internal/engine"
	"github.com/blueberrycongee/morc/internal/events"
	"github.com/blueberrycongee/morc/internal/loader"
	"github.com/blueberrycongee/morc/internal/model"
	pkgerrors "github.com/blueberrycongee/morc/pkg/errors"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Cache.L2Path = filepath.Join(t.TempDir(), "l2")
	cfg.Persistence.ManifestPath = filepath.Join(t.TempDir(), "manifest.json")
	cfg.Persistence.ErrorLogPath = filepath.Join(t.TempDir(), "errors.jsonl")
	cfg.Logging.Level = "error"
	return cfg
}

func newOrchestrator(t *testing.T, cfg *config.Config) *Orchestrator {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	o, err := New(cfg)
	require.NoError(t, err)
	o.RegisterEngine(engine.Engine{
		Name:    "mock",
		Formats: []model.Format{model.FormatMock},
		Loader:  &loader.MockLoader{},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

func TestLoadInvokeHappyPath(t *testing.T) {
	o := newOrchestrator(t, nil)

	sum, err := o.Load(context.Background(), LoadSpec{Source: "mock:demo", ID: "m-mock"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusLoaded, sum.Status)
	assert.Equal(t, model.FormatMock, sum.Format)

	res, err := o.Invoke(context.Background(), &model.Request{
		Prompt:      "abc",
		Constraints: model.Constraints{MaxTokens: 10, Temperature: 0.7},
	})
	require.NoError(t, err)
	assert.Equal(t, "cba", res.Text)
	assert.Equal(t, "m-mock", res.ModelUsed)
	assert.Zero(t, res.FallbackDepth)
	assert.Equal(t, model.FinishStop, res.FinishReason)
}

func TestLoadProbesFormat(t *testing.T) {
	o := newOrchestrator(t, nil)

	sum, err := o.Load(context.Background(), LoadSpec{Source: "mock:probe-me"})
	require.NoError(t, err)
	assert.Equal(t, model.FormatMock, sum.Format)
	assert.NotEmpty(t, sum.ID)
}

func TestLoadUnknownSourceFails(t *testing.T) {
	o := newOrchestrator(t, nil)
	_, err := o.Load(context.Background(), LoadSpec{Source: "gguf:/models/unknown.gguf"})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.KindBadRequest, pkgerrors.KindOf(err))
}

func TestLoadThenUnloadRoundTrip(t *testing.T) {
	o := newOrchestrator(t, nil)

	usedBefore, _ := o.memory.Usage()
	countBefore := len(o.ListModels(nil))

	_, err := o.Load(context.Background(), LoadSpec{
		Source:   "mock:rt",
		ID:       "m-rt",
		Metadata: model.Metadata{SizeBytes: 100},
	})
	require.NoError(t, err)

	ok, err := o.Unload(context.Background(), "m-rt")
	require.NoError(t, err)
	assert.True(t, ok)

	usedAfter, _ := o.memory.Usage()
	assert.Equal(t, usedBefore, usedAfter)
	assert.Equal(t, countBefore, len(o.ListModels(nil)))
}

func TestRegisterUnregisterEmitsPairedEvents(t *testing.T) {
	o := newOrchestrator(t, nil)
	ch, unsub := o.Events().Subscribe()
	defer unsub()

	_, err := o.Load(context.Background(), LoadSpec{Source: "mock:ev", ID: "m-ev"})
	require.NoError(t, err)
	_, err = o.Unload(context.Background(), "m-ev")
	require.NoError(t, err)

	added, removed := 0, 0
	deadline := time.After(2 * time.Second)
	for removed == 0 {
		select {
		case ev := <-ch:
			switch p := ev.Payload.(type) {
			case events.ModelAddedPayload:
				if p.ModelID == "m-ev" {
					added++
				}
			case events.ModelRemovedPayload:
				if p.ModelID == "m-ev" {
					removed++
				}
			}
		case <-deadline:
			t.Fatal("missing lifecycle events")
		}
	}
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, removed)
}

func TestMemoryEvictionScenario(t *testing.T) {
	cfg := testConfig(t)
	cfg.Memory.MaxBytes = 100
	o := newOrchestrator(t, cfg)
	ctx := context.Background()

	_, err := o.Load(ctx, LoadSpec{Source: "mock:big", ID: "m-big", Priority: 1, Metadata: model.Metadata{SizeBytes: 80}})
	require.NoError(t, err)
	_, err = o.Load(ctx, LoadSpec{Source: "mock:small", ID: "m-small", Priority: 5, Metadata: model.Metadata{SizeBytes: 15}})
	require.NoError(t, err)

	_, err = o.Load(ctx, LoadSpec{Source: "mock:new", ID: "m-new", Priority: 3, Metadata: model.Metadata{SizeBytes: 20}})
	require.NoError(t, err)

	used, _ := o.memory.Usage()
	assert.Equal(t, int64(35), used)

	big, ok := o.registry.Get("m-big")
	require.True(t, ok)
	assert.Equal(t, model.StatusRegistered, big.Status())
	assert.Nil(t, big.Handle())

	small, ok := o.registry.Get("m-small")
	require.True(t, ok)
	assert.Equal(t, model.StatusLoaded, small.Status())
}

func TestListModelsFilters(t *testing.T) {
	o := newOrchestrator(t, nil)
	ctx := context.Background()

	_, err := o.Load(ctx, LoadSpec{Source: "mock:a", ID: "m-a"})
	require.NoError(t, err)
	_, err = o.Load(ctx, LoadSpec{Source: "mock:b", ID: "m-b"})
	require.NoError(t, err)

	all := o.ListModels(nil)
	assert.Len(t, all, 2)

	loaded := o.ListModels(&ListFilter{Status: model.StatusLoaded})
	assert.Len(t, loaded, 2)

	none := o.ListModels(&ListFilter{Format: model.FormatONNX})
	assert.Empty(t, none)
}

func TestStreamEndToEnd(t *testing.T) {
	o := newOrchestrator(t, nil)
	_, err := o.Load(context.Background(), LoadSpec{Source: "mock:s", ID: "m-s"})
	require.NoError(t, err)

	ts, err := o.Stream(context.Background(), &model.Request{Prompt: "hi"})
	require.NoError(t, err)

	var text string
	for chunk := range ts.Chunks {
		if chunk.Terminal {
			require.NoError(t, chunk.Err)
			break
		}
		text += chunk.Text
	}
	assert.Equal(t, "ih", text)
}

func TestEnsembleVotingEndToEnd(t *testing.T) {
	o := newOrchestrator(t, nil)
	ctx := context.Background()

	for _, id := range []string{"m-1", "m-2", "m-3"} {
		_, err := o.Load(ctx, LoadSpec{Source: "mock:" + id, ID: id})
		require.NoError(t, err)
	}

	members := []model.EnsembleMember{
		{ModelID: "m-1", Weight: 1},
		{ModelID: "m-2", Weight: 1},
		{ModelID: "m-3", Weight: 1},
	}
	res, err := o.Ensemble(ctx, members, &model.Request{Prompt: "abc", Constraints: model.Constraints{Temperature: 0.5}})
	require.NoError(t, err)
	// Every mock member reverses identically, so voting is unanimous.
	assert.Equal(t, "cba", res.Text)
	assert.Equal(t, "ensemble:voting", res.ModelUsed)
}

func TestStatusReflectsState(t *testing.T) {
	o := newOrchestrator(t, nil)
	_, err := o.Load(context.Background(), LoadSpec{Source: "mock:st", ID: "m-st", Metadata: model.Metadata{SizeBytes: 10}})
	require.NoError(t, err)

	s := o.Status()
	assert.True(t, s.Ready)
	assert.Equal(t, 1, s.LoadedCount)
	assert.Contains(t, s.Engines, "mock")
	assert.Equal(t, int64(10), s.MemoryUsed)
}

func TestManifestPersistsAcrossRestart(t *testing.T) {
	manifestPath := filepath.Join(t.TempDir(), "manifest.json")

	cfg := testConfig(t)
	cfg.Persistence.ManifestPath = manifestPath
	first := newOrchestrator(t, cfg)
	_, err := first.Load(context.Background(), LoadSpec{Source: "mock:persist", ID: "m-persist"})
	require.NoError(t, err)

	// A second orchestrator over the same manifest reloads the model at
	// startup. (Unload during the first one's cleanup rewrites the
	// manifest, so snapshot the file by booting before cleanup runs.)
	cfg2 := testConfig(t)
	cfg2.Persistence.ManifestPath = manifestPath
	second, err := New(cfg2)
	require.NoError(t, err)
	second.RegisterEngine(engine.Engine{
		Name:    "mock",
		Formats: []model.Format{model.FormatMock},
		Loader:  &loader.MockLoader{},
	})
	require.NoError(t, second.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = second.Shutdown(ctx)
	}()

	models := second.ListModels(&ListFilter{Status: model.StatusLoaded})
	require.Len(t, models, 1)
	assert.Equal(t, "m-persist", models[0].ID)
}

func TestShutdownRejectsNewWork(t *testing.T) {
	o := newOrchestrator(t, nil)
	_, err := o.Load(context.Background(), LoadSpec{Source: "mock:sd", ID: "m-sd"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))

	_, err = o.Invoke(context.Background(), &model.Request{Prompt: "abc"})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.KindModelUnavailable, pkgerrors.KindOf(err))

	s := o.Status()
	assert.False(t, s.Ready)
	assert.Zero(t, s.LoadedCount)
}

func TestShutdownEmitsEvents(t *testing.T) {
	o := newOrchestrator(t, nil)
	ch, unsub := o.Events().Subscribe()
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))

	var sawInit, sawDone bool
	deadline := time.After(2 * time.Second)
	for !(sawInit && sawDone) {
		select {
		case ev := <-ch:
			switch ev.Type {
			case events.ShutdownInitiated:
				sawInit = true
			case events.ShutdownComplete:
				sawDone = true
			}
		case <-deadline:
			t.Fatalf("missing shutdown events: init=%v done=%v", sawInit, sawDone)
		}
	}
}

func TestClearCaches(t *testing.T) {
	o := newOrchestrator(t, nil)
	_, err := o.Load(context.Background(), LoadSpec{Source: "mock:cc", ID: "m-cc"})
	require.NoError(t, err)

	// Prime the route cache.
	_, err = o.Invoke(context.Background(), &model.Request{Prompt: "warm", Constraints: model.Constraints{Temperature: 0.5}})
	require.NoError(t, err)

	o.ClearCaches()
	assert.Zero(t, o.router.RouteCache().Len())
}
