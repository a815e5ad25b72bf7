package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/morc/internal/events"
	"github.com/blueberrycongee/morc/internal/model"
)

func newTestModel(id string, caps ...string) *model.Model {
	return model.NewModel(id, id, model.FormatMock, "mock:"+id, model.Metadata{Capabilities: caps}, model.Parameters{})
}

func TestRegisterAndGet(t *testing.T) {
	reg := New(nil, nil)
	m := newTestModel("m-1", "chat")

	require.NoError(t, reg.Register(m))

	got, ok := reg.Get("m-1")
	require.True(t, ok)
	assert.Equal(t, "m-1", got.ID)
}

func TestRegisterDuplicateFails(t *testing.T) {
	reg := New(nil, nil)
	m := newTestModel("m-1")
	require.NoError(t, reg.Register(m))

	err := reg.Register(newTestModel("m-1"))
	assert.Error(t, err)
	var dupErr *ErrAlreadyExists
	assert.ErrorAs(t, err, &dupErr)
}

func TestIndexesStayConsistent(t *testing.T) {
	reg := New(nil, nil)
	m1 := newTestModel("m-1", "chat", "streaming")
	m2 := newTestModel("m-2", "chat")
	require.NoError(t, reg.Register(m1))
	require.NoError(t, reg.Register(m2))

	chatModels := reg.ByCapability("chat")
	assert.Len(t, chatModels, 2)

	streamingModels := reg.ByCapability("streaming")
	assert.Len(t, streamingModels, 1)

	formatModels := reg.ByFormat(model.FormatMock)
	assert.Len(t, formatModels, 2)
}

func TestLoadedIndexTracksStatusTransitions(t *testing.T) {
	reg := New(nil, nil)
	m := newTestModel("m-1")
	require.NoError(t, reg.Register(m))
	assert.Empty(t, reg.Loaded())

	loaded := model.StatusLoaded
	require.NoError(t, reg.Update("m-1", Patch{Status: &loaded}))
	assert.Len(t, reg.Loaded(), 1)
}

func TestUnregisterRemovesFromAllIndexes(t *testing.T) {
	reg := New(nil, nil)
	m := newTestModel("m-1", "chat")
	require.NoError(t, reg.Register(m))

	unloaded := false
	err := reg.Unregister(context.Background(), "m-1", func(ctx context.Context, h model.Handle) error {
		unloaded = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, unloaded)

	_, ok := reg.Get("m-1")
	assert.False(t, ok)
	assert.Empty(t, reg.ByCapability("chat"))
	assert.Empty(t, reg.All())
}

func TestRegisterUnregisterEmitsExactlyOneAddedAndRemoved(t *testing.T) {
	bus := events.NewBus()
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	reg := New(bus, nil)
	m := newTestModel("m-1")
	require.NoError(t, reg.Register(m))
	require.NoError(t, reg.Unregister(context.Background(), "m-1", nil))

	var added, removed int
	timeout := time.After(time.Second)
	for added == 0 || removed == 0 {
		select {
		case ev := <-ch:
			switch ev.Type {
			case events.ModelAdded:
				added++
			case events.ModelRemoved:
				removed++
			}
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, removed)
}

func TestCandidateSetVersionBumpsOnMutation(t *testing.T) {
	reg := New(nil, nil)
	v0 := reg.CandidateSetVersion()

	require.NoError(t, reg.Register(newTestModel("m-1")))
	v1 := reg.CandidateSetVersion()
	assert.Greater(t, v1, v0)

	loaded := model.StatusLoaded
	require.NoError(t, reg.Update("m-1", Patch{Status: &loaded}))
	v2 := reg.CandidateSetVersion()
	assert.Greater(t, v2, v1)
}

func TestUpdateUnknownModel(t *testing.T) {
	reg := New(nil, nil)
	loaded := model.StatusLoaded
	err := reg.Update("missing", Patch{Status: &loaded})
	assert.Error(t, err)
}
