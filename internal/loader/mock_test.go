package loader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/morc/internal/model"
	loaderpkg "github.com/blueberrycongee/morc/pkg/loader"
)

func TestMockLoaderProbe(t *testing.T) {
	l := &MockLoader{}

	md, ok, err := l.Probe(context.Background(), "mock:reverse")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, md.Capabilities)

	_, ok, err = l.Probe(context.Background(), "file:///model.bin")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMockLoaderReversesInput(t *testing.T) {
	l := &MockLoader{}
	handle, err := l.Load(context.Background(), "mock:reverse", loaderpkg.Options{})
	require.NoError(t, err)

	result, stream, err := l.Infer(context.Background(), handle, "abc", loaderpkg.Options{MaxTokens: 10})
	require.NoError(t, err)
	require.Nil(t, stream)
	assert.Equal(t, "cba", result.Text)
	assert.Equal(t, model.FinishStop, result.FinishReason)
}

func TestMockLoaderStreamsOrderedChunks(t *testing.T) {
	l := &MockLoader{}
	handle, err := l.Load(context.Background(), "mock:reverse", loaderpkg.Options{})
	require.NoError(t, err)

	result, stream, err := l.Infer(context.Background(), handle, "abc", loaderpkg.Options{Streaming: true})
	require.NoError(t, err)
	require.Nil(t, result)
	require.NotNil(t, stream)

	var got []string
	idx := 0
	for chunk := range stream.Chunks {
		if chunk.Terminal {
			assert.Nil(t, chunk.Err)
			break
		}
		assert.Equal(t, idx, chunk.Index)
		got = append(got, chunk.Text)
		idx++
	}
	assert.Equal(t, []string{"c", "b", "a"}, got)
}

func TestMockLoaderFailNTimes(t *testing.T) {
	l := &MockLoader{FailNTimes: 2}
	handle, err := l.Load(context.Background(), "mock:x", loaderpkg.Options{})
	require.NoError(t, err)

	_, _, err = l.Infer(context.Background(), handle, "x", loaderpkg.Options{})
	assert.Error(t, err)
	_, _, err = l.Infer(context.Background(), handle, "x", loaderpkg.Options{})
	assert.Error(t, err)
	result, _, err := l.Infer(context.Background(), handle, "x", loaderpkg.Options{})
	require.NoError(t, err)
	assert.Equal(t, "x", result.Text)
}

func TestMockLoaderStreamCancellation(t *testing.T) {
	l := &MockLoader{InferDelay: 10 * time.Millisecond}
	handle, err := l.Load(context.Background(), "mock:x", loaderpkg.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, stream, err := l.Infer(ctx, handle, "abcdefghij", loaderpkg.Options{Streaming: true})
	require.NoError(t, err)

	count := 0
	for chunk := range stream.Chunks {
		count++
		if count == 2 {
			cancel()
		}
		if chunk.Terminal {
			assert.Error(t, chunk.Err)
			break
		}
	}
	assert.LessOrEqual(t, count, 4)
}
