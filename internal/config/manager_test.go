package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerLoadsInitialConfig(t *testing.T) {
	path := writeConfig(t, `
routing:
  strategy: least-loaded
`)
	m, err := NewManager(path, nil)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, "least-loaded", m.Get().Routing.Strategy)

	status := m.Status()
	assert.Equal(t, path, status.Path)
	assert.NotEmpty(t, status.Checksum)
	assert.Equal(t, uint64(1), status.ReloadCount)
}

func TestManagerRejectsInvalidInitialConfig(t *testing.T) {
	path := writeConfig(t, `
routing:
  strategy: quantum
`)
	_, err := NewManager(path, nil)
	require.Error(t, err)
}

func TestManagerReloadSwapsAtomically(t *testing.T) {
	path := writeConfig(t, `
routing:
  strategy: balanced
`)
	m, err := NewManager(path, nil)
	require.NoError(t, err)
	defer m.Close()

	var notified *Config
	m.OnChange(func(c *Config) { notified = c })

	require.NoError(t, os.WriteFile(path, []byte(`
routing:
  strategy: random
`), 0o644))
	require.NoError(t, m.Reload())

	assert.Equal(t, "random", m.Get().Routing.Strategy)
	require.NotNil(t, notified)
	assert.Equal(t, "random", notified.Routing.Strategy)
	assert.Equal(t, uint64(2), m.Status().ReloadCount)
}

func TestManagerReloadKeepsCurrentOnError(t *testing.T) {
	path := writeConfig(t, `
routing:
  strategy: balanced
`)
	m, err := NewManager(path, nil)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, os.WriteFile(path, []byte("routing: {strategy: bogus}"), 0o644))
	require.Error(t, m.Reload())
	assert.Equal(t, "balanced", m.Get().Routing.Strategy)
}

func TestManagerWatchReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, `
routing:
  strategy: balanced
`)
	m, err := NewManager(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte(`
routing:
  strategy: round-robin
`), 0o644))

	require.Eventually(t, func() bool {
		return m.Get().Routing.Strategy == "round-robin"
	}, 5*time.Second, 50*time.Millisecond, "watcher should pick up the write after debounce")
}
