package config

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_Reload(t *testing.T) {
	path := writeConfig(t, "watchtower.yaml", twoResourceYAML)
	initial, err := LoadConfig(path)
	require.NoError(t, err)

	var applied []*Config
	w := NewWatcher(path, initial, func(cfg *Config) { applied = append(applied, cfg) })

	require.NoError(t, os.WriteFile(path, []byte(twoResourceYAML+"\nmiddleware:\n  cid_len: 12\n"), 0644))
	require.NoError(t, w.Reload())

	require.Len(t, applied, 1)
	assert.Equal(t, 12, applied[0].Middleware.CorrelationIDLength)
	assert.Same(t, applied[0], w.Current())
}

func TestWatcher_ReloadKeepsConfigOnError(t *testing.T) {
	path := writeConfig(t, "watchtower.yaml", twoResourceYAML)
	initial, err := LoadConfig(path)
	require.NoError(t, err)

	called := false
	w := NewWatcher(path, initial, func(cfg *Config) { called = true })

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: \"loud\"\n"), 0644))
	err = w.Reload()
	require.Error(t, err)
	assert.False(t, called)
	assert.Same(t, initial, w.Current())
}

func TestWatcher_SIGUSR1(t *testing.T) {
	path := writeConfig(t, "watchtower.yaml", twoResourceYAML)
	initial, err := LoadConfig(path)
	require.NoError(t, err)

	reloaded := make(chan *Config, 1)
	w := NewWatcher(path, initial, func(cfg *Config) { reloaded <- cfg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Give Run time to install the signal handler
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 8080, cfg.Server.Port)
	case <-time.After(2 * time.Second):
		t.Fatal("config was not reloaded after SIGUSR1")
	}
}
