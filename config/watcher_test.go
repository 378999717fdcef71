package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tabsync.yml")
	require.NoError(t, os.WriteFile(path, []byte("refresh:\n  interval: 30s\n"), 0644))

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, 100*time.Millisecond, nil, func(cfg *Config) {
		reloaded <- cfg
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	// A burst of writes collapses into one reload of the final content.
	require.NoError(t, os.WriteFile(path, []byte("refresh:\n  interval: 40s\n"), 0644))
	require.NoError(t, os.WriteFile(path, []byte("refresh:\n  interval: 50s\n"), 0644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 50*time.Second, cfg.Refresh.Interval.Std())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcherIgnoresInvalidChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tabsync.yml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"1.0\"\n"), 0644))

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, 20*time.Millisecond, nil, func(cfg *Config) {
		reloaded <- cfg
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	require.NoError(t, os.WriteFile(path, []byte("bogus_key: 1\n"), 0644))

	select {
	case <-reloaded:
		t.Fatal("invalid config should not be delivered")
	case <-time.After(300 * time.Millisecond):
	}
}
