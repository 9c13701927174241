package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := writeConfigFile(t, "session:\n  max_concurrent_sessions: 5\n")

	v := viper.New()
	Defaults(v)
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	reloaded := make(chan *Config, 1)
	_ = NewWatcher(zap.NewNop(), v, func(c *Config) { reloaded <- c })

	require.NoError(t, os.WriteFile(path, []byte("session:\n  max_concurrent_sessions: 9\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, int64(9), cfg.Session.MaxConcurrentSessions)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not observe config change")
	}
}

func TestWatcher_Reload(t *testing.T) {
	path := writeConfigFile(t, "session:\n  max_concurrent_sessions: 3\n")

	v := viper.New()
	Defaults(v)
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	w := NewWatcher(zap.NewNop(), v, nil)

	require.NoError(t, os.WriteFile(path, []byte("session:\n  max_concurrent_sessions: 7\n"), 0o644))
	cfg, err := w.Reload()
	require.NoError(t, err)
	assert.Equal(t, int64(7), cfg.Session.MaxConcurrentSessions)
}

func TestWatcher_RejectsInvalidReload(t *testing.T) {
	path := writeConfigFile(t, "session:\n  max_concurrent_sessions: 3\n")

	v := viper.New()
	Defaults(v)
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	var reloads int
	_ = NewWatcher(zap.NewNop(), v, func(c *Config) { reloads++ })

	require.NoError(t, os.WriteFile(path, []byte("session:\n  max_concurrent_sessions: 0\n"), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, reloads)
}
