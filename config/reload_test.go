package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestReloader_AppliesLogLevelChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(configAtLevel("info")), 0o644))

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	r, err := NewReloader(path, level, zap.NewNop())
	require.NoError(t, err)
	r.watcher.pollInterval = 10 * time.Millisecond
	r.watcher.debounceDelay = 20 * time.Millisecond

	var reloads atomic.Int64
	r.OnReload(func(*Config) { reloads.Add(1) })

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	assert.Equal(t, "info", r.Current().Log.Level)

	now := time.Now().Add(time.Second)
	require.NoError(t, os.WriteFile(path, []byte(configAtLevel("debug")), 0o644))
	require.NoError(t, os.Chtimes(path, now, now))

	require.Eventually(t, func() bool {
		return reloads.Load() >= 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, zapcore.DebugLevel, level.Level())
	assert.Equal(t, "debug", r.Current().Log.Level)
}

func TestReloader_KeepsLastGoodConfigOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(configAtLevel("info")), 0o644))

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	r, err := NewReloader(path, level, zap.NewNop())
	require.NoError(t, err)

	// 坏的配置不生效
	require.NoError(t, os.WriteFile(path, []byte("log: [broken"), 0o644))
	r.reload()
	assert.Equal(t, "info", r.Current().Log.Level)
	assert.Equal(t, zapcore.InfoLevel, level.Level())
}

func TestReloader_RejectsInvalidInitialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: nope\n"), 0o644))

	_, err := NewReloader(path, zap.NewAtomicLevel(), zap.NewNop())
	require.Error(t, err)
}

func configAtLevel(level string) string {
	return `
server:
  http_port: 8080
database:
  driver: sqlite
  database: /tmp/visitdesk.db
auth:
  jwt_secret: hush
log:
  level: ` + level + "\n"
}
