package utils

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"scm_multichain/pkg/config"
)

func TestSafeGo(t *testing.T) {
	logger := zap.NewExample()

	t.Run("NormalExecution", func(t *testing.T) {
		executed := make(chan bool)
		SafeGo(logger, func() {
			executed <- true
		})
		assert.True(t, <-executed)
	})

	t.Run("PanicRecovery", func(t *testing.T) {
		recovered := make(chan bool)
		SafeGo(logger, func() {
			defer func() {
				recovered <- true
			}()
			panic("test panic")
		})
		assert.True(t, <-recovered)
	})
}

func TestWriteFileSafely(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "node.key")
	require.NoError(t, WriteFileSafely(path, []byte("secret"), 0600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "secret", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-0.3))
	assert.Equal(t, 1.0, Clamp01(1.2))
	assert.Equal(t, 0.42, Clamp01(0.42))
}

func TestSliceHelpers(t *testing.T) {
	assert.Equal(t, []string{"b", "a", "c"}, Unique([]string{"b", "a", "b", "c", "a"}))
	assert.Empty(t, Unique([]int{}))
	assert.True(t, Contains([]string{"x", "y"}, "y"))
	assert.False(t, Contains([]string{"x", "y"}, "z"))
}

func TestNewLogger(t *testing.T) {
	out := filepath.Join(t.TempDir(), "logs", "scm.log")
	logger, err := NewLogger(&LogConfig{
		Level:      "info",
		OutputPath: out,
		MaxSize:    1,
		MaxBackups: 1,
	})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("batch finalized", zap.String("batch_id", "b-1"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "batch finalized", entry["msg"])
	assert.Equal(t, "b-1", entry["batch_id"])
	assert.Contains(t, entry, "ts")
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	_, err := NewLogger(&LogConfig{Level: "loud", OutputPath: filepath.Join(t.TempDir(), "x.log")})
	assert.Error(t, err)
}

func TestLogConfigFrom(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "debug"
	cfg.Log.OutputPath = "/tmp/scm-test.log"

	lc := LogConfigFrom(cfg)
	assert.Equal(t, "debug", lc.Level)
	assert.Equal(t, "/tmp/scm-test.log", lc.OutputPath)
	assert.True(t, lc.Debug)
	assert.Equal(t, cfg.Log.MaxBackups, lc.MaxBackups)
}
