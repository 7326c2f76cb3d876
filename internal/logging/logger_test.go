package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coldbell/dex/margin/internal/config"
	"github.com/stretchr/testify/require"
)

func TestNewFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.log")
	logger, closeLogger, err := New("svc", config.LogConfig{
		Level:    "debug",
		Format:   "json",
		Output:   "file",
		FilePath: path,
	})
	require.NoError(t, err)
	logger.Info("started", "attempt", 1)
	require.NoError(t, closeLogger())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), `"service":"svc"`), "got %s", data)
	require.True(t, strings.Contains(string(data), `"msg":"started"`), "got %s", data)
}

func TestLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.log")
	logger, closeLogger, err := New("svc", config.LogConfig{
		Level:    "warn",
		Output:   "file",
		FilePath: path,
	})
	require.NoError(t, err)
	logger.Info("dropped")
	logger.Warn("kept")
	require.NoError(t, closeLogger())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.False(t, strings.Contains(string(data), "dropped"))
	require.True(t, strings.Contains(string(data), "kept"))
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	_, _, err := New("svc", config.LogConfig{Level: "verbose"})
	require.Error(t, err)

	_, _, err = New("svc", config.LogConfig{Format: "xml"})
	require.Error(t, err)

	_, _, err = New("svc", config.LogConfig{Output: "syslog"})
	require.Error(t, err)
}
