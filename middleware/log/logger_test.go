package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Gopher0727/Vela/config"
)

func newFileLogger(t *testing.T, level string) (*Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vela.log")
	l, err := NewLogger(&config.LoggingConfig{Level: level, Format: "json", Output: "file", FilePath: path})
	require.NoError(t, err)
	return l, path
}

func readEntries(t *testing.T, path string) []map[string]any {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err)

	var entries []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(content), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestNewLogger(t *testing.T) {
	t.Run("stdout console", func(t *testing.T) {
		l, err := NewLogger(&config.LoggingConfig{Level: "debug", Format: "text", Output: "stdout"})
		require.NoError(t, err)
		l.Debug("console message")
		assert.NoError(t, l.Close())
	})

	t.Run("unwritable file path fails", func(t *testing.T) {
		_, err := NewLogger(&config.LoggingConfig{Output: "file", FilePath: filepath.Join(t.TempDir(), "missing", "x.log")})
		assert.Error(t, err)
	})
}

func TestLogLevelFiltering(t *testing.T) {
	l, path := newFileLogger(t, "warn")

	l.Debug("debug message")
	l.Info("info message")
	l.Warn("warn message")
	l.Error("error message")
	require.NoError(t, l.Close())

	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, "warn message", entries[0]["message"])
	assert.Equal(t, "error message", entries[1]["message"])
}

func TestStructuredFields(t *testing.T) {
	l, path := newFileLogger(t, "info")

	ctx := WithTraceID(context.Background(), "trace-abc")
	l.Named("bot").WithMember("g1", "u1").InfoContext(ctx, "member joined", zap.Int("attempt", 2))
	require.NoError(t, l.Close())

	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "member joined", e["message"])
	assert.Equal(t, "bot", e["unit"])
	assert.Equal(t, "g1", e["guild_id"])
	assert.Equal(t, "u1", e["user_id"])
	assert.Equal(t, "trace-abc", e["trace_id"])
	assert.Equal(t, float64(2), e["attempt"])
	assert.NotEmpty(t, e["timestamp"])
}

func TestWithContext_NoTraceID(t *testing.T) {
	l := NewNop()
	assert.Same(t, l, l.WithContext(context.Background()))
}

func TestSecretField(t *testing.T) {
	l, path := newFileLogger(t, "info")
	l.Info("secret stored", Secret("value", "hunter2"), Secret("empty", ""))
	require.NoError(t, l.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(content), "hunter2")

	entries := readEntries(t, path)
	assert.Equal(t, "[redacted]", entries[0]["value"])
	assert.Equal(t, "", entries[0]["empty"])
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"fatal":   zapcore.FatalLevel,
		"invalid": zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLogLevel(in), in)
	}
}
