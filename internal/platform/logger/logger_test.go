package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/nulzo/novel-gateway/internal/cli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "json", Output: &buf}, zap.NewAtomicLevel())

	log.Debug("hidden")
	log.Info("Request completed", zap.String("provider", "gemini"), zap.Int("attempts", 2))
	require.NoError(t, log.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "Request completed", entry["msg"])
	assert.Equal(t, "gemini", entry["provider"])
	assert.EqualValues(t, 2, entry["attempts"])
	assert.Contains(t, entry, "timestamp")
}

func TestNew_LevelFollowsAtom(t *testing.T) {
	var buf bytes.Buffer
	level := zap.NewAtomicLevel()
	log := New(Config{Level: "warn", Format: "console", Output: &buf}, level)

	log.Info("dropped")
	level.SetLevel(zap.DebugLevel)
	log.Debug("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zap.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zap.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zap.InfoLevel, parseLevel("chatty"))
}

func TestShouldEnableColor(t *testing.T) {
	t.Setenv("NO_COLOR", "")
	require.NoError(t, os.Unsetenv("NO_COLOR"))

	t.Setenv("LOG_COLOR", "false")
	assert.False(t, shouldEnableColor())

	t.Setenv("LOG_COLOR", "1")
	assert.True(t, shouldEnableColor())
}

func TestColoredConsoleEncoder_HighlightsFields(t *testing.T) {
	prev := cli.Enabled()
	cli.SetEnabled(true)
	t.Cleanup(func() { cli.SetEnabled(prev) })

	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "console", EnableColor: true, Output: &buf}, zap.NewAtomicLevel())

	log.Info("Stream completed", zap.Int("tokens", 12))
	log.Info("No fields")

	out := buf.String()
	assert.Contains(t, out, cli.Blue+`"tokens"`+cli.ResetCode+":")
	assert.Contains(t, out, cli.Purple+"12"+cli.ResetCode)
	assert.Contains(t, out, "No fields")
}
