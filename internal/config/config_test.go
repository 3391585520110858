package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nulzo/novel-gateway/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("SERVER_ENV", "test")
	t.Setenv("REDIS_ENABLED", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "test", cfg.Server.Env)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 24*time.Hour, cfg.Redis.TTL)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.InDelta(t, 1.0, cfg.Tracing.SampleRatio, 1e-9)
	assert.Empty(t, cfg.Profiles)
}

func TestLoadConfig_ProfilesAndAPIKeyResolution(t *testing.T) {
	t.Setenv("TEST_GEMINI_KEY", "g-12345")
	t.Setenv("CONFIG_FILE", writeConfig(t, `
server:
  api_keys: ["local-dev"]
retry:
  max_attempts: 5
  base_delay: 500ms
profiles:
  - id: "drafting"
    provider: "gemini"
    api_key: "ENV:TEST_GEMINI_KEY"
    max_output_tokens: 8192
  - id: "local"
    provider: "custom"
    base_url: "http://localhost:11434/v1"
    model: "qwen2.5:14b"
    options:
      referer: "novel-gateway"
`))

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, []string{"local-dev"}, cfg.Server.APIKeys)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)

	require.Len(t, cfg.Profiles, 2)
	drafting, ok := cfg.Profile("drafting")
	require.True(t, ok)
	assert.Equal(t, llm.Gemini, drafting.Provider)
	assert.Equal(t, "g-12345", drafting.APIKey)
	assert.Equal(t, 8192, drafting.MaxOutputTokens)

	local, ok := cfg.Profile("local")
	require.True(t, ok)
	assert.Equal(t, "http://localhost:11434/v1", local.BaseURL)
	assert.Equal(t, "novel-gateway", local.Options["referer"])

	_, ok = cfg.Profile("missing")
	assert.False(t, ok)
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	t.Setenv("CONFIG_FILE", writeConfig(t, `
log:
  level: "chatty"
`))

	_, err := LoadConfig()
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestLoadConfig_ProfileWithoutID(t *testing.T) {
	t.Setenv("CONFIG_FILE", writeConfig(t, `
profiles:
  - provider: "openai"
`))

	_, err := LoadConfig()
	assert.Error(t, err)
}
