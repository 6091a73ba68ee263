package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dispatch "github.com/ZanzyTHEbar/dragonscale-dispatch"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/selector"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dispatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, ProviderGenkit, cfg.Generation.Provider)
	assert.Equal(t, 60*time.Second, cfg.Generation.CallTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Generation.RetryDelay)
	assert.Equal(t, 200, cfg.Cache.MaxEntries)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Zero(t, cfg.Cache.JanitorInterval)
	assert.Equal(t, 5, cfg.Dispatch.MaxInFlight)
	assert.Equal(t, 8, cfg.Planner.MaxSubtasks)
	assert.Equal(t, selector.DefaultComplexKeywords, cfg.Selector.ComplexKeywords)

	tier, err := cfg.PlannerTier()
	require.NoError(t, err)
	assert.Equal(t, dispatch.TierAccurate, tier)
	direct, err := cfg.DirectTier()
	require.NoError(t, err)
	assert.Equal(t, dispatch.TierFast, direct)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
generation:
  provider: anthropic
  call_timeout: 10s
cache:
  max_entries: 50
  ttl: 5m
executor:
  direct_tier: auto
selector:
  complex_keywords: [deep, thorough]
`)
	t.Setenv("DISPATCH_CACHE_MAX_ENTRIES", "75")
	t.Setenv("DISPATCH_DISPATCH_MAX_IN_FLIGHT", "9")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ProviderAnthropic, cfg.Generation.Provider)
	assert.Equal(t, 10*time.Second, cfg.Generation.CallPolicy().Timeout)
	assert.Equal(t, 75, cfg.Cache.MaxEntries, "env wins over file")
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 9, cfg.Dispatch.MaxInFlight)
	assert.Equal(t, "sk-test", cfg.Generation.AnthropicAPIKey)
	assert.Equal(t, []string{"deep", "thorough"}, cfg.Selector.ComplexKeywords)

	direct, err := cfg.DirectTier()
	require.NoError(t, err)
	assert.Equal(t, dispatch.TierUnset, direct)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, dispatch.ErrCodeConfiguration, dispatch.ErrorCode(err))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Generation: GenerationConfig{Provider: ProviderGenkit, MaxTokens: 100},
			Cache:      CacheConfig{MaxEntries: 1, TTL: time.Minute},
			Dispatch:   DispatchConfig{MaxInFlight: 1},
			Planner:    PlannerConfig{MaxSubtasks: 1, Tier: "pro"},
			Executor:   ExecutorConfig{DirectTier: "flash"},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown provider", func(c *Config) { c.Generation.Provider = "openai" }},
		{"zero cache size", func(c *Config) { c.Cache.MaxEntries = 0 }},
		{"zero ttl", func(c *Config) { c.Cache.TTL = 0 }},
		{"negative in-flight", func(c *Config) { c.Dispatch.MaxInFlight = -1 }},
		{"zero subtasks", func(c *Config) { c.Planner.MaxSubtasks = 0 }},
		{"unknown planner tier", func(c *Config) { c.Planner.Tier = "medium" }},
		{"unknown direct tier", func(c *Config) { c.Executor.DirectTier = "turbo" }},
		{"negative retry delay", func(c *Config) { c.Generation.RetryDelay = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Equal(t, dispatch.ErrCodeConfiguration, dispatch.ErrorCode(err))
		})
	}
}
