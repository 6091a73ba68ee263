// Package config loads dispatch settings from defaults, an optional YAML file,
// a .env file and DISPATCH_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	dispatch "github.com/ZanzyTHEbar/dragonscale-dispatch"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/selector"
)

// EnvPrefix is the prefix for environment overrides, e.g. DISPATCH_CACHE_MAX_ENTRIES.
const EnvPrefix = "DISPATCH"

// Provider names a generation backend.
const (
	ProviderGenkit    = "genkit"
	ProviderAnthropic = "anthropic"
)

// Config holds all dispatch settings.
type Config struct {
	Generation GenerationConfig `mapstructure:"generation"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Planner    PlannerConfig    `mapstructure:"planner"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Selector   SelectorConfig   `mapstructure:"selector"`
	Log        LogConfig        `mapstructure:"log"`
}

// GenerationConfig selects the backend and its models.
type GenerationConfig struct {
	Provider        string        `mapstructure:"provider"`
	FastModel       string        `mapstructure:"fast_model"`
	AccurateModel   string        `mapstructure:"accurate_model"`
	GeminiAPIKey    string        `mapstructure:"gemini_api_key"`
	AnthropicAPIKey string        `mapstructure:"anthropic_api_key"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	MaxTokens       int           `mapstructure:"max_tokens"`
}

// CallPolicy converts the timeouts into a dispatch.CallPolicy.
func (g GenerationConfig) CallPolicy() dispatch.CallPolicy {
	return dispatch.CallPolicy{Timeout: g.CallTimeout, RetryDelay: g.RetryDelay}
}

type CacheConfig struct {
	MaxEntries      int           `mapstructure:"max_entries"`
	TTL             time.Duration `mapstructure:"ttl"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"` // zero disables
}

type DispatchConfig struct {
	MaxInFlight int `mapstructure:"max_in_flight"`
}

type PlannerConfig struct {
	MaxSubtasks int    `mapstructure:"max_subtasks"`
	Tier        string `mapstructure:"tier"`
}

type ExecutorConfig struct {
	// DirectTier is fast, accurate or auto (let the selector decide).
	DirectTier string `mapstructure:"direct_tier"`
}

type SelectorConfig struct {
	ComplexKeywords []string `mapstructure:"complex_keywords"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("generation.provider", ProviderGenkit)
	v.SetDefault("generation.fast_model", "")
	v.SetDefault("generation.accurate_model", "")
	v.SetDefault("generation.gemini_api_key", "")
	v.SetDefault("generation.anthropic_api_key", "")
	v.SetDefault("generation.call_timeout", 60*time.Second)
	v.SetDefault("generation.retry_delay", 500*time.Millisecond)
	v.SetDefault("generation.max_tokens", 2048)

	v.SetDefault("cache.max_entries", 200)
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.janitor_interval", time.Duration(0))

	v.SetDefault("dispatch.max_in_flight", 5)

	v.SetDefault("planner.max_subtasks", 8)
	v.SetDefault("planner.tier", string(dispatch.TierAccurate))

	v.SetDefault("executor.direct_tier", string(dispatch.TierFast))

	v.SetDefault("selector.complex_keywords", selector.DefaultComplexKeywords)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration. path may be empty, in which case ./dispatch.yaml is
// used if present. A .env file in the working directory is loaded first; a
// missing one is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, dispatch.NewConfigurationError("failed to load .env", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("dispatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, dispatch.NewConfigurationError("failed to read config file", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Provider-native key names are honored too.
	_ = v.BindEnv("generation.gemini_api_key", EnvPrefix+"_GENERATION_GEMINI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY")
	_ = v.BindEnv("generation.anthropic_api_key", EnvPrefix+"_GENERATION_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, dispatch.NewConfigurationError("failed to decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects non-positive sizes and unknown tiers or providers.
func (c *Config) Validate() error {
	switch c.Generation.Provider {
	case ProviderGenkit, ProviderAnthropic:
	default:
		return dispatch.NewConfigurationError(fmt.Sprintf("unknown generation.provider %q", c.Generation.Provider), nil)
	}

	positive := map[string]int{
		"cache.max_entries":      c.Cache.MaxEntries,
		"dispatch.max_in_flight": c.Dispatch.MaxInFlight,
		"planner.max_subtasks":   c.Planner.MaxSubtasks,
		"generation.max_tokens":  c.Generation.MaxTokens,
	}
	for key, n := range positive {
		if n <= 0 {
			return dispatch.NewConfigurationError(fmt.Sprintf("%s must be positive, got %d", key, n), nil)
		}
	}
	if c.Cache.TTL <= 0 {
		return dispatch.NewConfigurationError("cache.ttl must be positive", nil)
	}
	if c.Generation.CallTimeout < 0 || c.Generation.RetryDelay < 0 || c.Cache.JanitorInterval < 0 {
		return dispatch.NewConfigurationError("durations must not be negative", nil)
	}

	if _, err := c.PlannerTier(); err != nil {
		return err
	}
	if _, err := c.DirectTier(); err != nil {
		return err
	}
	return nil
}

// PlannerTier returns the configured planning tier.
func (c *Config) PlannerTier() (dispatch.Tier, error) {
	t, err := dispatch.ParseTier(c.Planner.Tier)
	if err != nil {
		return dispatch.TierUnset, err
	}
	if t == dispatch.TierUnset {
		return dispatch.TierAccurate, nil
	}
	return t, nil
}

// DirectTier returns the executor's direct-generation tier; "auto" yields TierUnset.
func (c *Config) DirectTier() (dispatch.Tier, error) {
	if strings.EqualFold(strings.TrimSpace(c.Executor.DirectTier), "auto") {
		return dispatch.TierUnset, nil
	}
	t, err := dispatch.ParseTier(c.Executor.DirectTier)
	if err != nil {
		return dispatch.TierUnset, err
	}
	if t == dispatch.TierUnset {
		return dispatch.TierFast, nil
	}
	return t, nil
}
