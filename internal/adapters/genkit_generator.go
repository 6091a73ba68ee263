// Package adapters connects dispatch.Generator to concrete model providers.
package adapters

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	dispatch "github.com/ZanzyTHEbar/dragonscale-dispatch"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/logging"
)

// Default Gemini models per tier.
const (
	DefaultGeminiFastModel     = "gemini-2.0-flash"
	DefaultGeminiAccurateModel = "gemini-2.5-pro"
)

// TierModels maps each tier to a provider model name.
type TierModels struct {
	Fast     string
	Accurate string
}

// For returns the model for t. Unset falls back to the fast model.
func (m TierModels) For(t dispatch.Tier) string {
	if t == dispatch.TierAccurate {
		return m.Accurate
	}
	return m.Fast
}

// GeneratorOption configures a provider generator.
type GeneratorOption func(*generatorConfig)

type generatorConfig struct {
	maxTokens int
	logger    logging.Logger
}

// WithMaxTokens caps the output length of each call.
func WithMaxTokens(n int) GeneratorOption {
	return func(c *generatorConfig) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) GeneratorOption {
	return func(c *generatorConfig) {
		c.logger = l
	}
}

func newGeneratorConfig(opts []GeneratorOption) generatorConfig {
	cfg := generatorConfig{maxTokens: 2048, logger: logging.Nop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// GenkitGenerator generates text with Gemini models through Genkit.
type GenkitGenerator struct {
	g      *genkit.Genkit
	models TierModels
	cfg    generatorConfig
}

// NewGenkitGenerator initializes Genkit with the Google AI plugin.
// An empty apiKey lets the plugin read GEMINI_API_KEY from the environment.
func NewGenkitGenerator(ctx context.Context, apiKey string, models TierModels, opts ...GeneratorOption) (*GenkitGenerator, error) {
	if models.Fast == "" {
		models.Fast = DefaultGeminiFastModel
	}
	if models.Accurate == "" {
		models.Accurate = DefaultGeminiAccurateModel
	}

	g, err := genkit.Init(ctx,
		genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: apiKey}),
		genkit.WithDefaultModel(qualifyGemini(models.Fast)),
	)
	if err != nil {
		return nil, dispatch.NewConfigurationError("failed to initialize genkit", err)
	}
	return &GenkitGenerator{g: g, models: models, cfg: newGeneratorConfig(opts)}, nil
}

// Generate implements dispatch.Generator.
func (a *GenkitGenerator) Generate(ctx context.Context, prompt string, tier dispatch.Tier) (string, error) {
	model := qualifyGemini(a.models.For(tier))
	text, err := genkit.GenerateText(ctx, a.g,
		ai.WithModelName(model),
		ai.WithConfig(&ai.GenerationCommonConfig{MaxOutputTokens: a.cfg.maxTokens}),
		ai.WithPrompt(prompt),
	)
	if err != nil {
		a.cfg.logger.Debug("genkit generation failed", map[string]interface{}{
			"model": model,
			"error": err.Error(),
		})
		return "", classifyGenkitError(err)
	}
	return text, nil
}

func qualifyGemini(model string) string {
	if strings.Contains(model, "/") {
		return model
	}
	return "googleai/" + model
}

// Status codes and gRPC code names only count as whole tokens, so numbers such
// as token limits inside a validation message do not match.
var transientGemini = regexp.MustCompile(
	`\b(?:429|500|502|503|504|RESOURCE_EXHAUSTED|UNAVAILABLE|INTERNAL)\b|(?i:rate limit|overloaded)`)

// classifyGenkitError marks rate-limit and availability failures transient.
// Genkit surfaces provider status only in the message text.
func classifyGenkitError(err error) error {
	if err == nil {
		return nil
	}
	if transientGemini.MatchString(err.Error()) {
		return dispatch.Transient(fmt.Errorf("gemini: %w", err))
	}
	return fmt.Errorf("gemini: %w", err)
}
