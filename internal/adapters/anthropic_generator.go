package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	dispatch "github.com/ZanzyTHEbar/dragonscale-dispatch"
)

// Default Claude models per tier.
const (
	DefaultClaudeFastModel     = "claude-3-5-haiku-latest"
	DefaultClaudeAccurateModel = string(anthropic.ModelClaudeSonnet4_20250514)
)

// AnthropicGenerator generates text with Claude models.
type AnthropicGenerator struct {
	client anthropic.Client
	models TierModels
	cfg    generatorConfig
}

// NewAnthropicGenerator creates a generator. An empty apiKey lets the SDK
// read ANTHROPIC_API_KEY from the environment.
func NewAnthropicGenerator(apiKey string, models TierModels, opts ...GeneratorOption) *AnthropicGenerator {
	var reqOpts []option.RequestOption
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	}
	// Retries are owned by dispatch.GenerateWithRetry.
	reqOpts = append(reqOpts, option.WithMaxRetries(0))

	if models.Fast == "" {
		models.Fast = DefaultClaudeFastModel
	}
	if models.Accurate == "" {
		models.Accurate = DefaultClaudeAccurateModel
	}
	return &AnthropicGenerator{
		client: anthropic.NewClient(reqOpts...),
		models: models,
		cfg:    newGeneratorConfig(opts),
	}
}

// Generate implements dispatch.Generator.
func (a *AnthropicGenerator) Generate(ctx context.Context, prompt string, tier dispatch.Tier) (string, error) {
	model := a.models.For(tier)
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(a.cfg.maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		a.cfg.logger.Debug("anthropic generation failed", map[string]interface{}{
			"model": model,
			"error": err.Error(),
		})
		return "", classifyAnthropicError(err)
	}
	return extractText(resp), nil
}

func extractText(resp *anthropic.Message) string {
	var parts []string
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			parts = append(parts, variant.Text)
		}
	}
	return strings.Join(parts, "")
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && isTransientStatus(apiErr.StatusCode) {
		return dispatch.Transient(fmt.Errorf("anthropic: %w", err))
	}
	return fmt.Errorf("anthropic: %w", err)
}

// isTransientStatus reports whether an HTTP status is worth one retry.
// 529 is Anthropic's overloaded status.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests, 529:
		return true
	}
	return code >= 500
}
