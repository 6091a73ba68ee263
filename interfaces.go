package dispatch

import "context"

// Generator produces text for a prompt on a given tier.
// Retryable failures should be wrapped with Transient.
type Generator interface {
	Generate(ctx context.Context, prompt string, tier Tier) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string, tier Tier) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string, tier Tier) (string, error) {
	return f(ctx, prompt, tier)
}

// Planner decomposes a task into a plan. It never fails; malformed output degrades to a fallback plan.
type Planner interface {
	Plan(ctx context.Context, task Task) *Plan
}

// SubtaskExecutor runs one subtask. deps holds the results of the subtask's dependencies.
type SubtaskExecutor interface {
	Execute(ctx context.Context, subtask Subtask, deps []ExecutionResult) ExecutionResult
}

// Responder answers a single request through the selector and cache.
type Responder interface {
	Respond(ctx context.Context, req Request) (*Response, error)
}

// ToolInvoker resolves tools by name.
type ToolInvoker interface {
	Has(name string) bool
	Invoke(ctx context.Context, name string, args map[string]any) (string, error)
}

// Limiter bounds in-flight external calls.
type Limiter interface {
	Acquire(ctx context.Context) error
	Release()
}

// Selector chooses a tier for a piece of text.
type Selector interface {
	Select(text string, override Tier) Tier
}

// Cache stores generated text by query and tier.
type Cache interface {
	Get(query string, tier Tier) (string, bool)
	Set(query string, tier Tier, value string)
}
