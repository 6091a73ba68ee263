// Package executor runs individual subtasks through a tool or direct generation.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	dispatch "github.com/ZanzyTHEbar/dragonscale-dispatch"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/cache"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/logging"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/selector"
)

const source = "executor"

// Executor runs subtasks. Apart from aggregate metrics it keeps no state
// between calls, so one instance can serve many tasks concurrently.
type Executor struct {
	generator  dispatch.Generator
	tools      dispatch.ToolInvoker
	cache      dispatch.Cache
	selector   dispatch.Selector
	limiter    dispatch.Limiter
	policy     dispatch.CallPolicy
	directTier dispatch.Tier
	bus        eventbus.Publisher
	logger     logging.Logger

	metrics Metrics
}

// Option configures an Executor.
type Option func(*Executor)

// WithTools sets the tool registry. Without one every subtask uses direct generation.
func WithTools(tools dispatch.ToolInvoker) Option {
	return func(e *Executor) {
		e.tools = tools
	}
}

// WithCache sets the response cache used for direct generation.
func WithCache(c dispatch.Cache) Option {
	return func(e *Executor) {
		e.cache = c
	}
}

// WithSelector replaces the tier selector.
func WithSelector(s dispatch.Selector) Option {
	return func(e *Executor) {
		e.selector = s
	}
}

// WithLimiter bounds in-flight tool and generation calls.
func WithLimiter(l dispatch.Limiter) Option {
	return func(e *Executor) {
		e.limiter = l
	}
}

// WithCallPolicy sets the per-call timeout and retry delay.
func WithCallPolicy(p dispatch.CallPolicy) Option {
	return func(e *Executor) {
		e.policy = p
	}
}

// WithDirectTier sets the tier override for direct generation.
// TierUnset lets the selector classify each subtask description.
func WithDirectTier(t dispatch.Tier) Option {
	return func(e *Executor) {
		e.directTier = t
	}
}

// WithEventBus publishes cache and subtask events to bus.
func WithEventBus(bus eventbus.Publisher) Option {
	return func(e *Executor) {
		e.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

// New creates an Executor backed by generator.
func New(generator dispatch.Generator, opts ...Option) *Executor {
	e := &Executor{
		generator:  generator,
		cache:      cache.New(),
		selector:   selector.New(),
		policy:     dispatch.DefaultCallPolicy(),
		directTier: dispatch.TierFast,
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Metrics returns a snapshot of the aggregate metrics.
func (e *Executor) Metrics() Metrics {
	return e.metrics.Copy()
}

// Execute runs one subtask and always returns a result; failures are reported in its Status.
// deps holds the results of the subtasks listed in subtask.DependsOn.
func (e *Executor) Execute(ctx context.Context, subtask dispatch.Subtask, deps []dispatch.ExecutionResult) dispatch.ExecutionResult {
	start := time.Now()
	taskID := dispatch.TaskIDFrom(ctx)

	var res dispatch.ExecutionResult
	if subtask.UsesTool() && e.tools != nil && e.tools.Has(subtask.ToolName) {
		res = e.runTool(ctx, subtask)
	} else {
		if subtask.UsesTool() {
			e.logger.Warn("tool not registered, using direct generation", map[string]interface{}{
				"task_id": taskID,
				"subtask": subtask.ID(),
				"tool":    subtask.ToolName,
			})
		}
		res = e.runDirect(ctx, subtask, deps)
	}
	res.SubtaskIndex = subtask.Index
	res.Latency = time.Since(start)
	e.metrics.recordSubtask(res)

	fields := map[string]interface{}{
		"task_id":    taskID,
		"subtask":    subtask.ID(),
		"status":     string(res.Status),
		"tool":       res.ToolUsed,
		"tier":       string(res.Tier),
		"cached":     res.Cached,
		"attempts":   res.Attempts,
		"latency_ms": res.Latency.Milliseconds(),
	}
	if res.OK() {
		e.logger.Info("subtask finished", fields)
	} else {
		fields["error"] = res.Output
		e.logger.Warn("subtask failed", fields)
	}
	return res
}

func (e *Executor) runTool(ctx context.Context, subtask dispatch.Subtask) dispatch.ExecutionResult {
	res := dispatch.ExecutionResult{ToolUsed: subtask.ToolName, Attempts: 1}

	out, err := e.invokeTool(ctx, subtask)
	e.metrics.recordTool(err != nil)
	if err != nil {
		res.Status = dispatch.StatusToolError
		res.Output = err.Error()
		return res
	}
	res.Status = dispatch.StatusOK
	res.Output = out
	return res
}

func (e *Executor) invokeTool(ctx context.Context, subtask dispatch.Subtask) (string, error) {
	if e.limiter != nil {
		if err := e.limiter.Acquire(ctx); err != nil {
			return "", dispatch.NewToolExecutionError(subtask.ToolName, err)
		}
		defer e.limiter.Release()
	}

	callCtx := ctx
	if e.policy.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.policy.Timeout)
		defer cancel()
	}

	out, err := e.tools.Invoke(callCtx, subtask.ToolName, subtask.Arguments)
	if err != nil && callCtx.Err() == context.DeadlineExceeded {
		return "", dispatch.NewTimeoutError(dispatch.StageExecution, err)
	}
	return out, err
}

func (e *Executor) runDirect(ctx context.Context, subtask dispatch.Subtask, deps []dispatch.ExecutionResult) dispatch.ExecutionResult {
	tier := e.selector.Select(subtask.Description, e.directTier)
	res := dispatch.ExecutionResult{Tier: tier}

	text, cached, attempts, err := e.generate(ctx, directPrompt(subtask, deps), tier, false)
	res.Cached = cached
	res.Attempts = attempts
	if err != nil {
		res.Status = dispatch.StatusGenerationError
		res.Output = dispatch.NewGenerationError(tier, err).Error()
		return res
	}
	res.Status = dispatch.StatusOK
	res.Output = text
	return res
}

// Respond answers a single request: the selector picks the tier (an override
// wins), then the cache is consulted before generating.
func (e *Executor) Respond(ctx context.Context, req dispatch.Request) (*dispatch.Response, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, dispatch.NewInvalidInputError(dispatch.StageDispatch, "query must not be empty")
	}

	start := time.Now()
	tier := e.selector.Select(req.Query, req.Tier)
	text, cached, _, err := e.generate(ctx, req.Query, tier, req.NoCache)
	if err != nil {
		return nil, dispatch.NewGenerationError(tier, err)
	}

	resp := &dispatch.Response{
		Query:   req.Query,
		Answer:  text,
		Tier:    tier,
		Cached:  cached,
		Latency: time.Since(start),
	}
	e.logger.Debug("request answered", map[string]interface{}{
		"tier":       string(tier),
		"cached":     cached,
		"latency_ms": resp.Latency.Milliseconds(),
	})
	return resp, nil
}

// generate wraps a generation call in the cache: get, then generate with one
// transient retry, then set. Failures are never cached.
func (e *Executor) generate(ctx context.Context, prompt string, tier dispatch.Tier, noCache bool) (string, bool, int, error) {
	taskID := dispatch.TaskIDFrom(ctx)
	useCache := !noCache && e.cache != nil

	if useCache {
		if v, ok := e.cache.Get(prompt, tier); ok {
			e.metrics.recordGeneration(true, 0, false)
			e.emit(ctx, eventbus.EventCacheHit, map[string]interface{}{"task_id": taskID, "tier": string(tier)})
			return v, true, 0, nil
		}
		e.emit(ctx, eventbus.EventCacheMiss, map[string]interface{}{"task_id": taskID, "tier": string(tier)})
	}

	gen := dispatch.LimitGenerator(e.generator, e.limiter)
	text, attempts, err := dispatch.GenerateWithRetry(ctx, gen, prompt, tier, e.policy)
	e.metrics.recordGeneration(false, attempts, err != nil)
	if attempts > 1 {
		e.emit(ctx, eventbus.EventGenerationRetry, map[string]interface{}{"task_id": taskID, "tier": string(tier)})
	}
	if err != nil {
		return "", false, attempts, err
	}

	if useCache {
		e.cache.Set(prompt, tier, text)
	}
	return text, false, attempts, nil
}

func (e *Executor) emit(ctx context.Context, t eventbus.EventType, meta map[string]interface{}) {
	if err := eventbus.Emit(ctx, e.bus, t, source, nil, meta); err != nil {
		e.logger.Debug("event not published", map[string]interface{}{"event_type": string(t), "error": err.Error()})
	}
}

// directPrompt is the subtask description, prefixed by dependency outputs when there are any.
func directPrompt(subtask dispatch.Subtask, deps []dispatch.ExecutionResult) string {
	if len(deps) == 0 {
		return subtask.Description
	}
	var b strings.Builder
	b.WriteString("Results from earlier steps:\n")
	for _, d := range deps {
		fmt.Fprintf(&b, "[subtask_%d, %s] %s\n", d.SubtaskIndex, d.Status, d.Output)
	}
	b.WriteString("\nTask: ")
	b.WriteString(subtask.Description)
	return b.String()
}
