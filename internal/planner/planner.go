// Package planner decomposes a task into an ordered list of subtasks.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	dispatch "github.com/ZanzyTHEbar/dragonscale-dispatch"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/logging"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/tools"
)

const (
	source = "planner"

	// DefaultMaxSubtasks bounds the length of a generated plan.
	DefaultMaxSubtasks = 8

	// NoTool is the planner's explicit "answer directly" tool name.
	NoTool = "none"
)

// Planner asks a generator for a JSON plan and validates it strictly.
// Any deviation from the schema degrades to a single-subtask fallback.
type Planner struct {
	generator   dispatch.Generator
	tier        dispatch.Tier
	policy      dispatch.CallPolicy
	limiter     dispatch.Limiter
	catalog     map[string]string
	maxSubtasks int
	bus         eventbus.Publisher
	logger      logging.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithTier sets the tier used for planning calls.
func WithTier(t dispatch.Tier) Option {
	return func(p *Planner) {
		if t != dispatch.TierUnset {
			p.tier = t
		}
	}
}

// WithCallPolicy sets the per-call timeout and retry delay.
func WithCallPolicy(policy dispatch.CallPolicy) Option {
	return func(p *Planner) {
		p.policy = policy
	}
}

// WithLimiter bounds in-flight planning calls.
func WithLimiter(l dispatch.Limiter) Option {
	return func(p *Planner) {
		p.limiter = l
	}
}

// WithCatalog sets the tools the planner may reference, by name and description.
func WithCatalog(catalog map[string]string) Option {
	return func(p *Planner) {
		p.catalog = catalog
	}
}

// WithMaxSubtasks bounds the number of subtasks in a plan.
func WithMaxSubtasks(n int) Option {
	return func(p *Planner) {
		if n > 0 {
			p.maxSubtasks = n
		}
	}
}

// WithEventBus publishes plan events to bus.
func WithEventBus(bus eventbus.Publisher) Option {
	return func(p *Planner) {
		p.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(p *Planner) {
		p.logger = l
	}
}

// New creates a Planner. The built-in tools form the default catalog.
func New(generator dispatch.Generator, opts ...Option) *Planner {
	p := &Planner{
		generator:   generator,
		tier:        dispatch.TierAccurate,
		policy:      dispatch.DefaultCallPolicy(),
		catalog:     tools.Builtins().Catalog(),
		maxSubtasks: DefaultMaxSubtasks,
		logger:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan produces a non-empty plan for task. It never fails.
func (p *Planner) Plan(ctx context.Context, task dispatch.Task) *dispatch.Plan {
	gen := dispatch.LimitGenerator(p.generator, p.limiter)
	raw, _, err := dispatch.GenerateWithRetry(ctx, gen, p.Prompt(task.RawQuery), p.tier, p.policy)
	if err != nil {
		perr := dispatch.NewPlanGenerationError(err)
		return p.fallback(ctx, task, dispatch.PlanFallbackGenerationError, perr)
	}

	subtasks, err := ParsePlan(raw, p.allowedTools(), p.maxSubtasks)
	if err != nil {
		p.logger.Debug("unparseable plan output", map[string]interface{}{
			"task_id": task.ID,
			"raw":     raw,
		})
		return p.fallback(ctx, task, dispatch.PlanFallbackParseError, err)
	}

	plan := &dispatch.Plan{TaskID: task.ID, Subtasks: subtasks, Status: dispatch.PlanParsed}
	p.logger.Info("plan generated", map[string]interface{}{
		"task_id":  task.ID,
		"subtasks": len(subtasks),
	})
	p.emit(ctx, eventbus.EventPlanGenerated, plan)
	return plan
}

func (p *Planner) fallback(ctx context.Context, task dispatch.Task, status dispatch.PlanStatus, cause error) *dispatch.Plan {
	plan := dispatch.FallbackPlan(task, status, cause.Error())
	p.logger.Warn("planning failed, using fallback plan", map[string]interface{}{
		"task_id": task.ID,
		"status":  string(status),
		"error":   cause.Error(),
	})
	p.emit(ctx, eventbus.EventPlanFallback, plan)
	return plan
}

func (p *Planner) emit(ctx context.Context, t eventbus.EventType, plan *dispatch.Plan) {
	meta := map[string]interface{}{
		"task_id":  plan.TaskID,
		"status":   string(plan.Status),
		"subtasks": len(plan.Subtasks),
	}
	if err := eventbus.Emit(ctx, p.bus, t, source, plan, meta); err != nil {
		p.logger.Debug("event not published", map[string]interface{}{"event_type": string(t), "error": err.Error()})
	}
}

func (p *Planner) allowedTools() map[string]bool {
	allowed := make(map[string]bool, len(p.catalog))
	for name := range p.catalog {
		allowed[name] = true
	}
	return allowed
}

// Prompt renders the planning instruction for query.
func (p *Planner) Prompt(query string) string {
	names := make([]string, 0, len(p.catalog))
	for name := range p.catalog {
		names = append(names, name)
	}
	sort.Strings(names)

	var catalog strings.Builder
	for _, name := range names {
		fmt.Fprintf(&catalog, "- %s: %s\n", name, p.catalog[name])
	}
	fmt.Fprintf(&catalog, "- %s: no tool; the step is answered directly by the language model\n", NoTool)

	return fmt.Sprintf(`You are a task planning agent. Break the following task into concrete subtasks.

Task: %s

Available tools:
%s
Each subtask must have:
1. "description": a clear description of the step
2. "tool": exactly one of the tool names above
3. "arguments": an object of string, number or boolean values for the tool
4. "depends_on": optional list of earlier subtask numbers (starting at 1) whose results this step needs

Return JSON only, with no explanation, in this format:
{"subtasks": [{"description": "Calculate 25 times 4", "tool": "calculate", "arguments": {"expression": "25*4"}, "depends_on": []}]}

A simple task may need only one subtask. Use at most %d subtasks.`, query, catalog.String(), p.maxSubtasks)
}

type rawPlan struct {
	Subtasks []rawSubtask `json:"subtasks"`
}

type rawSubtask struct {
	Description string         `json:"description"`
	Tool        *string        `json:"tool"`
	Arguments   map[string]any `json:"arguments"`
	Parameters  map[string]any `json:"parameters"`
	DependsOn   []int          `json:"depends_on"`
}

// ParsePlan decodes generator output into validated subtasks.
// Markdown code fences and text around the outermost JSON object are ignored;
// anything else that deviates from the plan schema is an error.
func ParsePlan(raw string, allowed map[string]bool, maxSubtasks int) ([]dispatch.Subtask, error) {
	body, err := extractJSONObject(raw)
	if err != nil {
		return nil, dispatch.NewPlanParseError(err)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	var rp rawPlan
	if err := dec.Decode(&rp); err != nil {
		return nil, dispatch.NewPlanParseError(err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, dispatch.NewPlanParseError(errors.New("trailing data after plan object"))
	}

	if len(rp.Subtasks) == 0 {
		return nil, dispatch.NewPlanParseError(errors.New("plan has no subtasks"))
	}
	if maxSubtasks > 0 && len(rp.Subtasks) > maxSubtasks {
		return nil, dispatch.NewPlanParseError(fmt.Errorf("plan has %d subtasks, limit is %d", len(rp.Subtasks), maxSubtasks))
	}

	subtasks := make([]dispatch.Subtask, 0, len(rp.Subtasks))
	for i, rs := range rp.Subtasks {
		index := i + 1
		st, err := rs.toSubtask(index, allowed)
		if err != nil {
			return nil, dispatch.NewPlanParseError(fmt.Errorf("subtask %d: %w", index, err))
		}
		subtasks = append(subtasks, st)
	}
	return subtasks, nil
}

func (rs rawSubtask) toSubtask(index int, allowed map[string]bool) (dispatch.Subtask, error) {
	desc := strings.TrimSpace(rs.Description)
	if desc == "" {
		return dispatch.Subtask{}, errors.New("description is empty")
	}

	tool := ""
	if rs.Tool != nil {
		tool = strings.ToLower(strings.TrimSpace(*rs.Tool))
	}
	if tool == NoTool {
		tool = ""
	}
	if tool != "" && !allowed[tool] {
		return dispatch.Subtask{}, fmt.Errorf("unknown tool %q", tool)
	}

	if len(rs.Arguments) > 0 && len(rs.Parameters) > 0 {
		return dispatch.Subtask{}, errors.New("both arguments and parameters given")
	}
	args := rs.Arguments
	if len(args) == 0 {
		args = rs.Parameters
	}
	if err := ValidateArguments(args); err != nil {
		return dispatch.Subtask{}, err
	}

	deps, err := validateDependsOn(rs.DependsOn, index)
	if err != nil {
		return dispatch.Subtask{}, err
	}

	st := dispatch.Subtask{
		Index:       index,
		Description: desc,
		ToolName:    tool,
		DependsOn:   deps,
	}
	if len(args) > 0 {
		st.Arguments = args
	}
	return st, nil
}

// ValidateArguments rejects argument values that are not strings, numbers or booleans.
func ValidateArguments(args map[string]any) error {
	for k, v := range args {
		switch v.(type) {
		case string, bool, float64, float32, int, int64:
		default:
			return fmt.Errorf("argument %q must be a string, number or boolean, got %T", k, v)
		}
	}
	return nil
}

func validateDependsOn(deps []int, index int) ([]int, error) {
	if len(deps) == 0 {
		return nil, nil
	}
	seen := make(map[int]bool, len(deps))
	out := make([]int, 0, len(deps))
	for _, d := range deps {
		if d < 1 || d >= index {
			return nil, fmt.Errorf("depends_on %d must reference an earlier subtask", d)
		}
		if seen[d] {
			return nil, fmt.Errorf("depends_on %d listed twice", d)
		}
		seen[d] = true
		out = append(out, d)
	}
	sort.Ints(out)
	return out, nil
}

// extractJSONObject strips code fences and returns the span from the first '{' to the last '}'.
func extractJSONObject(raw string) ([]byte, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return nil, errors.New("no JSON object in planner output")
	}
	return []byte(s[start : end+1]), nil
}
