// Package dispatch plans user tasks into subtasks, executes them through tools
// or tiered generation, and synthesizes a final answer.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/logging"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/workerpool"
)

const coordinatorSource = "coordinator"

// Coordinator runs a task end to end: plan, execute in dependency waves, synthesize.
type Coordinator struct {
	planner       Planner
	executor      SubtaskExecutor
	generator     Generator
	pool          *workerpool.Pool
	synthesisTier Tier
	policy        CallPolicy
	bus           eventbus.Publisher
	logger        logging.Logger

	runsMu sync.RWMutex
	runs   map[string]*taskRun
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithPool shares a worker pool for fan-out and call permits.
func WithPool(p *workerpool.Pool) CoordinatorOption {
	return func(c *Coordinator) {
		if p != nil {
			c.pool = p
		}
	}
}

// WithSynthesisTier overrides the tier used for the final answer.
func WithSynthesisTier(t Tier) CoordinatorOption {
	return func(c *Coordinator) {
		if t != TierUnset {
			c.synthesisTier = t
		}
	}
}

// WithCallPolicy sets the timeout and retry delay for synthesis calls.
func WithCallPolicy(p CallPolicy) CoordinatorOption {
	return func(c *Coordinator) {
		c.policy = p
	}
}

// WithEventBus publishes task events to bus.
func WithEventBus(bus eventbus.Publisher) CoordinatorOption {
	return func(c *Coordinator) {
		c.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// NewCoordinator wires a planner, an executor and the generator used for synthesis.
func NewCoordinator(planner Planner, executor SubtaskExecutor, generator Generator, opts ...CoordinatorOption) (*Coordinator, error) {
	if planner == nil {
		return nil, NewConfigurationError("planner is required", nil)
	}
	if executor == nil {
		return nil, NewConfigurationError("executor is required", nil)
	}
	if generator == nil {
		return nil, NewConfigurationError("generator is required", nil)
	}

	c := &Coordinator{
		planner:       planner,
		executor:      executor,
		generator:     generator,
		synthesisTier: TierAccurate,
		policy:        DefaultCallPolicy(),
		logger:        logging.Nop(),
		runs:          make(map[string]*taskRun),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pool == nil {
		c.pool = workerpool.New(workerpool.DefaultSize, workerpool.WithLogger(c.logger))
	}
	return c, nil
}

// ProcessTask runs query to completion. The only error is an empty query;
// every other failure is reported inside the result.
func (c *Coordinator) ProcessTask(ctx context.Context, query string) (*TaskResult, error) {
	task, err := newTask(query)
	if err != nil {
		return nil, err
	}
	return c.process(ctx, task, newTaskRun(task)), nil
}

func newTask(query string) (Task, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Task{}, NewInvalidInputError(StageDispatch, "query must not be empty")
	}
	return Task{ID: uuid.New().String(), RawQuery: query, CreatedAt: time.Now()}, nil
}

func (c *Coordinator) process(ctx context.Context, task Task, run *taskRun) *TaskResult {
	ctx = WithTaskID(ctx, task.ID)
	c.logger.Info("task started", map[string]interface{}{"task_id": task.ID, "query": task.RawQuery})
	c.emit(ctx, eventbus.EventTaskStarted, task, nil)

	run.transition(StatePlanning)
	plan := c.planner.Plan(ctx, task)
	if plan == nil || len(plan.Subtasks) == 0 {
		plan = FallbackPlan(task, PlanFallbackParseError, "planner returned an empty plan")
	}
	plan = c.checkPlan(task, plan)

	run.transition(StateExecuting)
	results := c.executePlan(ctx, plan)

	result := &TaskResult{
		TaskID:        task.ID,
		Query:         task.RawQuery,
		SubtasksCount: len(plan.Subtasks),
		PlanStatus:    plan.Status,
		PlanNote:      plan.Note,
		Subtasks:      make([]SubtaskReport, len(plan.Subtasks)),
		SynthesisTier: c.synthesisTier,
		Status:        TaskCompleted,
		CreatedAt:     task.CreatedAt,
	}
	for i, st := range plan.Subtasks {
		result.Subtasks[i] = SubtaskReport{
			SubtaskID:   st.ID(),
			Description: st.Description,
			Tool:        st.ToolName,
			Result:      results[i],
		}
	}
	failed := result.Failed()
	if len(failed) > 0 {
		result.Status = TaskPartial
	}

	run.transition(StateSynthesizing)
	result.FinalAnswer = c.synthesize(ctx, task, result, failed)
	result.Duration = time.Since(task.CreatedAt)

	c.logger.Info("task completed", map[string]interface{}{
		"task_id":     task.ID,
		"subtasks":    result.SubtasksCount,
		"failed":      len(failed),
		"status":      string(result.Status),
		"duration_ms": result.Duration.Milliseconds(),
	})
	c.emit(ctx, eventbus.EventTaskCompleted, result, map[string]interface{}{
		"status":      string(result.Status),
		"duration_ms": result.Duration.Milliseconds(),
	})
	run.finish(result, nil)
	return result
}

// checkPlan enforces the plan shape executePlan relies on: indices run 1..n in
// order and dependencies point at earlier subtasks. Misnumbered plans degrade to
// the fallback plan; bad dependency edges are dropped.
func (c *Coordinator) checkPlan(task Task, plan *Plan) *Plan {
	for pos, st := range plan.Subtasks {
		if st.Index != pos+1 {
			c.logger.Warn("planner returned misnumbered subtasks, using fallback plan", map[string]interface{}{
				"task_id":  task.ID,
				"position": pos + 1,
				"index":    st.Index,
			})
			return FallbackPlan(task, PlanFallbackParseError,
				fmt.Sprintf("subtask at position %d has index %d", pos+1, st.Index))
		}
	}

	checked := *plan
	checked.Subtasks = make([]Subtask, len(plan.Subtasks))
	for pos, st := range plan.Subtasks {
		if len(st.DependsOn) > 0 {
			seen := make(map[int]bool, len(st.DependsOn))
			deps := make([]int, 0, len(st.DependsOn))
			for _, d := range st.DependsOn {
				if d < 1 || d >= st.Index || seen[d] {
					c.logger.Warn("dropping invalid dependency", map[string]interface{}{
						"task_id":    task.ID,
						"subtask":    st.ID(),
						"depends_on": d,
					})
					continue
				}
				seen[d] = true
				deps = append(deps, d)
			}
			if len(deps) == 0 {
				deps = nil
			}
			st.DependsOn = deps
		}
		checked.Subtasks[pos] = st
	}
	return &checked
}

// executionWaves groups subtask positions so every dependency lands in an earlier wave.
// Dependencies always point at lower indices, so one forward pass is enough.
func executionWaves(subtasks []Subtask) [][]int {
	level := make(map[int]int, len(subtasks))
	var waves [][]int
	for pos, st := range subtasks {
		lvl := 0
		for _, dep := range st.DependsOn {
			if l, ok := level[dep]; ok && l+1 > lvl {
				lvl = l + 1
			}
		}
		level[st.Index] = lvl
		for len(waves) <= lvl {
			waves = append(waves, nil)
		}
		waves[lvl] = append(waves[lvl], pos)
	}
	return waves
}

func (c *Coordinator) executePlan(ctx context.Context, plan *Plan) []ExecutionResult {
	results := make([]ExecutionResult, len(plan.Subtasks))
	byIndex := make(map[int]int, len(plan.Subtasks))
	for pos, st := range plan.Subtasks {
		byIndex[st.Index] = pos
	}

	for _, wave := range executionWaves(plan.Subtasks) {
		errs := c.pool.ForEach(ctx, len(wave), func(ctx context.Context, i int) error {
			pos := wave[i]
			st := plan.Subtasks[pos]

			deps := make([]ExecutionResult, 0, len(st.DependsOn))
			for _, d := range st.DependsOn {
				if dp, ok := byIndex[d]; ok {
					deps = append(deps, results[dp])
				}
			}

			c.emit(ctx, eventbus.EventSubtaskStarted, st, map[string]interface{}{"subtask_id": st.ID()})
			res := c.executor.Execute(ctx, st, deps)
			res.SubtaskIndex = st.Index
			results[pos] = res
			return nil
		})

		for i, err := range errs {
			if err == nil {
				continue
			}
			st := plan.Subtasks[wave[i]]
			results[wave[i]] = failedResult(st, err)
		}
		for _, pos := range wave {
			st := plan.Subtasks[pos]
			evt := eventbus.EventSubtaskCompleted
			if !results[pos].OK() {
				evt = eventbus.EventSubtaskFailed
			}
			c.emit(ctx, evt, results[pos], map[string]interface{}{
				"subtask_id": st.ID(),
				"status":     string(results[pos].Status),
			})
		}
	}
	return results
}

// failedResult stands in for a subtask whose worker never produced a result.
func failedResult(st Subtask, err error) ExecutionResult {
	status := StatusGenerationError
	if st.UsesTool() {
		status = StatusToolError
	}
	return ExecutionResult{
		SubtaskIndex: st.Index,
		Status:       status,
		Output:       err.Error(),
		ToolUsed:     st.ToolName,
	}
}

func (c *Coordinator) synthesize(ctx context.Context, task Task, result *TaskResult, failed []SubtaskReport) string {
	c.emit(ctx, eventbus.EventSynthesisStarted, nil, nil)

	gen := LimitGenerator(c.generator, c.pool)
	answer, attempts, err := GenerateWithRetry(ctx, gen, SynthesisPrompt(task.RawQuery, result.Subtasks), c.synthesisTier, c.policy)
	if err != nil {
		serr := NewSynthesisError(err)
		result.SynthesisError = serr.Error()
		c.logger.Warn("synthesis failed, using local summary", map[string]interface{}{
			"task_id": task.ID,
			"error":   serr.Error(),
		})
		c.emit(ctx, eventbus.EventSynthesisFailed, nil, map[string]interface{}{"error": serr.Error()})
		answer = LocalSummary(result.Subtasks)
	} else {
		c.emit(ctx, eventbus.EventSynthesisCompleted, nil, map[string]interface{}{"attempts": attempts})
	}
	return strings.TrimSpace(answer) + FailureNote(failed)
}

// SynthesisPrompt asks for one answer built from the ordered subtask outputs.
func SynthesisPrompt(query string, reports []SubtaskReport) string {
	var b strings.Builder
	b.WriteString("You are a synthesis agent. Combine the results of the subtasks below into one complete, direct answer to the original question.\n\n")
	fmt.Fprintf(&b, "Original question: %s\n\nSubtask results:\n", query)
	for i, r := range reports {
		fmt.Fprintf(&b, "%d. [%s] %s\n   Result: %s\n", i+1, r.Result.Status, r.Description, r.Result.Output)
	}
	var failedIDs []string
	for _, r := range reports {
		if !r.Result.OK() {
			failedIDs = append(failedIDs, r.SubtaskID)
		}
	}
	if len(failedIDs) > 0 {
		fmt.Fprintf(&b, "\nThese subtasks failed; say what could not be determined: %s\n", strings.Join(failedIDs, ", "))
	}
	b.WriteString("\nAnswer:")
	return b.String()
}

// LocalSummary is the best-effort answer used when synthesis fails.
func LocalSummary(reports []SubtaskReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task completed, %d subtasks executed:\n", len(reports))
	for i, r := range reports {
		fmt.Fprintf(&b, "\n%d. %s\n   Result: %s\n", i+1, r.Description, r.Result.Output)
	}
	return b.String()
}

// FailureNote lists failed subtasks in plan order, or returns "" when none failed.
func FailureNote(failed []SubtaskReport) string {
	if len(failed) == 0 {
		return ""
	}
	parts := make([]string, len(failed))
	for i, f := range failed {
		parts[i] = fmt.Sprintf("%s (%s)", f.SubtaskID, f.Result.Status)
	}
	return "\n\nFailed subtasks: " + strings.Join(parts, ", ")
}

func (c *Coordinator) emit(ctx context.Context, t eventbus.EventType, payload interface{}, meta map[string]interface{}) {
	if c.bus == nil {
		return
	}
	if meta == nil {
		meta = make(map[string]interface{}, 1)
	}
	meta["task_id"] = TaskIDFrom(ctx)
	if err := eventbus.Emit(ctx, c.bus, t, coordinatorSource, payload, meta); err != nil {
		c.logger.Debug("event not published", map[string]interface{}{"event_type": string(t), "error": err.Error()})
	}
}
