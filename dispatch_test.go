package dispatch_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dispatch "github.com/ZanzyTHEbar/dragonscale-dispatch"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/cache"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/executor"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/planner"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/testutil"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/tools"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/workerpool"
)

var testPolicy = dispatch.CallPolicy{Timeout: 2 * time.Second, RetryDelay: time.Millisecond}

const calcThenExplainPlan = `{"subtasks": [
  {"description": "Calculate 25 times 4", "tool": "calculate", "arguments": {"expression": "25×4"}},
  {"description": "Explain what AI is", "tool": "none"}
]}`

type harness struct {
	gen   *testutil.FakeGenerator
	bus   *testutil.RecordingBus
	pool  *workerpool.Pool
	exec  *executor.Executor
	coord *dispatch.Coordinator
}

func newHarness(t *testing.T, gen *testutil.FakeGenerator, registry *tools.Registry) *harness {
	t.Helper()
	if registry == nil {
		registry = tools.Builtins()
	}
	bus := &testutil.RecordingBus{}
	pool := workerpool.New(4)

	exec := executor.New(gen,
		executor.WithTools(registry),
		executor.WithCache(cache.New()),
		executor.WithLimiter(pool),
		executor.WithCallPolicy(testPolicy),
		executor.WithEventBus(bus),
	)
	plan := planner.New(gen,
		planner.WithCatalog(registry.Catalog()),
		planner.WithCallPolicy(testPolicy),
		planner.WithLimiter(pool),
		planner.WithEventBus(bus),
	)
	coord, err := dispatch.NewCoordinator(plan, exec, gen,
		dispatch.WithPool(pool),
		dispatch.WithCallPolicy(testPolicy),
		dispatch.WithEventBus(bus),
	)
	require.NoError(t, err)
	return &harness{gen: gen, bus: bus, pool: pool, exec: exec, coord: coord}
}

func TestProcessTask_CalculateThenExplain(t *testing.T) {
	gen := testutil.NewFakeGenerator("").
		On("task planning agent", calcThenExplainPlan).
		On("synthesis agent", "25×4 is 100. AI is the study of machines that think.").
		On("Explain what AI is", "AI is the study of machines that think.")
	h := newHarness(t, gen, nil)

	result, err := h.coord.ProcessTask(context.Background(), "calculate 25×4 then explain what AI is")
	require.NoError(t, err)

	assert.NotEmpty(t, result.TaskID)
	assert.Equal(t, 2, result.SubtasksCount)
	assert.Equal(t, dispatch.PlanParsed, result.PlanStatus)
	assert.Equal(t, dispatch.TaskCompleted, result.Status)
	require.Len(t, result.Subtasks, 2)

	calc := result.Subtasks[0]
	assert.Equal(t, "subtask_1", calc.SubtaskID)
	assert.Equal(t, "calculate", calc.Result.ToolUsed)
	assert.Equal(t, dispatch.StatusOK, calc.Result.Status)
	assert.Equal(t, "100", calc.Result.Output)

	explain := result.Subtasks[1]
	assert.Equal(t, "subtask_2", explain.SubtaskID)
	assert.Equal(t, dispatch.StatusOK, explain.Result.Status)
	assert.Equal(t, dispatch.TierFast, explain.Result.Tier)
	assert.Equal(t, "AI is the study of machines that think.", explain.Result.Output)

	assert.Equal(t, "25×4 is 100. AI is the study of machines that think.", result.FinalAnswer)
	assert.Equal(t, dispatch.TierAccurate, result.SynthesisTier)
	assert.Empty(t, result.SynthesisError)

	types := h.bus.Types()
	assert.Equal(t, eventbus.EventTaskStarted, types[0])
	assert.Equal(t, eventbus.EventTaskCompleted, types[len(types)-1])
	assert.Equal(t, 2, h.bus.Count(eventbus.EventSubtaskCompleted))
	assert.Equal(t, 1, h.bus.Count(eventbus.EventPlanGenerated))
}

func TestProcessTask_SynthesisPromptOrdersResultsByIndex(t *testing.T) {
	gen := testutil.NewFakeGenerator("").
		On("task planning agent", calcThenExplainPlan).
		On("synthesis agent", "done").
		Add(testutil.Rule{Match: "Explain what AI is", Reply: "machines", Delay: 30 * time.Millisecond})
	h := newHarness(t, gen, nil)

	_, err := h.coord.ProcessTask(context.Background(), "calculate 25×4 then explain what AI is")
	require.NoError(t, err)

	var synthesis string
	for _, c := range gen.Calls() {
		if strings.Contains(c.Prompt, "synthesis agent") {
			synthesis = c.Prompt
			assert.Equal(t, dispatch.TierAccurate, c.Tier)
		}
	}
	require.NotEmpty(t, synthesis)
	first := strings.Index(synthesis, "1. [ok] Calculate 25 times 4")
	second := strings.Index(synthesis, "2. [ok] Explain what AI is")
	assert.True(t, first >= 0 && second > first, synthesis)
}

func TestProcessTask_ToolErrorStillCompletes(t *testing.T) {
	gen := testutil.NewFakeGenerator("").
		On("task planning agent", `{"subtasks": [
			{"description": "Divide by zero", "tool": "calculate", "arguments": {"expression": "1/0"}},
			{"description": "Say hello", "tool": "none"}
		]}`).
		On("synthesis agent", "Hello. The division could not be computed.").
		On("Say hello", "Hello")
	h := newHarness(t, gen, nil)

	result, err := h.coord.ProcessTask(context.Background(), "divide by zero and say hello")
	require.NoError(t, err)

	assert.Equal(t, dispatch.TaskPartial, result.Status)
	assert.Equal(t, dispatch.StatusToolError, result.Subtasks[0].Result.Status)
	assert.Contains(t, result.Subtasks[0].Result.Output, string(dispatch.ErrCodeToolExecution))
	assert.Equal(t, dispatch.StatusOK, result.Subtasks[1].Result.Status)
	assert.True(t, strings.HasSuffix(result.FinalAnswer, "Failed subtasks: subtask_1 (tool_error)"), result.FinalAnswer)
	assert.Equal(t, 1, h.bus.Count(eventbus.EventSubtaskFailed))
}

func TestProcessTask_FallbackPlan(t *testing.T) {
	gen := testutil.NewFakeGenerator("").
		On("task planning agent", "I cannot plan this.").
		On("synthesis agent", "Here is a joke.").
		On("tell me a joke", "Why did the gopher cross the road?")
	h := newHarness(t, gen, nil)

	result, err := h.coord.ProcessTask(context.Background(), "tell me a joke")
	require.NoError(t, err)

	assert.Equal(t, dispatch.PlanFallbackParseError, result.PlanStatus)
	assert.NotEmpty(t, result.PlanNote)
	assert.Equal(t, 1, result.SubtasksCount)
	assert.Equal(t, "tell me a joke", result.Subtasks[0].Description)
	assert.Equal(t, "Why did the gopher cross the road?", result.Subtasks[0].Result.Output)
	assert.Equal(t, dispatch.TaskCompleted, result.Status)
}

func TestProcessTask_SynthesisFailureFallsBackToSummary(t *testing.T) {
	gen := testutil.NewFakeGenerator("").
		On("task planning agent", calcThenExplainPlan).
		Add(testutil.Rule{Match: "synthesis agent", Errs: []error{errors.New("quota exceeded")}}).
		On("Explain what AI is", "Thinking machines.")
	h := newHarness(t, gen, nil)

	result, err := h.coord.ProcessTask(context.Background(), "calculate 25×4 then explain what AI is")
	require.NoError(t, err)

	assert.Contains(t, result.SynthesisError, "quota exceeded")
	assert.Equal(t, dispatch.TaskCompleted, result.Status)
	assert.Equal(t, dispatch.LocalSummary(result.Subtasks), result.FinalAnswer+"\n")
	assert.Contains(t, result.FinalAnswer, "1. Calculate 25 times 4\n   Result: 100")
	assert.Equal(t, 1, h.bus.Count(eventbus.EventSynthesisFailed))
}

func TestProcessTask_EmptyQuery(t *testing.T) {
	h := newHarness(t, testutil.NewFakeGenerator("x"), nil)

	_, err := h.coord.ProcessTask(context.Background(), "   ")
	require.Error(t, err)
	assert.Equal(t, dispatch.ErrCodeInvalidInput, dispatch.ErrorCode(err))
	assert.Empty(t, h.gen.Calls())
}

type stubPlanner struct{ plan dispatch.Plan }

func (s stubPlanner) Plan(ctx context.Context, task dispatch.Task) *dispatch.Plan {
	p := s.plan
	p.TaskID = task.ID
	return &p
}

type orderingExecutor struct {
	mu       sync.Mutex
	finished map[int]bool
	depsSeen map[int][]int
}

func (o *orderingExecutor) Execute(ctx context.Context, st dispatch.Subtask, deps []dispatch.ExecutionResult) dispatch.ExecutionResult {
	o.mu.Lock()
	var seen []int
	for _, d := range deps {
		seen = append(seen, d.SubtaskIndex)
	}
	o.depsSeen[st.Index] = seen
	for _, d := range st.DependsOn {
		if !o.finished[d] {
			o.mu.Unlock()
			return dispatch.ExecutionResult{Status: dispatch.StatusGenerationError, Output: "dependency not finished"}
		}
	}
	o.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	o.mu.Lock()
	o.finished[st.Index] = true
	o.mu.Unlock()
	return dispatch.ExecutionResult{Status: dispatch.StatusOK, Output: st.Description}
}

func TestProcessTask_WavesRespectDependsOn(t *testing.T) {
	plan := dispatch.Plan{
		Status: dispatch.PlanLoaded,
		Subtasks: []dispatch.Subtask{
			{Index: 1, Description: "a"},
			{Index: 2, Description: "b"},
			{Index: 3, Description: "c", DependsOn: []int{1}},
			{Index: 4, Description: "d", DependsOn: []int{2, 3}},
		},
	}
	exec := &orderingExecutor{finished: map[int]bool{}, depsSeen: map[int][]int{}}
	gen := testutil.NewFakeGenerator("final")

	coord, err := dispatch.NewCoordinator(stubPlanner{plan: plan}, exec, gen,
		dispatch.WithPool(workerpool.New(4)), dispatch.WithCallPolicy(testPolicy))
	require.NoError(t, err)

	result, err := coord.ProcessTask(context.Background(), "four steps")
	require.NoError(t, err)

	for _, s := range result.Subtasks {
		assert.Equal(t, dispatch.StatusOK, s.Result.Status, s.SubtaskID)
	}
	assert.Equal(t, []int{1}, exec.depsSeen[3])
	assert.Equal(t, []int{2, 3}, exec.depsSeen[4])
	assert.Equal(t, "final", result.FinalAnswer)
	assert.Equal(t, dispatch.PlanLoaded, result.PlanStatus)
}

func TestProcessTask_DropsInvalidDependencies(t *testing.T) {
	plan := dispatch.Plan{
		Status: dispatch.PlanParsed,
		Subtasks: []dispatch.Subtask{
			{Index: 1, Description: "first uses second", DependsOn: []int{2}},
			{Index: 2, Description: "second", DependsOn: []int{2, 0, 9}},
			{Index: 3, Description: "third", DependsOn: []int{1, 1, 3}},
		},
	}
	exec := &orderingExecutor{finished: map[int]bool{}, depsSeen: map[int][]int{}}
	coord, err := dispatch.NewCoordinator(stubPlanner{plan: plan}, exec, testutil.NewFakeGenerator("final"),
		dispatch.WithPool(workerpool.New(4)), dispatch.WithCallPolicy(testPolicy))
	require.NoError(t, err)

	result, err := coord.ProcessTask(context.Background(), "three steps")
	require.NoError(t, err)

	require.Len(t, result.Subtasks, 3)
	for _, s := range result.Subtasks {
		assert.Equal(t, dispatch.StatusOK, s.Result.Status, s.SubtaskID)
	}
	assert.Empty(t, exec.depsSeen[1])
	assert.Empty(t, exec.depsSeen[2])
	assert.Equal(t, []int{1}, exec.depsSeen[3])
	// the planner's own plan is left untouched
	assert.Equal(t, []int{2}, plan.Subtasks[0].DependsOn)
}

func TestProcessTask_MisnumberedPlanFallsBack(t *testing.T) {
	plan := dispatch.Plan{
		Status: dispatch.PlanParsed,
		Subtasks: []dispatch.Subtask{
			{Index: 1, Description: "a"},
			{Index: 5, Description: "b", DependsOn: []int{1}},
		},
	}
	exec := &orderingExecutor{finished: map[int]bool{}, depsSeen: map[int][]int{}}
	coord, err := dispatch.NewCoordinator(stubPlanner{plan: plan}, exec, testutil.NewFakeGenerator("final"),
		dispatch.WithPool(workerpool.New(2)), dispatch.WithCallPolicy(testPolicy))
	require.NoError(t, err)

	result, err := coord.ProcessTask(context.Background(), "two steps")
	require.NoError(t, err)

	assert.Equal(t, dispatch.PlanFallbackParseError, result.PlanStatus)
	require.Len(t, result.Subtasks, 1)
	assert.Equal(t, "two steps", result.Subtasks[0].Description)
	assert.Contains(t, result.PlanNote, "index 5")
}

func TestProcessTask_PlanFile(t *testing.T) {
	pf, err := planner.ParsePlanFile([]byte(`
name: weather-check
subtasks:
  - id: weather
    description: Check the weather in Paris
    tool: weather
    args: {location: Paris}
  - id: advice
    description: Suggest clothing for the weather
    depends_on: [weather]
`), map[string]bool{tools.NameWeather: true})
	require.NoError(t, err)

	gen := testutil.NewFakeGenerator("").
		On("synthesis agent", "Wear light clothes.").
		On("Suggest clothing", "T-shirt")
	bus := &testutil.RecordingBus{}
	exec := executor.New(gen, executor.WithTools(tools.Builtins()), executor.WithCallPolicy(testPolicy))
	coord, err := dispatch.NewCoordinator(planner.NewFilePlanner(pf), exec, gen,
		dispatch.WithCallPolicy(testPolicy), dispatch.WithEventBus(bus))
	require.NoError(t, err)

	result, err := coord.ProcessTask(context.Background(), "what should I wear in Paris")
	require.NoError(t, err)

	assert.Equal(t, dispatch.PlanLoaded, result.PlanStatus)
	assert.Equal(t, "Weather in Paris: sunny, 22°C", result.Subtasks[0].Result.Output)
	assert.Equal(t, "T-shirt", result.Subtasks[1].Result.Output)
	assert.Equal(t, 1, gen.CallsMatching("Weather in Paris: sunny, 22°C\n\nTask: Suggest clothing"))
}

func TestNewCoordinator_RequiresComponents(t *testing.T) {
	gen := testutil.NewFakeGenerator("x")
	_, err := dispatch.NewCoordinator(nil, executor.New(gen), gen)
	assert.Equal(t, dispatch.ErrCodeConfiguration, dispatch.ErrorCode(err))
	_, err = dispatch.NewCoordinator(planner.New(gen), nil, gen)
	assert.Error(t, err)
	_, err = dispatch.NewCoordinator(planner.New(gen), executor.New(gen), nil)
	assert.Error(t, err)
}

func TestSubmitTask_StatusAndOutcome(t *testing.T) {
	gen := testutil.NewFakeGenerator("").
		On("task planning agent", calcThenExplainPlan).
		On("synthesis agent", "all done").
		On("Explain what AI is", "AI")
	h := newHarness(t, gen, nil)

	id, err := h.coord.SubmitTask(context.Background(), "calculate 25×4 then explain what AI is")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := h.coord.TaskStatus(id)
		return err == nil && st.State == dispatch.StateComplete
	}, 2*time.Second, 5*time.Millisecond)

	result, err := h.coord.TaskOutcome(id)
	require.NoError(t, err)
	assert.Equal(t, "all done", result.FinalAnswer)
	assert.Equal(t, dispatch.StateComplete, h.coord.ListTasks()[id])

	cancelled, err := h.coord.CancelTask(id)
	require.NoError(t, err)
	assert.False(t, cancelled, "finished tasks cannot be cancelled")

	assert.Equal(t, 0, h.coord.CleanupFinished(time.Hour))
	assert.Equal(t, 1, h.coord.CleanupFinished(0))
	_, err = h.coord.TaskStatus(id)
	assert.Error(t, err)
}

func TestSubmitTask_Cancel(t *testing.T) {
	gen := testutil.NewFakeGenerator("").
		Add(testutil.Rule{Match: "task planning agent", Reply: calcThenExplainPlan, Delay: time.Second})
	h := newHarness(t, gen, nil)

	id, err := h.coord.SubmitTask(context.Background(), "slow task")
	require.NoError(t, err)

	cancelled, err := h.coord.CancelTask(id)
	require.NoError(t, err)
	assert.True(t, cancelled)

	st, err := h.coord.TaskStatus(id)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StateCancelled, st.State)

	_, err = h.coord.TaskOutcome(id)
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return h.bus.Count(eventbus.EventTaskCancelled) == 1 }, time.Second, 5*time.Millisecond)

	_, err = h.coord.CancelTask("missing")
	assert.Error(t, err)
}

func TestDispatchBatch_PreservesOrder(t *testing.T) {
	gen := testutil.NewFakeGenerator("").
		Add(testutil.Rule{Match: "Q1", Reply: "R1", Delay: 60 * time.Millisecond}).
		Add(testutil.Rule{Match: "Q2", Reply: "R2"}).
		Add(testutil.Rule{Match: "Q3", Reply: "R3", Delay: 20 * time.Millisecond})
	pool := workerpool.New(3)
	exec := executor.New(gen, executor.WithLimiter(pool), executor.WithCallPolicy(testPolicy))
	bus := &testutil.RecordingBus{}

	d := dispatch.NewDispatcher(exec, pool, dispatch.WithDispatcherEventBus(bus))
	res := d.DispatchBatch(context.Background(), []string{"Q1", "Q2", "Q3"}, dispatch.BatchOptions{})

	require.Len(t, res.Items, 3)
	for i, want := range []string{"R1", "R2", "R3"} {
		require.NoError(t, res.Items[i].Err)
		assert.Equal(t, i, res.Items[i].Index)
		assert.Equal(t, want, res.Items[i].Response.Answer)
	}
	assert.Equal(t, 3, res.Succeeded)
	assert.Zero(t, res.Failed)
	assert.Greater(t, res.AverageLatency, time.Duration(0))
	assert.GreaterOrEqual(t, res.TotalDuration, 60*time.Millisecond)
	assert.Equal(t, []eventbus.EventType{eventbus.EventBatchStarted, eventbus.EventBatchCompleted}, bus.Types())
}

func TestDispatchBatch_FailureIsolation(t *testing.T) {
	gen := testutil.NewFakeGenerator("").
		On("good one", "fine").
		Add(testutil.Rule{Match: "bad one", Errs: []error{errors.New("boom"), errors.New("boom")}})
	exec := executor.New(gen, executor.WithCallPolicy(testPolicy))

	res := dispatch.NewDispatcher(exec, workerpool.New(2)).
		DispatchBatch(context.Background(), []string{"good one", "bad one", "", "good one again"}, dispatch.BatchOptions{})

	assert.Equal(t, "fine", res.Items[0].Response.Answer)
	assert.Error(t, res.Items[1].Err)
	assert.Nil(t, res.Items[1].Response)
	assert.Equal(t, dispatch.ErrCodeGeneration, dispatch.ErrorCode(res.Items[1].Err))
	assert.Equal(t, dispatch.ErrCodeInvalidInput, dispatch.ErrorCode(res.Items[2].Err))
	assert.Equal(t, "fine", res.Items[3].Response.Answer)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
}

type panicResponder struct{}

func (panicResponder) Respond(ctx context.Context, req dispatch.Request) (*dispatch.Response, error) {
	if req.Query == "panic" {
		panic("responder blew up")
	}
	return &dispatch.Response{Query: req.Query, Answer: strings.ToUpper(req.Query), Latency: time.Millisecond}, nil
}

func TestDispatchBatch_RecoversPanics(t *testing.T) {
	res := dispatch.NewDispatcher(panicResponder{}, nil).
		DispatchBatch(context.Background(), []string{"a", "panic", "b"}, dispatch.BatchOptions{})

	assert.Equal(t, "A", res.Items[0].Response.Answer)
	assert.ErrorContains(t, res.Items[1].Err, "responder blew up")
	assert.Equal(t, "B", res.Items[2].Response.Answer)
	assert.Equal(t, time.Millisecond, res.AverageLatency)
}

func TestDispatchBatch_UsesCache(t *testing.T) {
	gen := testutil.NewFakeGenerator("answer")
	exec := executor.New(gen, executor.WithCallPolicy(testPolicy))
	d := dispatch.NewDispatcher(exec, workerpool.New(1))

	d.DispatchBatch(context.Background(), []string{"same question"}, dispatch.BatchOptions{})
	res := d.DispatchBatch(context.Background(), []string{"same question"}, dispatch.BatchOptions{})

	assert.True(t, res.Items[0].Response.Cached)
	assert.Len(t, gen.Calls(), 1)

	res = d.DispatchBatch(context.Background(), []string{"same question"}, dispatch.BatchOptions{NoCache: true})
	assert.False(t, res.Items[0].Response.Cached)
	assert.Len(t, gen.Calls(), 2)
}

func TestFailureNote(t *testing.T) {
	assert.Empty(t, dispatch.FailureNote(nil))
	note := dispatch.FailureNote([]dispatch.SubtaskReport{
		{SubtaskID: "subtask_2", Result: dispatch.ExecutionResult{Status: dispatch.StatusToolError}},
		{SubtaskID: "subtask_3", Result: dispatch.ExecutionResult{Status: dispatch.StatusGenerationError}},
	})
	assert.Equal(t, "\n\nFailed subtasks: subtask_2 (tool_error), subtask_3 (generation_error)", note)
}
