package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dispatch "github.com/ZanzyTHEbar/dragonscale-dispatch"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/testutil"
)

var fastPolicy = dispatch.CallPolicy{Timeout: time.Second, RetryDelay: time.Millisecond}

func newTestPlanner(gen dispatch.Generator, opts ...Option) *Planner {
	return New(gen, append([]Option{WithCallPolicy(fastPolicy)}, opts...)...)
}

func TestPlanner_Plan_Parsed(t *testing.T) {
	gen := testutil.NewFakeGenerator("").On("task planning agent", "```json\n"+
		`{"subtasks": [`+
		`{"description": "Calculate 25 times 4", "tool": "calculate", "arguments": {"expression": "25*4"}},`+
		`{"description": "Explain what AI is", "tool": "none", "depends_on": [1]}`+
		`]}`+"\n```")
	bus := &testutil.RecordingBus{}

	p := newTestPlanner(gen, WithEventBus(bus))
	plan := p.Plan(context.Background(), dispatch.Task{ID: "t1", RawQuery: "calculate 25×4 then explain what AI is"})

	require.Equal(t, dispatch.PlanParsed, plan.Status)
	assert.Equal(t, "t1", plan.TaskID)
	require.Len(t, plan.Subtasks, 2)

	first := plan.Subtasks[0]
	assert.Equal(t, 1, first.Index)
	assert.Equal(t, "calculate", first.ToolName)
	assert.Equal(t, "25*4", first.Arguments["expression"])

	second := plan.Subtasks[1]
	assert.Equal(t, "", second.ToolName)
	assert.False(t, second.UsesTool())
	assert.Equal(t, []int{1}, second.DependsOn)

	assert.Equal(t, []eventbus.EventType{eventbus.EventPlanGenerated}, bus.Types())
	calls := gen.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, dispatch.TierAccurate, calls[0].Tier)
	assert.Contains(t, calls[0].Prompt, "calculate 25×4 then explain what AI is")
}

func TestPlanner_Plan_FallbackOnUnparseableOutput(t *testing.T) {
	gen := testutil.NewFakeGenerator("I think you should just do it.")
	bus := &testutil.RecordingBus{}

	plan := newTestPlanner(gen, WithEventBus(bus)).Plan(context.Background(), dispatch.Task{ID: "t2", RawQuery: "tell me a joke"})

	assert.Equal(t, dispatch.PlanFallbackParseError, plan.Status)
	assert.True(t, plan.Status.IsFallback())
	require.Len(t, plan.Subtasks, 1)
	assert.Equal(t, "tell me a joke", plan.Subtasks[0].Description)
	assert.False(t, plan.Subtasks[0].UsesTool())
	assert.Contains(t, plan.Note, string(dispatch.ErrCodePlanParse))
	assert.Equal(t, 1, bus.Count(eventbus.EventPlanFallback))
}

func TestPlanner_Plan_FallbackOnGenerationFailure(t *testing.T) {
	gen := testutil.NewFakeGenerator("").Add(testutil.Rule{
		Match: "task planning agent",
		Errs:  []error{errors.New("model exploded")},
	})

	plan := newTestPlanner(gen).Plan(context.Background(), dispatch.Task{ID: "t3", RawQuery: "hi"})

	assert.Equal(t, dispatch.PlanFallbackGenerationError, plan.Status)
	require.Len(t, plan.Subtasks, 1)
	assert.Equal(t, "hi", plan.Subtasks[0].Description)
	assert.Contains(t, plan.Note, "model exploded")
	assert.Equal(t, 1, len(gen.Calls()), "permanent failures are not retried")
}

func TestPlanner_Plan_RetriesTransientOnce(t *testing.T) {
	gen := testutil.NewFakeGenerator("").Add(testutil.Rule{
		Match: "task planning agent",
		Reply: `{"subtasks": [{"description": "Look up Go", "tool": "search", "arguments": {"query": "go"}}]}`,
		Errs:  []error{dispatch.Transient(errors.New("503 unavailable"))},
	})

	plan := newTestPlanner(gen).Plan(context.Background(), dispatch.Task{ID: "t4", RawQuery: "what is go"})

	assert.Equal(t, dispatch.PlanParsed, plan.Status)
	assert.Len(t, gen.Calls(), 2)
}

func TestPlanner_Prompt(t *testing.T) {
	p := New(nil, WithCatalog(map[string]string{"weather": "Reports weather."}), WithMaxSubtasks(3))
	prompt := p.Prompt("rain in Oslo?")

	assert.Contains(t, prompt, "rain in Oslo?")
	assert.Contains(t, prompt, "- weather: Reports weather.")
	assert.Contains(t, prompt, "- none:")
	assert.Contains(t, prompt, "at most 3 subtasks")
	assert.NotContains(t, prompt, "calculate:")
}

func TestParsePlan(t *testing.T) {
	allowed := map[string]bool{"calculate": true, "search": true}

	tests := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, subtasks []dispatch.Subtask)
	}{
		{
			name: "surrounding prose",
			raw:  `Here is the plan: {"subtasks": [{"description": "Search Go", "tool": "SEARCH", "arguments": {"query": "go"}}]} Hope it helps.`,
			check: func(t *testing.T, s []dispatch.Subtask) {
				assert.Equal(t, "search", s[0].ToolName)
			},
		},
		{
			name: "parameters alias",
			raw:  `{"subtasks": [{"description": "Add", "tool": "calculate", "parameters": {"expression": "1+1"}}]}`,
			check: func(t *testing.T, s []dispatch.Subtask) {
				assert.Equal(t, "1+1", s[0].Arguments["expression"])
			},
		},
		{
			name: "null tool means direct",
			raw:  `{"subtasks": [{"description": "Say hi", "tool": null}]}`,
			check: func(t *testing.T, s []dispatch.Subtask) {
				assert.Equal(t, "", s[0].ToolName)
				assert.Nil(t, s[0].Arguments)
			},
		},
		{
			name: "depends_on sorted",
			raw: `{"subtasks": [{"description": "a"}, {"description": "b"},` +
				`{"description": "c", "depends_on": [2, 1]}]}`,
			check: func(t *testing.T, s []dispatch.Subtask) {
				assert.Equal(t, []int{1, 2}, s[2].DependsOn)
				assert.Equal(t, 3, s[2].Index)
			},
		},
		{name: "no json", raw: "sorry", wantErr: true},
		{name: "empty plan", raw: `{"subtasks": []}`, wantErr: true},
		{name: "unknown tool", raw: `{"subtasks": [{"description": "x", "tool": "teleport"}]}`, wantErr: true},
		{name: "empty description", raw: `{"subtasks": [{"description": "  ", "tool": "none"}]}`, wantErr: true},
		{name: "unknown field", raw: `{"subtasks": [{"description": "x", "priority": 1}]}`, wantErr: true},
		{name: "nested argument", raw: `{"subtasks": [{"description": "x", "tool": "search", "arguments": {"query": {"q": "go"}}}]}`, wantErr: true},
		{name: "list argument", raw: `{"subtasks": [{"description": "x", "tool": "search", "arguments": {"query": ["go"]}}]}`, wantErr: true},
		{
			name:    "arguments and parameters",
			raw:     `{"subtasks": [{"description": "x", "tool": "calculate", "arguments": {"expression": "1"}, "parameters": {"expression": "2"}}]}`,
			wantErr: true,
		},
		{name: "forward dependency", raw: `{"subtasks": [{"description": "a", "depends_on": [2]}, {"description": "b"}]}`, wantErr: true},
		{name: "self dependency", raw: `{"subtasks": [{"description": "a", "depends_on": [1]}]}`, wantErr: true},
		{name: "duplicate dependency", raw: `{"subtasks": [{"description": "a"}, {"description": "b", "depends_on": [1, 1]}]}`, wantErr: true},
		{name: "two objects", raw: `{"subtasks": [{"description": "a"}]} {"subtasks": []}`, wantErr: true},
		{
			name:    "too many subtasks",
			raw:     `{"subtasks": [{"description": "a"}, {"description": "b"}, {"description": "c"}, {"description": "d"}]}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subtasks, err := ParsePlan(tt.raw, allowed, 3)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, dispatch.ErrCodePlanParse, dispatch.ErrorCode(err))
				return
			}
			require.NoError(t, err)
			require.NotEmpty(t, subtasks)
			if tt.check != nil {
				tt.check(t, subtasks)
			}
		})
	}
}

func TestValidateArguments(t *testing.T) {
	assert.NoError(t, ValidateArguments(nil))
	assert.NoError(t, ValidateArguments(map[string]any{"s": "x", "n": 1.5, "b": true, "i": 3}))
	assert.Error(t, ValidateArguments(map[string]any{"nil": nil}))
}
