package dispatch

import (
	"fmt"
	"strings"
	"time"
)

// Tier names the generation capability class used for a call.
type Tier string

const (
	TierUnset    Tier = ""
	TierFast     Tier = "fast"
	TierAccurate Tier = "accurate"
)

// ParseTier accepts a tier name or one of its aliases, case-insensitively.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return TierUnset, nil
	case "fast", "flash", "simple":
		return TierFast, nil
	case "accurate", "pro", "complex":
		return TierAccurate, nil
	default:
		return TierUnset, NewConfigurationError(fmt.Sprintf("unknown tier %q", s), nil)
	}
}

func (t Tier) String() string {
	if t == TierUnset {
		return "unset"
	}
	return string(t)
}

// Task is a user request accepted by the coordinator. Immutable after creation.
type Task struct {
	ID        string    `json:"task_id"`
	RawQuery  string    `json:"original_query"`
	CreatedAt time.Time `json:"created_at"`
}

// Subtask is one unit of work within a plan.
type Subtask struct {
	Index       int            `json:"index"` // 1-based position in the plan
	Description string         `json:"description"`
	ToolName    string         `json:"tool,omitempty"` // empty means direct generation
	Arguments   map[string]any `json:"arguments,omitempty"`
	DependsOn   []int          `json:"depends_on,omitempty"`
}

// ID renders the external subtask identifier.
func (s Subtask) ID() string {
	return fmt.Sprintf("subtask_%d", s.Index)
}

// UsesTool reports whether the subtask names a tool.
func (s Subtask) UsesTool() bool {
	return s.ToolName != ""
}

// PlanStatus records how a plan was obtained.
type PlanStatus string

const (
	PlanParsed                  PlanStatus = "parsed"
	PlanLoaded                  PlanStatus = "loaded"
	PlanFallbackParseError      PlanStatus = "fallback_parse_error"
	PlanFallbackGenerationError PlanStatus = "fallback_generation_error"
)

// IsFallback reports whether the plan replaced a failed decomposition.
func (s PlanStatus) IsFallback() bool {
	return s == PlanFallbackParseError || s == PlanFallbackGenerationError
}

// Plan is an ordered, non-empty list of subtasks for one task.
type Plan struct {
	TaskID   string     `json:"task_id"`
	Subtasks []Subtask  `json:"subtasks"`
	Status   PlanStatus `json:"status"`
	Note     string     `json:"note,omitempty"`
}

// FallbackPlan returns the single-subtask plan equal to the raw query.
func FallbackPlan(task Task, status PlanStatus, note string) *Plan {
	return &Plan{
		TaskID: task.ID,
		Subtasks: []Subtask{{
			Index:       1,
			Description: task.RawQuery,
		}},
		Status: status,
		Note:   note,
	}
}

// ResultStatus is the outcome of executing a subtask.
type ResultStatus string

const (
	StatusOK              ResultStatus = "ok"
	StatusToolError       ResultStatus = "tool_error"
	StatusGenerationError ResultStatus = "generation_error"
)

// ExecutionResult is produced exactly once per subtask.
type ExecutionResult struct {
	SubtaskIndex int           `json:"subtask_index"`
	Status       ResultStatus  `json:"status"`
	Output       string        `json:"output"`
	ToolUsed     string        `json:"tool_used,omitempty"`
	Tier         Tier          `json:"tier,omitempty"`
	Cached       bool          `json:"cached"`
	Attempts     int           `json:"attempts"`
	Latency      time.Duration `json:"latency"`
}

// OK reports whether the subtask succeeded.
func (r ExecutionResult) OK() bool {
	return r.Status == StatusOK
}

// SubtaskReport pairs a subtask with its result for callers.
type SubtaskReport struct {
	SubtaskID   string          `json:"subtask_id"`
	Description string          `json:"description"`
	Tool        string          `json:"tool,omitempty"`
	Result      ExecutionResult `json:"result"`
}

// TaskStatus summarizes a processed task.
type TaskStatus string

const (
	TaskCompleted TaskStatus = "completed"
	TaskPartial   TaskStatus = "partial"
)

// TaskResult is returned by the coordinator for every accepted task.
type TaskResult struct {
	TaskID         string          `json:"task_id"`
	Query          string          `json:"original_query"`
	SubtasksCount  int             `json:"subtasks_count"`
	PlanStatus     PlanStatus      `json:"plan_status"`
	PlanNote       string          `json:"plan_note,omitempty"`
	Subtasks       []SubtaskReport `json:"subtasks"`
	FinalAnswer    string          `json:"final_answer"`
	SynthesisTier  Tier            `json:"synthesis_tier"`
	SynthesisError string          `json:"synthesis_error,omitempty"`
	Status         TaskStatus      `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	Duration       time.Duration   `json:"total_time"`
}

// Failed returns the reports whose subtask did not succeed.
func (r *TaskResult) Failed() []SubtaskReport {
	var failed []SubtaskReport
	for _, s := range r.Subtasks {
		if !s.Result.OK() {
			failed = append(failed, s)
		}
	}
	return failed
}

// Request is a single query through the optimized pipeline.
type Request struct {
	Query   string `json:"query"`
	Tier    Tier   `json:"tier,omitempty"` // override; TierUnset lets the selector decide
	NoCache bool   `json:"no_cache,omitempty"`
}

// Response is the answer to a Request.
type Response struct {
	Query   string        `json:"query"`
	Answer  string        `json:"answer"`
	Tier    Tier          `json:"tier"`
	Cached  bool          `json:"cached"`
	Latency time.Duration `json:"latency"`
}

// BatchItem is the slot for one query in a batch; exactly one of Response or Err is set.
type BatchItem struct {
	Index    int       `json:"index"`
	Query    string    `json:"query"`
	Response *Response `json:"response,omitempty"`
	Err      error     `json:"-"`
}

// BatchResult preserves the input order of a dispatched batch.
type BatchResult struct {
	Items          []BatchItem   `json:"items"`
	Succeeded      int           `json:"succeeded"`
	Failed         int           `json:"failed"`
	TotalDuration  time.Duration `json:"total_time"`
	AverageLatency time.Duration `json:"average_latency"`
}
