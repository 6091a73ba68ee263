package planner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	dispatch "github.com/ZanzyTHEbar/dragonscale-dispatch"
)

// PlanFile is a hand-written plan loaded from YAML.
//
//	name: weather-and-math
//	subtasks:
//	  - id: square
//	    description: Compute 10 squared
//	    tool: calculate
//	    args: {expression: "10*10"}
//	  - id: report
//	    description: Describe the result
//	    depends_on: [square]
type PlanFile struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Subtasks    []PlanFileSubtask `yaml:"subtasks"`
}

type PlanFileSubtask struct {
	ID          string                 `yaml:"id"`
	Description string                 `yaml:"description"`
	Tool        string                 `yaml:"tool"`
	Args        map[string]interface{} `yaml:"args"`
	DependsOn   []string               `yaml:"depends_on"`
}

// LoadPlanFile reads and validates a YAML plan file. allowed names the tools it may use.
func LoadPlanFile(path string, allowed map[string]bool) (*PlanFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plan file: %w", err)
	}
	return ParsePlanFile(data, allowed)
}

// ParsePlanFile decodes and validates a YAML plan document.
func ParsePlanFile(data []byte, allowed map[string]bool) (*PlanFile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var pf PlanFile
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("failed to parse plan YAML: %w", err)
	}
	if err := pf.Validate(allowed); err != nil {
		return nil, err
	}
	return &pf, nil
}

// Validate checks for empty plans, duplicate IDs, unknown tools, non-scalar
// arguments, missing dependencies and cycles. A nil allowed set permits any tool.
func (pf *PlanFile) Validate(allowed map[string]bool) error {
	if len(pf.Subtasks) == 0 {
		return fmt.Errorf("plan file has no subtasks")
	}

	ids := make(map[string]struct{}, len(pf.Subtasks))
	for i, st := range pf.Subtasks {
		if st.ID == "" {
			return fmt.Errorf("subtask %d has no id", i+1)
		}
		if _, exists := ids[st.ID]; exists {
			return fmt.Errorf("duplicate subtask ID found: %s", st.ID)
		}
		ids[st.ID] = struct{}{}

		if strings.TrimSpace(st.Description) == "" {
			return fmt.Errorf("subtask '%s' has no description", st.ID)
		}
		tool := normalizeTool(st.Tool)
		if tool != "" && allowed != nil && !allowed[tool] {
			return fmt.Errorf("subtask '%s' uses unknown tool %q", st.ID, st.Tool)
		}
		if err := ValidateArguments(st.Args); err != nil {
			return fmt.Errorf("subtask '%s': %w", st.ID, err)
		}
	}

	for _, st := range pf.Subtasks {
		for _, dep := range st.DependsOn {
			if _, exists := ids[dep]; !exists {
				return fmt.Errorf("subtask '%s' depends on missing subtask '%s'", st.ID, dep)
			}
		}
	}

	// Cycle check by DFS.
	visited := make(map[string]bool, len(pf.Subtasks))
	stack := make(map[string]bool, len(pf.Subtasks))
	var hasCycle func(id string) bool
	hasCycle = func(id string) bool {
		if stack[id] {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		stack[id] = true
		if st := pf.byID(id); st != nil {
			for _, dep := range st.DependsOn {
				if hasCycle(dep) {
					return true
				}
			}
		}
		stack[id] = false
		return false
	}
	for _, st := range pf.Subtasks {
		if hasCycle(st.ID) {
			return fmt.Errorf("cycle detected in plan at subtask '%s'", st.ID)
		}
	}
	return nil
}

func (pf *PlanFile) byID(id string) *PlanFileSubtask {
	for i := range pf.Subtasks {
		if pf.Subtasks[i].ID == id {
			return &pf.Subtasks[i]
		}
	}
	return nil
}

// ToPlan converts a validated file into a plan for taskID. Subtasks are put in
// dependency order, so every dependency index is lower than its dependent's.
func (pf *PlanFile) ToPlan(taskID string) *dispatch.Plan {
	order := pf.topoOrder()
	index := make(map[string]int, len(order))
	for i, st := range order {
		index[st.ID] = i + 1
	}

	subtasks := make([]dispatch.Subtask, 0, len(order))
	for i, st := range order {
		var deps []int
		for _, d := range st.DependsOn {
			deps = append(deps, index[d])
		}
		sub := dispatch.Subtask{
			Index:       i + 1,
			Description: strings.TrimSpace(st.Description),
			ToolName:    normalizeTool(st.Tool),
			DependsOn:   deps,
		}
		if len(st.Args) > 0 {
			sub.Arguments = st.Args
		}
		subtasks = append(subtasks, sub)
	}

	return &dispatch.Plan{
		TaskID:   taskID,
		Subtasks: subtasks,
		Status:   dispatch.PlanLoaded,
		Note:     pf.Name,
	}
}

// topoOrder repeatedly places the first subtask in file order whose
// dependencies are all placed. A dependent therefore lands right after its last
// dependency unless an earlier file entry becomes ready first.
func (pf *PlanFile) topoOrder() []PlanFileSubtask {
	placed := make(map[string]bool, len(pf.Subtasks))
	order := make([]PlanFileSubtask, 0, len(pf.Subtasks))
	for len(order) < len(pf.Subtasks) {
		progressed := false
		for _, st := range pf.Subtasks {
			if placed[st.ID] {
				continue
			}
			ready := true
			for _, d := range st.DependsOn {
				if !placed[d] {
					ready = false
					break
				}
			}
			if ready {
				placed[st.ID] = true
				order = append(order, st)
				progressed = true
				break
			}
		}
		if !progressed {
			// Unreachable for a validated file.
			break
		}
	}
	return order
}

func normalizeTool(tool string) string {
	t := strings.ToLower(strings.TrimSpace(tool))
	if t == NoTool {
		return ""
	}
	return t
}

// FilePlanner serves a fixed plan file through the dispatch.Planner contract.
type FilePlanner struct {
	file *PlanFile
}

// NewFilePlanner creates a planner that always returns file's plan.
func NewFilePlanner(file *PlanFile) *FilePlanner {
	return &FilePlanner{file: file}
}

// Plan implements dispatch.Planner.
func (f *FilePlanner) Plan(ctx context.Context, task dispatch.Task) *dispatch.Plan {
	return f.file.ToPlan(task.ID)
}
