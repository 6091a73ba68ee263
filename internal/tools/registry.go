package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ZanzyTHEbar/errbuilder-go"

	dispatch "github.com/ZanzyTHEbar/dragonscale-dispatch"
)

// Registry maps tool names to tools. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry holding tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Lookup returns the named tool or a not-found error.
func (r *Registry) Lookup(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr(fmt.Sprintf("tool %q is not registered", name), nil))
	}
	return t, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptions maps each tool name to its description, for planner prompts.
func (r *Registry) Descriptions() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.tools))
	for name, t := range r.tools {
		if desc, ok := t.Schema()["description"].(string); ok {
			out[name] = desc
		} else {
			out[name] = "No description available."
		}
	}
	return out
}

// Catalog maps each tool name to a planner-facing line: its description
// followed by the argument names it accepts.
func (r *Registry) Catalog() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.tools))
	for name, t := range r.tools {
		schema := t.Schema()
		line, _ := schema["description"].(string)
		if params, ok := schema["parameters"].(map[string]string); ok && len(params) > 0 {
			keys := make([]string, 0, len(params))
			for k := range params {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			parts := make([]string, len(keys))
			for i, k := range keys {
				parts[i] = fmt.Sprintf("%s (%s)", k, params[k])
			}
			line = strings.TrimSpace(line + " Arguments: " + strings.Join(parts, "; ") + ".")
		}
		out[name] = line
	}
	return out
}

// Invoke runs the named tool and returns its "output" value as text.
// Unknown tools, rejected arguments, failures and panics all come back as errors.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (out string, err error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return "", err
	}

	t, lookupErr := r.Lookup(name)
	if lookupErr != nil {
		nf := dispatch.NewToolNotFoundError(name)
		nf.Cause = lookupErr
		return "", nf
	}
	if args == nil {
		args = map[string]any{}
	}

	defer func() {
		if p := recover(); p != nil {
			out = ""
			err = dispatch.NewToolExecutionError(name, fmt.Errorf("panic: %v", p))
		}
	}()

	result, execErr := t.Execute(ctx, args)
	if execErr != nil {
		var ve *ValidationError
		if errors.As(execErr, &ve) {
			return "", dispatch.NewToolArgumentsError(name, ve.Err)
		}
		return "", dispatch.NewToolExecutionError(name, execErr)
	}
	return formatOutput(result), nil
}

func formatOutput(result map[string]interface{}) string {
	if v, ok := result["output"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	if len(result) == 0 {
		return ""
	}
	return fmt.Sprint(result)
}
