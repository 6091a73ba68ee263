package tools

import (
	"context"
	"fmt"
)

// Tool is a deterministic function the executor can call by name.
type Tool interface {
	Name() string
	Execute(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
	Validate(input map[string]interface{}) error
	Schema() map[string]interface{}
}

// ToolFunc is the signature wrapped by GoTool. Results conventionally carry an "output" key.
type ToolFunc func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)

// GoTool adapts a Go function to the Tool interface.
type GoTool struct {
	fn          ToolFunc
	name        string
	description string
	schema      map[string]interface{}
	validator   func(map[string]interface{}) error
}

// ToolOption configures a GoTool.
type ToolOption func(*GoTool)

// WithValidator sets the argument validator.
func WithValidator(validator func(map[string]interface{}) error) ToolOption {
	return func(t *GoTool) {
		t.validator = validator
	}
}

// WithDescription sets the description shown to the planner.
func WithDescription(description string) ToolOption {
	return func(t *GoTool) {
		t.description = description
		t.schema["description"] = description
	}
}

// WithParameters documents the accepted arguments.
func WithParameters(parameters map[string]string) ToolOption {
	return func(t *GoTool) {
		t.schema["parameters"] = parameters
	}
}

// WithReturns documents the output.
func WithReturns(returns string) ToolOption {
	return func(t *GoTool) {
		t.schema["returns"] = returns
	}
}

// WithExamples adds usage examples to the schema.
func WithExamples(examples []string) ToolOption {
	return func(t *GoTool) {
		t.schema["examples"] = examples
	}
}

// NewGoTool creates a Tool from fn.
func NewGoTool(name string, fn ToolFunc, options ...ToolOption) *GoTool {
	t := &GoTool{
		fn:     fn,
		name:   name,
		schema: map[string]interface{}{"name": name},
		validator: func(input map[string]interface{}) error {
			if input == nil {
				return fmt.Errorf("input cannot be nil")
			}
			return nil
		},
	}
	for _, option := range options {
		option(t)
	}
	return t
}

// Execute validates input and runs the wrapped function.
func (t *GoTool) Execute(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if t.fn == nil {
		return nil, fmt.Errorf("tool function is nil")
	}
	if err := t.Validate(input); err != nil {
		return nil, &ValidationError{Tool: t.name, Err: err}
	}
	return t.fn(ctx, input)
}

func (t *GoTool) Validate(input map[string]interface{}) error {
	if t.validator != nil {
		return t.validator(input)
	}
	return nil
}

func (t *GoTool) Schema() map[string]interface{} {
	return t.schema
}

func (t *GoTool) Name() string {
	return t.name
}

// Description returns the planner-facing description, if any.
func (t *GoTool) Description() string {
	return t.description
}

// ValidationError reports arguments rejected before a tool ran.
type ValidationError struct {
	Tool string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("input validation failed for %s: %v", e.Tool, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
