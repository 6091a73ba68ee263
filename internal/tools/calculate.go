package tools

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Knetic/govaluate"
)

// Calculator evaluates arithmetic expressions with a fixed set of functions.
type Calculator struct {
	functions map[string]govaluate.ExpressionFunction
}

// NewCalculator creates a calculator with the built-in math functions.
func NewCalculator() *Calculator {
	return &Calculator{functions: builtinFunctions()}
}

// RegisterFunction adds a function callable from expressions.
func (c *Calculator) RegisterFunction(name string, fn govaluate.ExpressionFunction) {
	c.functions[name] = fn
}

var operatorReplacer = strings.NewReplacer("×", "*", "÷", "/", "−", "-")

// Evaluate parses and evaluates expr. Only numeric results are accepted.
func (c *Calculator) Evaluate(expr string) (float64, error) {
	normalized := operatorReplacer.Replace(strings.TrimSpace(expr))
	if normalized == "" {
		return 0, fmt.Errorf("expression cannot be empty")
	}

	eval, err := govaluate.NewEvaluableExpressionWithFunctions(normalized, c.functions)
	if err != nil {
		return 0, fmt.Errorf("invalid expression %q: %w", expr, err)
	}
	if vars := eval.Vars(); len(vars) > 0 {
		return 0, fmt.Errorf("unknown identifiers in expression: %s", strings.Join(vars, ", "))
	}

	res, err := eval.Evaluate(nil)
	if err != nil {
		return 0, fmt.Errorf("evaluate %q: %w", expr, err)
	}
	v, ok := res.(float64)
	if !ok {
		return 0, fmt.Errorf("expression %q did not produce a number", expr)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("expression %q is undefined (division by zero?)", expr)
	}
	return v, nil
}

// Execute implements the "calculate" tool.
func (c *Calculator) Execute(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	expr, _ := input["expression"].(string)
	v, err := c.Evaluate(expr)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"output": FormatNumber(v)}, nil
}

// FormatNumber renders v without trailing zeros; integral values print as integers.
func FormatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func builtinFunctions() map[string]govaluate.ExpressionFunction {
	unary := func(name string, f func(float64) float64) govaluate.ExpressionFunction {
		return func(args ...interface{}) (interface{}, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("%s takes 1 argument, got %d", name, len(args))
			}
			x, ok := args[0].(float64)
			if !ok {
				return nil, fmt.Errorf("%s: argument must be a number", name)
			}
			return f(x), nil
		}
	}
	return map[string]govaluate.ExpressionFunction{
		"sqrt":  unary("sqrt", math.Sqrt),
		"abs":   unary("abs", math.Abs),
		"floor": unary("floor", math.Floor),
		"ceil":  unary("ceil", math.Ceil),
		"round": unary("round", math.Round),
		"pow": func(args ...interface{}) (interface{}, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("pow takes 2 arguments, got %d", len(args))
			}
			x, ok1 := args[0].(float64)
			y, ok2 := args[1].(float64)
			if !ok1 || !ok2 {
				return nil, fmt.Errorf("pow: arguments must be numbers")
			}
			return math.Pow(x, y), nil
		},
	}
}

func validateCalculationInput(input map[string]interface{}) error {
	expr, ok := input["expression"]
	if !ok {
		return fmt.Errorf("missing expression (expected at key 'expression')")
	}
	exprStr, ok := expr.(string)
	if !ok {
		return fmt.Errorf("expression must be a string, got %T", expr)
	}
	if strings.TrimSpace(exprStr) == "" {
		return fmt.Errorf("expression cannot be empty")
	}
	if len(exprStr) > 200 {
		return fmt.Errorf("expression too long (max 200 characters)")
	}
	return nil
}
