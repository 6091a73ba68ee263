package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Names of the built-in tools. The planner may only reference these.
const (
	NameCalculate = "calculate"
	NameSearch    = "search"
	NameWeather   = "weather"
	NameCalendar  = "calendar"
)

// BuiltinNames lists the closed set of tool names the planner may emit.
var BuiltinNames = []string{NameCalculate, NameSearch, NameWeather, NameCalendar}

// Builtins returns a registry with every built-in tool.
func Builtins() *Registry {
	calc := NewCalculator()
	cal := NewCalendar()
	return NewRegistry(
		NewGoTool(NameCalculate, calc.Execute,
			WithDescription("Evaluates an arithmetic expression."),
			WithParameters(map[string]string{
				"expression": "Expression to evaluate, e.g. '25*4' or 'sqrt(16)'",
			}),
			WithReturns("The numeric result as text."),
			WithExamples([]string{`{"expression": "25×4"}`, `{"expression": "pow(2, 10)"}`}),
			WithValidator(validateCalculationInput),
		),
		NewGoTool(NameSearch, PerformSearch,
			WithDescription("Searches for information about a query."),
			WithParameters(map[string]string{
				"query": "Search query string",
			}),
			WithReturns("Search results as text."),
			WithValidator(validateSearchInput),
		),
		NewGoTool(NameWeather, LookupWeather,
			WithDescription("Looks up the current weather for a location."),
			WithParameters(map[string]string{
				"location": "City name",
			}),
			WithReturns("A short weather report."),
			WithValidator(requireString("location")),
		),
		NewGoTool(NameCalendar, cal.Execute,
			WithDescription("Checks or adds calendar events for a date."),
			WithParameters(map[string]string{
				"date":   "Date, e.g. 2025-01-15 or 'today'",
				"action": "'check' (default) or 'add'",
				"event":  "Event title, required for 'add'",
			}),
			WithReturns("The events on the date, or a confirmation."),
			WithValidator(validateCalendarInput),
		),
	)
}

// PerformSearch simulates a web search. It expects a "query" argument.
func PerformSearch(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	query, _ := input["query"].(string)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"output": fmt.Sprintf("Simulated search results for query: %s", query),
	}, nil
}

var weatherData = map[string]string{
	"beijing":  "sunny, 15°C",
	"shanghai": "cloudy, 18°C",
	"北京":       "sunny, 15°C",
	"上海":       "cloudy, 18°C",
	"广州":       "light rain, 25°C",
}

// LookupWeather returns simulated weather for a "location" argument.
func LookupWeather(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	location, _ := input["location"].(string)
	key := strings.ToLower(strings.TrimSpace(location))
	key = strings.NewReplacer("市", "", "省", "").Replace(key)

	report, ok := weatherData[key]
	if !ok {
		report = "sunny, 22°C"
	}
	return map[string]interface{}{
		"output": fmt.Sprintf("Weather in %s: %s", location, report),
	}, nil
}

// Calendar is an in-memory event calendar keyed by date string.
type Calendar struct {
	mu     sync.Mutex
	events map[string][]string
}

// NewCalendar creates a calendar with a few sample events.
func NewCalendar() *Calendar {
	return &Calendar{events: map[string][]string{
		"today":    {"Team meeting - 10:00", "Code review - 14:00"},
		"tomorrow": {"Project demo - 09:00", "Client meeting - 15:00"},
	}}
}

// Execute implements the "calendar" tool.
func (c *Calendar) Execute(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	date := strings.ToLower(strings.TrimSpace(stringArg(input, "date")))
	action := strings.ToLower(stringArg(input, "action"))
	if action == "" {
		action = "check"
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch action {
	case "check":
		events := c.events[date]
		if len(events) == 0 {
			return map[string]interface{}{"output": fmt.Sprintf("No events on %s", date)}, nil
		}
		sorted := append([]string(nil), events...)
		sort.Strings(sorted)
		return map[string]interface{}{
			"output": fmt.Sprintf("Events on %s: %s", date, strings.Join(sorted, ", ")),
		}, nil
	case "add":
		event := stringArg(input, "event")
		c.events[date] = append(c.events[date], event)
		return map[string]interface{}{"output": fmt.Sprintf("Added %q on %s", event, date)}, nil
	default:
		return nil, fmt.Errorf("unknown calendar action %q", action)
	}
}

func stringArg(input map[string]interface{}, key string) string {
	s, _ := input[key].(string)
	return s
}

func requireString(key string) func(map[string]interface{}) error {
	return func(input map[string]interface{}) error {
		v, ok := input[key]
		if !ok {
			return fmt.Errorf("missing %s", key)
		}
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%s must be a string, got %T", key, v)
		}
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s cannot be empty", key)
		}
		return nil
	}
}

func validateSearchInput(input map[string]interface{}) error {
	if err := requireString("query")(input); err != nil {
		return err
	}
	if len(input["query"].(string)) > 1000 {
		return fmt.Errorf("search query too long (max 1000 characters)")
	}
	return nil
}

func validateCalendarInput(input map[string]interface{}) error {
	if err := requireString("date")(input); err != nil {
		return err
	}
	action := strings.ToLower(stringArg(input, "action"))
	switch action {
	case "", "check":
		return nil
	case "add":
		return requireString("event")(input)
	default:
		return fmt.Errorf("action must be 'check' or 'add', got %q", action)
	}
}
