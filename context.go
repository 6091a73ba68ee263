package dispatch

import "context"

type ctxKey int

const taskIDKey ctxKey = iota

// WithTaskID returns a context carrying the task ID for log and event correlation.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// TaskIDFrom returns the task ID stored by WithTaskID, or "".
func TaskIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey).(string)
	return id
}
