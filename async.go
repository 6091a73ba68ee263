package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"

	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/eventbus"
)

// SubmitTask starts query in the background and returns its task ID.
// The run is detached from ctx; use CancelTask to stop it.
func (c *Coordinator) SubmitTask(ctx context.Context, query string) (string, error) {
	task, err := newTask(query)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := newTaskRun(task)
	run.cancel = cancel

	c.runsMu.Lock()
	c.runs[task.ID] = run
	c.runsMu.Unlock()

	go func() {
		defer cancel()
		c.process(runCtx, task, run)
	}()
	return task.ID, nil
}

func (c *Coordinator) lookupRun(taskID string) (*taskRun, error) {
	c.runsMu.RLock()
	defer c.runsMu.RUnlock()
	run, ok := c.runs[taskID]
	if !ok {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr(fmt.Sprintf("task '%s' not found", taskID), nil))
	}
	return run, nil
}

// TaskStatus reports the progress of a submitted task.
func (c *Coordinator) TaskStatus(taskID string) (TaskStatusInfo, error) {
	run, err := c.lookupRun(taskID)
	if err != nil {
		return TaskStatusInfo{}, err
	}
	return run.snapshot(), nil
}

// TaskOutcome returns the result of a finished task.
func (c *Coordinator) TaskOutcome(taskID string) (*TaskResult, error) {
	run, err := c.lookupRun(taskID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()
	switch run.state {
	case StateComplete:
		return run.result, nil
	case StateCancelled:
		return nil, fmt.Errorf("task '%s' was cancelled", taskID)
	case StateFailed:
		return nil, fmt.Errorf("task '%s' failed: %w", taskID, run.err)
	default:
		return nil, fmt.Errorf("task '%s' is still in progress (state: %s)", taskID, run.state)
	}
}

// CancelTask stops a submitted task. It returns false if the task had already finished.
func (c *Coordinator) CancelTask(taskID string) (bool, error) {
	run, err := c.lookupRun(taskID)
	if err != nil {
		return false, err
	}

	run.mu.Lock()
	if !run.transitionLocked(StateCancelled) {
		run.mu.Unlock()
		return false, nil
	}
	run.err = context.Canceled
	cancel := run.cancel
	elapsed := run.finishedAt.Sub(run.task.CreatedAt)
	run.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.logger.Info("task cancelled", map[string]interface{}{"task_id": taskID})
	c.emit(WithTaskID(context.Background(), taskID), eventbus.EventTaskCancelled, nil, map[string]interface{}{
		"duration_ms": elapsed.Milliseconds(),
	})
	return true, nil
}

// ListTasks maps every tracked task ID to its current state.
func (c *Coordinator) ListTasks() map[string]TaskState {
	c.runsMu.RLock()
	defer c.runsMu.RUnlock()

	out := make(map[string]TaskState, len(c.runs))
	for id, run := range c.runs {
		run.mu.RLock()
		out[id] = run.state
		run.mu.RUnlock()
	}
	return out
}

// CleanupFinished forgets tasks that reached a terminal state more than olderThan ago.
func (c *Coordinator) CleanupFinished(olderThan time.Duration) int {
	c.runsMu.Lock()
	defer c.runsMu.Unlock()

	now := time.Now()
	removed := 0
	for id, run := range c.runs {
		run.mu.RLock()
		done := run.state.IsTerminal() && now.Sub(run.finishedAt) > olderThan
		run.mu.RUnlock()
		if done {
			delete(c.runs, id)
			removed++
		}
	}
	return removed
}
