package dispatch

import (
	"context"
	"sync"
	"time"
)

// TaskState is the lifecycle phase of a task run.
type TaskState string

const (
	StatePending      TaskState = "pending"
	StatePlanning     TaskState = "planning"
	StateExecuting    TaskState = "executing"
	StateSynthesizing TaskState = "synthesizing"
	StateComplete     TaskState = "complete"
	StateFailed       TaskState = "failed"
	StateCancelled    TaskState = "cancelled"
)

// IsTerminal reports whether no further transitions can happen.
func (s TaskState) IsTerminal() bool {
	return s == StateComplete || s == StateFailed || s == StateCancelled
}

// taskRun tracks one task through its states. Safe for concurrent use.
type taskRun struct {
	mu         sync.RWMutex
	task       Task
	state      TaskState
	enteredAt  map[TaskState]time.Time
	durations  map[TaskState]time.Duration
	result     *TaskResult
	err        error
	cancel     context.CancelFunc
	finishedAt time.Time
}

func newTaskRun(task Task) *taskRun {
	return &taskRun{
		task:      task,
		state:     StatePending,
		enteredAt: map[TaskState]time.Time{StatePending: time.Now()},
		durations: make(map[TaskState]time.Duration),
	}
}

// transition moves to next unless the run is already terminal.
func (r *taskRun) transition(next TaskState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(next)
}

func (r *taskRun) transitionLocked(next TaskState) bool {
	if r.state.IsTerminal() {
		return false
	}
	now := time.Now()
	r.durations[r.state] += now.Sub(r.enteredAt[r.state])
	r.state = next
	r.enteredAt[next] = now
	if next.IsTerminal() {
		r.finishedAt = now
	}
	return true
}

func (r *taskRun) finish(result *TaskResult, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := StateComplete
	if err != nil {
		next = StateFailed
	}
	if r.transitionLocked(next) {
		r.result = result
		r.err = err
	}
}

func (r *taskRun) snapshot() TaskStatusInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info := TaskStatusInfo{
		TaskID:    r.task.ID,
		Query:     r.task.RawQuery,
		State:     r.state,
		StartedAt: r.task.CreatedAt,
		Phases:    make(map[TaskState]time.Duration, len(r.durations)),
	}
	for s, d := range r.durations {
		info.Phases[s] = d
	}
	if r.state.IsTerminal() {
		info.Duration = r.finishedAt.Sub(r.task.CreatedAt)
	} else {
		info.Phases[r.state] += time.Since(r.enteredAt[r.state])
		info.Duration = time.Since(r.task.CreatedAt)
	}
	if r.err != nil {
		info.Error = r.err.Error()
	}
	if r.result != nil {
		info.Partial = r.result.Status == TaskPartial
	}
	return info
}

// TaskStatusInfo reports the progress of a submitted task.
type TaskStatusInfo struct {
	TaskID    string                      `json:"task_id"`
	Query     string                      `json:"query"`
	State     TaskState                   `json:"state"`
	StartedAt time.Time                   `json:"started_at"`
	Duration  time.Duration               `json:"duration"`
	Phases    map[TaskState]time.Duration `json:"phases"`
	Partial   bool                        `json:"partial,omitempty"`
	Error     string                      `json:"error,omitempty"`
}
