package executor

import (
	"sync"
	"time"

	dispatch "github.com/ZanzyTHEbar/dragonscale-dispatch"
)

// Metrics tracks aggregate statistics across executor calls.
type Metrics struct {
	SubtasksExecuted  int
	SubtasksSucceeded int
	SubtasksFailed    int
	ToolCalls         int
	ToolErrors        int
	GenerationCalls   int
	GenerationErrors  int
	CacheHits         int
	TotalRetries      int
	TotalDuration     time.Duration
	LongestCall       time.Duration
	ShortestCall      time.Duration

	mu sync.Mutex
}

// Copy returns a snapshot without the mutex.
func (m *Metrics) Copy() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Metrics{
		SubtasksExecuted:  m.SubtasksExecuted,
		SubtasksSucceeded: m.SubtasksSucceeded,
		SubtasksFailed:    m.SubtasksFailed,
		ToolCalls:         m.ToolCalls,
		ToolErrors:        m.ToolErrors,
		GenerationCalls:   m.GenerationCalls,
		GenerationErrors:  m.GenerationErrors,
		CacheHits:         m.CacheHits,
		TotalRetries:      m.TotalRetries,
		TotalDuration:     m.TotalDuration,
		LongestCall:       m.LongestCall,
		ShortestCall:      m.ShortestCall,
	}
}

func (m *Metrics) recordSubtask(res dispatch.ExecutionResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SubtasksExecuted++
	if res.OK() {
		m.SubtasksSucceeded++
	} else {
		m.SubtasksFailed++
	}
	m.observe(res.Latency)
}

func (m *Metrics) recordTool(failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ToolCalls++
	if failed {
		m.ToolErrors++
	}
}

func (m *Metrics) recordGeneration(cached bool, attempts int, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached {
		m.CacheHits++
		return
	}
	m.GenerationCalls += attempts
	if attempts > 1 {
		m.TotalRetries += attempts - 1
	}
	if failed {
		m.GenerationErrors++
	}
}

func (m *Metrics) observe(d time.Duration) {
	m.TotalDuration += d
	if d > m.LongestCall {
		m.LongestCall = d
	}
	if m.ShortestCall == 0 || d < m.ShortestCall {
		m.ShortestCall = d
	}
}
