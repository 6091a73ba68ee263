package eventbus

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Record is one event as seen by a Provenance collector.
type Record struct {
	Type     EventType              `json:"type"`
	Source   string                 `json:"source"`
	At       time.Time              `json:"at"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	seq uint64
}

type sequenced interface {
	Sequence() uint64
}

// Subscriber is the subset of EventBus a collector needs.
type Subscriber interface {
	SubscribeAll(handler EventHandler) (string, error)
}

// Provenance keeps the event trail of every task plus per-type counts.
// Events without a task id (batch events) are counted but not trailed.
type Provenance struct {
	mu     sync.Mutex
	trails map[string][]Record
	counts map[EventType]int
}

// NewProvenance subscribes a collector to bus.
func NewProvenance(bus Subscriber) (*Provenance, error) {
	p := &Provenance{
		trails: make(map[string][]Record),
		counts: make(map[EventType]int),
	}
	if _, err := bus.SubscribeAll(p.record); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provenance) record(_ context.Context, e Event) error {
	rec := Record{
		Type:   e.Type(),
		Source: e.Source(),
		At:     time.Unix(0, e.Timestamp()),
	}
	if s, ok := e.(sequenced); ok {
		rec.seq = s.Sequence()
	}
	if len(e.Metadata()) > 0 {
		rec.Metadata = make(map[string]interface{}, len(e.Metadata()))
		for k, v := range e.Metadata() {
			rec.Metadata[k] = v
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[rec.Type]++
	if id := TaskID(e); id != "" {
		p.trails[id] = append(p.trails[id], rec)
	}
	return nil
}

// Trail returns the events recorded for taskID in emission order.
// Workers deliver concurrently, so arrival order is not used.
func (p *Provenance) Trail(taskID string) []Record {
	p.mu.Lock()
	trail := append([]Record(nil), p.trails[taskID]...)
	p.mu.Unlock()

	sort.SliceStable(trail, func(i, j int) bool {
		if trail[i].seq != 0 && trail[j].seq != 0 {
			return trail[i].seq < trail[j].seq
		}
		return trail[i].At.Before(trail[j].At)
	})
	return trail
}

// Counts returns the number of events seen per type.
func (p *Provenance) Counts() map[EventType]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[EventType]int, len(p.counts))
	for t, n := range p.counts {
		out[t] = n
	}
	return out
}

// Forget drops the trail of taskID.
func (p *Provenance) Forget(taskID string) {
	p.mu.Lock()
	delete(p.trails, taskID)
	p.mu.Unlock()
}
