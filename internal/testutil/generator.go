// Package testutil holds test doubles shared across packages.
package testutil

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	dispatch "github.com/ZanzyTHEbar/dragonscale-dispatch"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/eventbus"
)

// Call records one Generate invocation.
type Call struct {
	Prompt string
	Tier   dispatch.Tier
}

// Rule answers prompts containing Match. Errs are returned in order before Reply.
type Rule struct {
	Match string
	Reply string
	Errs  []error
	Delay time.Duration
}

// FakeGenerator is a scripted, concurrency-safe dispatch.Generator.
// Prompts are matched against rules in insertion order; unmatched prompts
// get Default, or an error when Default is empty.
type FakeGenerator struct {
	mu      sync.Mutex
	rules   []*Rule
	calls   []Call
	Default string
}

// NewFakeGenerator creates a generator answering unmatched prompts with def.
func NewFakeGenerator(def string) *FakeGenerator {
	return &FakeGenerator{Default: def}
}

// On registers a reply for prompts containing match.
func (f *FakeGenerator) On(match, reply string) *FakeGenerator {
	return f.Add(Rule{Match: match, Reply: reply})
}

// Add registers a rule.
func (f *FakeGenerator) Add(r Rule) *FakeGenerator {
	f.mu.Lock()
	defer f.mu.Unlock()
	rule := r
	f.rules = append(f.rules, &rule)
	return f
}

// Generate implements dispatch.Generator.
func (f *FakeGenerator) Generate(ctx context.Context, prompt string, tier dispatch.Tier) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Prompt: prompt, Tier: tier})
	var (
		reply string
		err   error
		delay time.Duration
		found bool
	)
	for _, r := range f.rules {
		if strings.Contains(prompt, r.Match) {
			found = true
			delay = r.Delay
			if len(r.Errs) > 0 {
				err = r.Errs[0]
				r.Errs = r.Errs[1:]
			} else {
				reply = r.Reply
			}
			break
		}
	}
	if !found {
		if f.Default == "" {
			err = errors.New("fake generator: no rule matched")
		}
		reply = f.Default
	}
	f.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
	if err != nil {
		return "", err
	}
	return reply, nil
}

// Calls returns a copy of the recorded calls.
func (f *FakeGenerator) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsMatching counts calls whose prompt contains s.
func (f *FakeGenerator) CallsMatching(s string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.Contains(c.Prompt, s) {
			n++
		}
	}
	return n
}

// RecordingBus is a synchronous eventbus.Publisher that keeps every event.
type RecordingBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

// Publish implements eventbus.Publisher.
func (b *RecordingBus) Publish(ctx context.Context, event eventbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

// Types returns the recorded event types in publish order.
func (b *RecordingBus) Types() []eventbus.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]eventbus.EventType, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type()
	}
	return out
}

// Count returns how many events of type t were recorded.
func (b *RecordingBus) Count(t eventbus.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type() == t {
			n++
		}
	}
	return n
}
