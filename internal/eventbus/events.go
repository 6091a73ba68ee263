package eventbus

import (
	"context"
	"sync/atomic"
	"time"
)

// EventType represents the type of an event
type EventType string

const (
	// Task lifecycle
	EventTaskStarted   EventType = "task_started"
	EventTaskCompleted EventType = "task_completed"
	EventTaskCancelled EventType = "task_cancelled"

	// Planning
	EventPlanGenerated EventType = "plan_generated"
	EventPlanFallback  EventType = "plan_fallback"

	// Subtask execution
	EventSubtaskStarted   EventType = "subtask_started"
	EventSubtaskCompleted EventType = "subtask_completed"
	EventSubtaskFailed    EventType = "subtask_failed"
	EventGenerationRetry  EventType = "generation_retry"

	// Cache provenance
	EventCacheHit  EventType = "cache_hit"
	EventCacheMiss EventType = "cache_miss"

	// Synthesis
	EventSynthesisStarted   EventType = "synthesis_started"
	EventSynthesisCompleted EventType = "synthesis_completed"
	EventSynthesisFailed    EventType = "synthesis_failed"

	// Batch dispatch
	EventBatchStarted   EventType = "batch_started"
	EventBatchCompleted EventType = "batch_completed"
)

// EventHandler is a function that handles events
type EventHandler func(context.Context, Event) error

// Event represents something that has happened within the system
type Event interface {
	Type() EventType
	Payload() interface{}
	Metadata() map[string]interface{}
	// Timestamp is in Unix nanoseconds.
	Timestamp() int64
	// Source names the component that emitted the event.
	Source() string
}

// EventBus is the central event dispatch system
type EventBus interface {
	// Publish queues an event for all subscribed handlers
	Publish(ctx context.Context, event Event) error

	// Subscribe registers a handler for specific event types and returns a subscription ID
	Subscribe(eventTypes []EventType, handler EventHandler) (string, error)

	// SubscribeAll registers a handler for all event types
	SubscribeAll(handler EventHandler) (string, error)

	Unsubscribe(subscriptionID string) error

	// Close stops accepting events and delivers the ones already queued
	Close() error
}

// BaseEvent is a simple implementation of the Event interface
type BaseEvent struct {
	eventType  EventType
	payload    interface{}
	metadata   map[string]interface{}
	timestamp  int64
	sourceInfo string
	seq        uint64
}

var eventSeq atomic.Uint64

// NewEvent creates a new BaseEvent
func NewEvent(
	eventType EventType,
	payload interface{},
	source string,
	metadata map[string]interface{},
) *BaseEvent {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	return &BaseEvent{
		eventType:  eventType,
		payload:    payload,
		metadata:   metadata,
		timestamp:  time.Now().UnixNano(),
		sourceInfo: source,
		seq:        eventSeq.Add(1),
	}
}

func (e *BaseEvent) Type() EventType                  { return e.eventType }
func (e *BaseEvent) Payload() interface{}             { return e.payload }
func (e *BaseEvent) Metadata() map[string]interface{} { return e.metadata }
func (e *BaseEvent) Timestamp() int64                 { return e.timestamp }
func (e *BaseEvent) Source() string                   { return e.sourceInfo }

// Sequence orders events created in this process, including ones with equal timestamps.
func (e *BaseEvent) Sequence() uint64 { return e.seq }

// WithMetadata adds or updates a metadata entry and returns the same event
func (e *BaseEvent) WithMetadata(key string, value interface{}) *BaseEvent {
	e.metadata[key] = value
	return e
}

// TaskID returns the "task_id" metadata entry, if present.
func TaskID(e Event) string {
	id, _ := e.Metadata()["task_id"].(string)
	return id
}

// Publisher is the subset of EventBus used by emitters. A nil Publisher is valid.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Emit publishes an event if bus is non-nil. Publish failures are returned, never panicked.
// Delivery ignores cancellation of ctx, so a cancelled task still leaves a complete trail.
func Emit(ctx context.Context, bus Publisher, eventType EventType, source string, payload interface{}, metadata map[string]interface{}) error {
	if bus == nil {
		return nil
	}
	return bus.Publish(context.WithoutCancel(ctx), NewEvent(eventType, payload, source, metadata))
}
