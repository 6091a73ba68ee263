package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/logging"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/workerpool"
)

const dispatcherSource = "dispatcher"

// Dispatcher answers a batch of independent queries concurrently.
type Dispatcher struct {
	responder Responder
	pool      *workerpool.Pool
	bus       eventbus.Publisher
	logger    logging.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherEventBus publishes batch events to bus.
func WithDispatcherEventBus(bus eventbus.Publisher) DispatcherOption {
	return func(d *Dispatcher) {
		d.bus = bus
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l logging.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// NewDispatcher creates a dispatcher over responder. A nil pool gets a default-sized one.
func NewDispatcher(responder Responder, pool *workerpool.Pool, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		responder: responder,
		pool:      pool,
		logger:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.pool == nil {
		d.pool = workerpool.New(workerpool.DefaultSize, workerpool.WithLogger(d.logger))
	}
	return d
}

// BatchOptions applies to every query in a batch.
type BatchOptions struct {
	Tier    Tier
	NoCache bool
}

// DispatchBatch answers queries concurrently. Items keep the input order and
// each carries either a response or its own error.
func (d *Dispatcher) DispatchBatch(ctx context.Context, queries []string, opts BatchOptions) *BatchResult {
	start := time.Now()
	items := make([]BatchItem, len(queries))
	for i, q := range queries {
		items[i] = BatchItem{Index: i, Query: q}
	}
	d.emit(ctx, eventbus.EventBatchStarted, map[string]interface{}{"queries": len(queries)})

	errs := d.pool.ForEach(ctx, len(queries), func(ctx context.Context, i int) error {
		resp, err := d.responder.Respond(ctx, Request{Query: queries[i], Tier: opts.Tier, NoCache: opts.NoCache})
		if err != nil {
			return err
		}
		if resp == nil {
			return NewInternalError(StageDispatch, "responder returned no response", nil)
		}
		items[i].Response = resp
		return nil
	})

	result := &BatchResult{Items: items}
	var latencySum time.Duration
	for i, err := range errs {
		if err != nil {
			items[i].Err = err
			items[i].Response = nil
			result.Failed++
			d.logger.Warn("batch query failed", map[string]interface{}{
				"index": i,
				"error": err.Error(),
			})
			continue
		}
		result.Succeeded++
		latencySum += items[i].Response.Latency
	}
	result.TotalDuration = time.Since(start)
	if result.Succeeded > 0 {
		result.AverageLatency = latencySum / time.Duration(result.Succeeded)
	}

	d.logger.Info("batch completed", map[string]interface{}{
		"queries":     len(queries),
		"succeeded":   result.Succeeded,
		"failed":      result.Failed,
		"duration_ms": result.TotalDuration.Milliseconds(),
	})
	d.emit(ctx, eventbus.EventBatchCompleted, map[string]interface{}{
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
	})
	return result
}

func (d *Dispatcher) emit(ctx context.Context, t eventbus.EventType, meta map[string]interface{}) {
	if err := eventbus.Emit(ctx, d.bus, t, dispatcherSource, nil, meta); err != nil {
		d.logger.Debug("event not published", map[string]interface{}{"event_type": string(t), "error": fmt.Sprint(err)})
	}
}
