// Package workerpool bounds concurrent fan-out and in-flight external calls.
package workerpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/semaphore"

	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/logging"
)

// DefaultSize is the default number of concurrent external calls.
const DefaultSize = 5

// Pool owns a permit semaphore for external calls and runs bounded fan-outs.
// Permits are only held for a single call, so fan-outs may nest freely.
type Pool struct {
	size   int
	sem    *semaphore.Weighted
	logger logging.Logger

	inFlight atomic.Int64
	peak     atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger used for recovered panics.
func WithLogger(l logging.Logger) Option {
	return func(p *Pool) {
		p.logger = l
	}
}

// New creates a pool allowing size concurrent calls. Non-positive sizes use DefaultSize.
func New(size int, opts ...Option) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	p := &Pool{
		size:   size,
		sem:    semaphore.NewWeighted(int64(size)),
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Size returns the configured concurrency bound.
func (p *Pool) Size() int {
	return p.size
}

// Acquire blocks until a call permit is available or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	n := p.inFlight.Add(1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	return nil
}

// Release returns a permit taken by Acquire.
func (p *Pool) Release() {
	p.inFlight.Add(-1)
	p.sem.Release(1)
}

// InFlight returns the number of permits currently held.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// Peak returns the highest number of permits held at once.
func (p *Pool) Peak() int {
	return int(p.peak.Load())
}

// ForEach runs fn for every index in [0, n) with at most Size goroutines and
// returns one error slot per index. A panic in fn is recovered into its slot.
// Indices not started because ctx was done get ctx.Err().
func (p *Pool) ForEach(ctx context.Context, n int, fn func(ctx context.Context, i int) error) []error {
	errs := make([]error, n)
	if n == 0 {
		return errs
	}

	workers := pool.New().WithMaxGoroutines(p.size)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			errs[i] = err
			continue
		}
		workers.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("worker panic recovered", map[string]interface{}{
						"index": i,
						"panic": fmt.Sprint(r),
						"stack": string(debug.Stack()),
					})
					errs[i] = fmt.Errorf("panic in worker %d: %v", i, r)
				}
			}()
			errs[i] = fn(ctx, i)
		})
	}
	workers.Wait()
	return errs
}
