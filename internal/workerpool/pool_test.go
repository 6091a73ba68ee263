package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_DefaultSize(t *testing.T) {
	assert.Equal(t, DefaultSize, New(0).Size())
	assert.Equal(t, 3, New(3).Size())
}

func TestPool_AcquireBoundsInFlight(t *testing.T) {
	p := New(2)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, p.Acquire(ctx))
			time.Sleep(5 * time.Millisecond)
			p.Release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, p.Peak(), 2)
	assert.Zero(t, p.InFlight())
}

func TestPool_AcquireRespectsContext(t *testing.T) {
	p := New(1)
	require.NoError(t, p.Acquire(context.Background()))
	defer p.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Acquire(ctx))
}

func TestPool_ForEachPreservesIndexSlots(t *testing.T) {
	p := New(4)
	results := make([]int, 8)

	errs := p.ForEach(context.Background(), len(results), func(ctx context.Context, i int) error {
		// Later indices finish first.
		time.Sleep(time.Duration(len(results)-i) * time.Millisecond)
		results[i] = i * i
		if i == 3 {
			return errors.New("three")
		}
		return nil
	})

	require.Len(t, errs, 8)
	for i, v := range results {
		assert.Equal(t, i*i, v)
		if i == 3 {
			assert.EqualError(t, errs[i], "three")
		} else {
			assert.NoError(t, errs[i])
		}
	}
}

func TestPool_ForEachBoundsGoroutines(t *testing.T) {
	p := New(3)
	var running, peak atomic.Int64

	p.ForEach(context.Background(), 20, func(ctx context.Context, i int) error {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		running.Add(-1)
		return nil
	})

	assert.LessOrEqual(t, peak.Load(), int64(3))
}

func TestPool_ForEachRecoversPanic(t *testing.T) {
	p := New(2)
	errs := p.ForEach(context.Background(), 3, func(ctx context.Context, i int) error {
		if i == 1 {
			panic("boom")
		}
		return nil
	})

	assert.NoError(t, errs[0])
	require.Error(t, errs[1])
	assert.Contains(t, errs[1].Error(), "boom")
	assert.NoError(t, errs[2])
}

func TestPool_ForEachCancelledContext(t *testing.T) {
	p := New(2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int64
	errs := p.ForEach(ctx, 4, func(ctx context.Context, i int) error {
		calls.Add(1)
		return nil
	})

	assert.Zero(t, calls.Load())
	for _, err := range errs {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestPool_NestedForEachDoesNotDeadlock(t *testing.T) {
	p := New(1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		p.ForEach(context.Background(), 2, func(ctx context.Context, i int) error {
			p.ForEach(ctx, 2, func(ctx context.Context, j int) error {
				if err := p.Acquire(ctx); err != nil {
					return err
				}
				p.Release()
				return nil
			})
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested fan-out deadlocked")
	}
}
