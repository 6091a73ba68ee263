package dispatch

import (
	"context"
	"time"
)

// CallPolicy bounds a single external call.
type CallPolicy struct {
	Timeout    time.Duration // per attempt; zero disables
	RetryDelay time.Duration // wait before the single transient retry
}

// DefaultCallPolicy returns the policy used when none is configured.
func DefaultCallPolicy() CallPolicy {
	return CallPolicy{
		Timeout:    60 * time.Second,
		RetryDelay: 500 * time.Millisecond,
	}
}

// GenerateWithRetry calls g once and retries exactly once if the first
// failure is transient. It returns the number of attempts made.
// A timed-out attempt is reported as a timeout and not retried.
func GenerateWithRetry(ctx context.Context, g Generator, prompt string, tier Tier, policy CallPolicy) (string, int, error) {
	text, err := generateOnce(ctx, g, prompt, tier, policy.Timeout)
	if err == nil {
		return text, 1, nil
	}
	if !IsTransient(err) || ctx.Err() != nil {
		return "", 1, err
	}

	if policy.RetryDelay > 0 {
		t := time.NewTimer(policy.RetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", 1, err
		case <-t.C:
		}
	}

	text, err = generateOnce(ctx, g, prompt, tier, policy.Timeout)
	if err != nil {
		return "", 2, err
	}
	return text, 2, nil
}

func generateOnce(ctx context.Context, g Generator, prompt string, tier Tier, timeout time.Duration) (string, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	text, err := g.Generate(callCtx, prompt, tier)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return "", NewTimeoutError(StageGeneration, err)
		}
		return "", err
	}
	return text, nil
}

// LimitGenerator wraps g so every call holds a permit from limiter.
func LimitGenerator(g Generator, limiter Limiter) Generator {
	if limiter == nil {
		return g
	}
	return GeneratorFunc(func(ctx context.Context, prompt string, tier Tier) (string, error) {
		if err := limiter.Acquire(ctx); err != nil {
			return "", err
		}
		defer limiter.Release()
		return g.Generate(ctx, prompt, tier)
	})
}
