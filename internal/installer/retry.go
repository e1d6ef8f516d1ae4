package installer

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds how an operation is retried. MaxAttempts 0 retries
// until the context ends.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// ManifestRetry is the default policy for manifest fetches.
var ManifestRetry = RetryPolicy{Base: time.Second, Max: 30 * time.Second}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	shift := min(attempt-1, 20)
	back := base << shift
	if p.Max > 0 && back > p.Max {
		back = p.Max
	}
	return time.Duration(float64(back) * (0.5 + rand.Float64()))
}

// Do calls fn until it succeeds, the attempts run out or ctx ends. onRetry
// is told about every failure that will be retried.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error, onRetry func(attempt int, err error)) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		t := time.NewTimer(p.backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
