package chunk

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/APTlantis/Epic-Installer/internal/manifest"
	"github.com/APTlantis/Epic-Installer/internal/metrics"
)

// DefaultRetries is how many times one chunk is attempted before the unit of
// work is given up.
const DefaultRetries = 5

// FetchError reports a chunk that could not be fetched.
type FetchError struct {
	Guid     manifest.Guid
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("chunk %s failed after %d attempts: %v", e.Guid, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher retrieves and validates chunks from a Source.
type Fetcher struct {
	Source       Source
	CloudDir     string
	FeatureLevel int

	Retries   int
	RetryBase time.Duration
	RetryMax  time.Duration

	Log *slog.Logger

	// sleep waits between attempts; it reports false when ctx ended first.
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewFetcher returns a fetcher with the default retry policy.
func NewFetcher(src Source, cloudDir string, featureLevel int) *Fetcher {
	return &Fetcher{
		Source:       src,
		CloudDir:     cloudDir,
		FeatureLevel: featureLevel,
		Retries:      DefaultRetries,
		RetryBase:    500 * time.Millisecond,
		RetryMax:     30 * time.Second,
	}
}

// Fetch downloads, inflates and checks one chunk, retrying transport and
// parse failures. Statistics are left to the caller.
func (f *Fetcher) Fetch(ctx context.Context, info manifest.ChunkInfo) (*Chunk, error) {
	log := f.Log
	if log == nil {
		log = slog.Default()
	}
	sleep := f.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	attempts := max(1, f.Retries)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		c, err := f.try(ctx, info)
		if err == nil {
			return c, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, &FetchError{Guid: info.Guid, Attempts: attempt, Err: err}
		}
		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return nil, &FetchError{Guid: info.Guid, Attempts: attempt, Err: err}
		}
		if errors.Is(err, ErrEncrypted) {
			return nil, &FetchError{Guid: info.Guid, Attempts: attempt, Err: err}
		}
		if attempt < attempts {
			back := f.backoff(attempt)
			log.Warn("retrying", "attempt", attempt, "max", attempts, "backoff", back.String(), "chunk", info.Guid.String(), "err", err)
			metrics.ChunkRetries.Inc()
			if !sleep(ctx, back) {
				return nil, &FetchError{Guid: info.Guid, Attempts: attempt, Err: ctx.Err()}
			}
		}
	}
	return nil, &FetchError{Guid: info.Guid, Attempts: attempts, Err: lastErr}
}

func (f *Fetcher) try(ctx context.Context, info manifest.ChunkInfo) (*Chunk, error) {
	raw, err := f.Source.FetchChunk(ctx, f.CloudDir, f.FeatureLevel, info)
	if err != nil {
		return nil, err
	}
	c, err := Decode(raw, info.WindowSize)
	if err != nil {
		return nil, err
	}
	if c.Header.Guid != info.Guid {
		return nil, fmt.Errorf("%w: got %s want %s", ErrGuid, c.Header.Guid, info.Guid)
	}
	if !info.SHA1.IsZero() && manifest.SHA1(sha1.Sum(c.Data)) != info.SHA1 {
		return nil, fmt.Errorf("%w: chunk %s does not match the manifest", ErrHash, info.Guid)
	}
	return c, nil
}

// backoff is exponential with jitter in [0.5, 1.5).
func (f *Fetcher) backoff(attempt int) time.Duration {
	base := f.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	back := base << (attempt - 1)
	if f.RetryMax > 0 && back > f.RetryMax {
		back = f.RetryMax
	}
	return time.Duration(float64(back) * (0.5 + rand.Float64()))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
