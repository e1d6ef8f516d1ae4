// Package progress samples install counters into rate and ETA snapshots.
package progress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultInterval is the sampling cadence.
	DefaultInterval = 500 * time.Millisecond
	// HistorySize bounds the completion-rate samples the ETA is smoothed over.
	HistorySize = 50

	alpha = 0.2
)

// Counters are bumped by install workers. Ordering between them does not
// matter; the aggregator only needs each to be monotonic.
type Counters struct {
	Pieces     atomic.Uint64
	Downloaded atomic.Uint64
	Read       atomic.Uint64
	Written    atomic.Uint64
}

// Snapshot is one progress sample. Rates are in bytes per second.
type Snapshot struct {
	StartTime       time.Time
	Now             time.Time
	Elapsed         time.Duration
	PiecesTotal     uint64
	PiecesComplete  uint64
	BytesTotal      uint64
	BytesDownloaded uint64
	RateDownload    float64
	RateRead        float64
	RateWrite       float64
	ETA             time.Duration
}

// Percent is the share of pieces complete, 0 to 100.
func (s Snapshot) Percent() float64 {
	if s.PiecesTotal == 0 {
		return 0
	}
	return float64(s.PiecesComplete) / float64(s.PiecesTotal) * 100
}

// Aggregator turns Counters into Snapshots.
type Aggregator struct {
	c   *Counters
	now func() time.Time

	mu          sync.Mutex
	piecesTotal uint64
	bytesTotal  uint64
	start       time.Time
	last        time.Time
	active      time.Duration
	paused      bool
	lastDown    uint64
	lastRead    uint64
	lastWrite   uint64
	history     []float64
}

// NewAggregator samples c against the given totals.
func NewAggregator(c *Counters, piecesTotal, bytesTotal uint64) *Aggregator {
	return NewAggregatorWithNow(c, piecesTotal, bytesTotal, time.Now)
}

// NewAggregatorWithNow uses a custom time source (for tests).
func NewAggregatorWithNow(c *Counters, piecesTotal, bytesTotal uint64, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	t := now()
	return &Aggregator{
		c:           c,
		now:         now,
		piecesTotal: piecesTotal,
		bytesTotal:  bytesTotal,
		start:       t,
		last:        t,
		lastDown:    c.Downloaded.Load(),
		lastRead:    c.Read.Load(),
		lastWrite:   c.Written.Load(),
	}
}

// Resume carries elapsed time over from an interrupted session. Call it
// before the first Sample.
func (a *Aggregator) Resume(elapsed time.Duration) {
	a.mu.Lock()
	a.active += elapsed
	a.mu.Unlock()
}

// SetPaused stops or restarts the elapsed clock. Time spent paused is not
// counted and produces no rate samples.
func (a *Aggregator) SetPaused(p bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p == a.paused {
		return
	}
	now := a.now()
	if !a.paused {
		a.active += now.Sub(a.last)
	}
	a.last = now
	a.paused = p
	a.lastDown = a.c.Downloaded.Load()
	a.lastRead = a.c.Read.Load()
	a.lastWrite = a.c.Written.Load()
}

// Sample reads the counters and derives rates over the time since the
// previous sample.
func (a *Aggregator) Sample() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	down, read, write := a.c.Downloaded.Load(), a.c.Read.Load(), a.c.Written.Load()
	s := Snapshot{
		StartTime:       a.start,
		Now:             now,
		PiecesTotal:     a.piecesTotal,
		PiecesComplete:  a.c.Pieces.Load(),
		BytesTotal:      a.bytesTotal,
		BytesDownloaded: down,
	}
	dt := now.Sub(a.last)
	if a.paused {
		s.Elapsed = a.active
		s.ETA = a.eta(down)
		return s
	}
	a.active += dt
	s.Elapsed = a.active
	if secs := dt.Seconds(); secs > 0 {
		s.RateDownload = float64(down-a.lastDown) / secs
		s.RateRead = float64(read-a.lastRead) / secs
		s.RateWrite = float64(write-a.lastWrite) / secs
		a.history = append(a.history, s.RateDownload)
		if len(a.history) > HistorySize {
			a.history = a.history[len(a.history)-HistorySize:]
		}
		a.last = now
		a.lastDown, a.lastRead, a.lastWrite = down, read, write
	}
	s.ETA = a.eta(down)
	return s
}

// eta smooths the rate history oldest-first. Called with a.mu held.
func (a *Aggregator) eta(done uint64) time.Duration {
	if len(a.history) == 0 || done >= a.bytesTotal {
		return 0
	}
	rate := a.history[0]
	for _, r := range a.history[1:] {
		rate = alpha*r + (1-alpha)*rate
	}
	if rate <= 0 {
		return 0
	}
	return time.Duration(float64(a.bytesTotal-done) / rate * float64(time.Second))
}

// Run samples every interval until ctx ends, handing each snapshot to emit.
// A final snapshot is emitted on the way out.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration, emit func(Snapshot)) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			emit(a.Sample())
			return
		case <-ticker.C:
			emit(a.Sample())
		}
	}
}
