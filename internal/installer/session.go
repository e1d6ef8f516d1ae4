// Package installer drives one install or update of a game archive: it
// fetches the manifest, diffs it against the archive, runs the worker pool
// that downloads and writes chunks, and re-binds the archive tables once
// every chunk is in place.
package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/APTlantis/Epic-Installer/internal/archive"
	"github.com/APTlantis/Epic-Installer/internal/chunk"
	"github.com/APTlantis/Epic-Installer/internal/manifest"
	"github.com/APTlantis/Epic-Installer/internal/metrics"
	"github.com/APTlantis/Epic-Installer/internal/progress"
	"github.com/APTlantis/Epic-Installer/internal/registry"
)

// Config wires a session to its collaborators.
type Config struct {
	GameID     string
	ArchiveDir string

	Registry  *registry.Registry
	Manifests manifest.Source
	Chunks    chunk.Source

	Workers        int
	Storage        archive.StorageMethod
	StorageLevel   int
	ChunkRetries   int
	ChunkRetryBase time.Duration
	ManifestRetry  RetryPolicy
	StatsInterval  time.Duration

	Listener Listener
	Log      *slog.Logger
}

// DownloadInfo is one install session. Commands (Start, Pause, Resume,
// Cancel) return immediately; the work runs on background goroutines.
type DownloadInfo struct {
	cfg Config
	id  uuid.UUID
	log *slog.Logger
	ln  Listener

	mu      sync.Mutex
	state   State
	data    SessionData
	stats   Stats
	err     error
	started bool
	done    chan struct{}

	// stopManifest aborts the manifest retry loop on Cancel.
	stopManifest context.CancelFunc

	q        queue
	counters progress.Counters
	agg      atomic.Pointer[progress.Aggregator]
	failed   atomic.Int64
}

// New creates a session in StateOptions. Options are pre-populated from the
// registry when the game was installed before.
func New(cfg Config) (*DownloadInfo, error) {
	if cfg.GameID == "" {
		return nil, errors.New("installer: empty game id")
	}
	if cfg.Manifests == nil || cfg.Chunks == nil {
		return nil, errors.New("installer: manifest and chunk sources are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = progress.DefaultInterval
	}
	if cfg.ManifestRetry == (RetryPolicy{}) {
		cfg.ManifestRetry = ManifestRetry
	}
	ln := cfg.Listener
	if ln == nil {
		ln = ListenerFuncs{}
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	id := uuid.New()
	d := &DownloadInfo{
		cfg:  cfg,
		id:   id,
		log:  log.With("game", cfg.GameID, "session", id.String()),
		ln:   ln,
		done: make(chan struct{}),
	}
	d.q.cond = sync.NewCond(&d.q.mu)

	opts := Options{ArchivePath: filepath.Join(cfg.ArchiveDir, cfg.GameID+".egia")}
	if cfg.Registry != nil {
		g, err := cfg.Registry.Get(cfg.GameID)
		var nf *registry.NotFoundError
		switch {
		case err == nil:
			opts = Options{ArchivePath: g.ArchivePath, AutoUpdate: g.AutoUpdate, SelectedContent: g.SelectedContent}
		case !errors.As(err, &nf):
			return nil, err
		}
	}
	d.state = StateOptions
	d.data = OptionsData{Options: opts}
	metrics.SessionState.WithLabelValues(cfg.GameID, StateOptions.String()).Set(1)
	return d, nil
}

// ID identifies the session in logs.
func (d *DownloadInfo) ID() uuid.UUID { return d.id }

// State returns the current state.
func (d *DownloadInfo) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Data returns the live session payload.
func (d *DownloadInfo) Data() SessionData {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.data
}

// Stats returns the most recent progress sample.
func (d *DownloadInfo) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func dataAs[T SessionData](d *DownloadInfo, op string) (T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.data.(T)
	if !ok {
		var zero T
		return zero, &StateError{Op: op, State: d.state}
	}
	return v, nil
}

// Options returns the editable choices; only valid in StateOptions.
func (d *DownloadInfo) Options() (Options, error) {
	v, err := dataAs[OptionsData](d, "options")
	return v.Options, err
}

// Installing returns the install payload.
func (d *DownloadInfo) Installing() (InstallingData, error) {
	return dataAs[InstallingData](d, "installing data")
}

// Cancelled returns the payload of a cancelled or failed session.
func (d *DownloadInfo) Cancelled() (CancelledData, error) {
	return dataAs[CancelledData](d, "cancelled data")
}

// SetOptions replaces the choices; only valid in StateOptions.
func (d *DownloadInfo) SetOptions(o Options) error {
	if o.ArchivePath == "" {
		return errors.New("installer: empty archive path")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateOptions {
		return &StateError{Op: "set options", State: d.state}
	}
	o.SelectedContent = slices.Clone(o.SelectedContent)
	d.data = OptionsData{Options: o}
	return nil
}

// Start leaves StateOptions and runs the session in the background. ctx
// bounds the whole session; cancelling it tears the session down like
// Cancel but also aborts chunk fetches in flight.
func (d *DownloadInfo) Start(ctx context.Context) error {
	d.mu.Lock()
	od, ok := d.data.(OptionsData)
	if !ok || d.started {
		st := d.state
		d.mu.Unlock()
		return &StateError{Op: "start", State: st}
	}
	d.started = true
	mctx, stop := context.WithCancel(ctx)
	d.stopManifest = stop
	d.mu.Unlock()

	d.setState(StateInitializing, InitializingData{Options: od.Options})
	go d.run(ctx, mctx, od.Options)
	return nil
}

// Pause suspends the worker pool after the chunks in flight. Once every
// chunk has been handed to a worker there is nothing left to pause.
func (d *DownloadInfo) Pause() error {
	d.mu.Lock()
	if d.state != StateInstalling || d.q.drained() {
		st := d.state
		d.mu.Unlock()
		return &StateError{Op: "pause", State: st}
	}
	d.q.setPaused(true)
	if a := d.agg.Load(); a != nil {
		a.SetPaused(true)
	}
	d.transitionLocked(StatePaused, nil)
	return nil
}

// Resume restarts a paused pool.
func (d *DownloadInfo) Resume() error {
	d.mu.Lock()
	if d.state != StatePaused {
		st := d.state
		d.mu.Unlock()
		return &StateError{Op: "resume", State: st}
	}
	if a := d.agg.Load(); a != nil {
		a.SetPaused(false)
	}
	d.q.setPaused(false)
	d.transitionLocked(StateInstalling, nil)
	return nil
}

// Cancel asks the session to stop. Workers finish the chunk they hold and
// exit at their next queue pop; everything already written stays valid.
func (d *DownloadInfo) Cancel() error {
	d.mu.Lock()
	switch d.state {
	case StateInitializing, StateInstalling, StatePaused:
	default:
		st := d.state
		d.mu.Unlock()
		return &StateError{Op: "cancel", State: st}
	}
	d.q.cancel()
	if d.stopManifest != nil {
		d.stopManifest()
	}
	d.transitionLocked(StateCancelling, CancelledData{PiecesComplete: d.counters.Pieces.Load(), Elapsed: d.stats.Elapsed})
	return nil
}

// Done is closed once the session reaches a terminal state.
func (d *DownloadInfo) Done() <-chan struct{} { return d.done }

// Wait blocks until the session ends and returns its error: nil after
// Finished or Cancelled, otherwise the reason it failed.
func (d *DownloadInfo) Wait() error {
	<-d.done
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Close cancels a running session and waits for it to stop.
func (d *DownloadInfo) Close() error {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		return nil
	}
	if err := d.Cancel(); err != nil && !errors.Is(err, ErrWrongState) {
		return err
	}
	return d.Wait()
}

// setState moves to s and notifies the listener. A nil data keeps the
// current payload.
func (d *DownloadInfo) setState(s State, data SessionData) {
	d.mu.Lock()
	d.transitionLocked(s, data)
}

// transitionLocked is called with d.mu held and releases it before the
// listener runs.
func (d *DownloadInfo) transitionLocked(s State, data SessionData) {
	prev := d.state
	d.state = s
	if data != nil {
		d.data = data
	}
	d.mu.Unlock()
	if prev != s {
		metrics.SessionState.WithLabelValues(d.cfg.GameID, prev.String()).Set(0)
		metrics.SessionState.WithLabelValues(d.cfg.GameID, s.String()).Set(1)
		d.log.Info("state", "from", prev.String(), "to", s.String())
	}
	d.ln.OnStateUpdate(s)
}

func (d *DownloadInfo) emitStats(snap progress.Snapshot) {
	d.mu.Lock()
	st := Stats{State: d.state, Snapshot: snap}
	d.stats = st
	d.mu.Unlock()
	d.ln.OnStatsUpdate(st)
}

// finish records the outcome, moves to the terminal state and releases
// Wait.
func (d *DownloadInfo) finish(s State, err error) {
	d.mu.Lock()
	d.err = err
	var data SessionData
	if s != StateFinished {
		data = CancelledData{PiecesComplete: d.counters.Pieces.Load(), Elapsed: d.stats.Elapsed, Err: err}
	}
	d.transitionLocked(s, data)
	if err != nil {
		d.log.Error("install_failed", "err", err)
	}
	close(d.done)
}

func (d *DownloadInfo) cancelRequested() bool {
	return d.q.cancelled()
}

func (d *DownloadInfo) run(ctx, mctx context.Context, opts Options) {
	defer d.stopManifest()
	log := d.log
	log.Info("install_start", "archive", opts.ArchivePath, "workers", d.cfg.Workers)

	if d.cfg.Registry != nil {
		if err := d.saveOptions(opts); err != nil {
			d.finish(StateFailed, fmt.Errorf("save options: %w", err))
			return
		}
	}

	arc, err := archive.OpenOrCreate(opts.ArchivePath, archive.Header{
		GameID:       d.cfg.GameID,
		Storage:      d.cfg.Storage,
		StorageLevel: d.cfg.StorageLevel,
	})
	if err != nil {
		d.finish(StateFailed, fmt.Errorf("open archive: %w", err))
		return
	}
	if arc.Header().GameID == "" {
		arc.SetGameID(d.cfg.GameID)
	}

	if d.cancelRequested() {
		d.finish(StateCancelled, arc.Close())
		return
	}

	d.mu.Lock()
	if d.state == StateInitializing {
		d.transitionLocked(StateInstalling, InstallingData{Options: opts})
	} else {
		d.mu.Unlock()
	}

	err = d.install(ctx, mctx, arc, opts)
	switch {
	case err == nil:
		d.finish(StateFinished, nil)
	case errors.Is(err, errCancelled):
		d.finish(StateCancelled, nil)
	default:
		d.finish(StateFailed, err)
	}
}

// saveOptions records the chosen options. An existing record keeps its
// installed version until Finishing replaces it.
func (d *DownloadInfo) saveOptions(opts Options) error {
	err := d.cfg.Registry.Update(d.cfg.GameID, func(g *registry.Game) {
		g.ArchivePath = opts.ArchivePath
		g.AutoUpdate = opts.AutoUpdate
		g.SelectedContent = slices.Clone(opts.SelectedContent)
	})
	var nf *registry.NotFoundError
	if !errors.As(err, &nf) {
		return err
	}
	return d.cfg.Registry.Put(registry.Game{
		ID:              d.cfg.GameID,
		ArchivePath:     opts.ArchivePath,
		AutoUpdate:      opts.AutoUpdate,
		SelectedContent: opts.SelectedContent,
	})
}

var errCancelled = errors.New("installer: cancelled")
