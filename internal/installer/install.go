package installer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/APTlantis/Epic-Installer/internal/archive"
	"github.com/APTlantis/Epic-Installer/internal/chunk"
	"github.com/APTlantis/Epic-Installer/internal/differ"
	"github.com/APTlantis/Epic-Installer/internal/manifest"
	"github.com/APTlantis/Epic-Installer/internal/metrics"
	"github.com/APTlantis/Epic-Installer/internal/progress"
	"github.com/APTlantis/Epic-Installer/internal/registry"
)

// install runs StateInstalling and StateFinishing against an open archive
// and closes it. It returns errCancelled when the session was cancelled.
func (d *DownloadInfo) install(ctx, mctx context.Context, arc *archive.Archive, opts Options) (err error) {
	defer func() {
		if cerr := arc.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close archive: %w", cerr))
		}
	}()
	log := d.log

	var (
		m        *manifest.Manifest
		cloudDir string
	)
	err = d.cfg.ManifestRetry.Do(mctx, func(ctx context.Context) error {
		var err error
		m, cloudDir, err = d.cfg.Manifests.LatestManifest(ctx)
		if err != nil {
			return err
		}
		if m == nil {
			return fmt.Errorf("%w: source returned no manifest", manifest.ErrInvalid)
		}
		return m.Validate()
	}, func(attempt int, err error) {
		metrics.ManifestRetries.Inc()
		log.Warn("manifest_retry", "attempt", attempt, "err", err)
	})
	if err != nil {
		if d.cancelRequested() || ctx.Err() != nil {
			return errCancelled
		}
		return fmt.Errorf("fetch manifest: %w", err)
	}
	m = m.Filter(opts.SelectedContent)

	local, err := arc.ChunkInfos()
	if err != nil {
		return err
	}
	diff := differ.Diff(local, m.Chunks)
	log.Info("manifest_ready", "app", m.AppName, "build", m.BuildVersion, "version", m.Version,
		"chunks", len(m.Chunks), "to_fetch", len(diff.ToFetch), "reusable", len(diff.Reusable))

	var fetchBytes uint64
	for _, i := range diff.ToFetch {
		fetchBytes += m.Chunks[i].FileSize
	}
	upd := arc.Header().Update
	resumed := upd.IsUpdating && upd.TargetVersion == m.Version
	if resumed {
		d.counters.Pieces.Add(upd.PiecesComplete)
		d.counters.Downloaded.Add(upd.BytesDownloaded)
		log.Info("install_resume", "pieces", upd.PiecesComplete, "bytes", upd.BytesDownloaded, "elapsed", upd.Elapsed.String())
	} else {
		upd = archive.UpdateInfo{}
	}
	piecesTotal := upd.PiecesComplete + uint64(len(diff.ToFetch))
	bytesTotal := upd.BytesDownloaded + fetchBytes

	arc.SetUpdateInfo(archive.UpdateInfo{
		IsUpdating:      true,
		TargetVersion:   m.Version,
		Elapsed:         upd.Elapsed,
		PiecesComplete:  upd.PiecesComplete,
		BytesDownloaded: upd.BytesDownloaded,
	})
	if err := arc.Flush(); err != nil {
		return err
	}
	if err := writeTables(arc, m); err != nil {
		return err
	}

	d.mu.Lock()
	if inst, ok := d.data.(InstallingData); ok {
		inst.Manifest, inst.CloudDir, inst.Diff = m, cloudDir, diff
		inst.PiecesTotal, inst.BytesTotal, inst.Resumed = piecesTotal, bytesTotal, resumed
		d.data = inst
	}
	d.mu.Unlock()

	agg := progress.NewAggregator(&d.counters, piecesTotal, bytesTotal)
	agg.Resume(upd.Elapsed)
	d.mu.Lock()
	agg.SetPaused(d.state == StatePaused)
	d.agg.Store(agg)
	d.mu.Unlock()

	for _, i := range diff.ToFetch {
		d.ln.OnChunkUpdate(m.Chunks[i].Guid, PhaseScheduled)
	}
	d.q.load(diff.ToFetch, diff.Reusable)

	if err := d.runPool(ctx, arc, m, cloudDir, agg); err != nil {
		return err
	}
	if d.cancelRequested() || ctx.Err() != nil {
		return errCancelled
	}
	if n := d.failed.Load(); n > 0 {
		return &IncompleteError{Failed: int(n), Total: len(diff.ToFetch)}
	}

	d.mu.Lock()
	if d.state == StateCancelling {
		d.mu.Unlock()
		return errCancelled
	}
	if d.state == StatePaused {
		d.q.setPaused(false)
		agg.SetPaused(false)
	}
	d.transitionLocked(StateFinishing, nil)
	if err := finishArchive(arc, m); err != nil {
		return err
	}
	if d.cfg.Registry != nil {
		err := d.cfg.Registry.Update(d.cfg.GameID, func(g *registry.Game) {
			g.VersionNum, g.VersionHR = m.Version, m.BuildVersion
		})
		if err != nil {
			return fmt.Errorf("record version: %w", err)
		}
	}
	d.emitStats(agg.Sample())
	log.Info("install_finished", "version", m.Version, "pieces", d.counters.Pieces.Load(),
		"downloaded", d.counters.Downloaded.Load(), "data_bytes", arc.DataRegionSize())
	return nil
}

// runPool drives the workers and the progress sampler until the queue is
// drained or the session stops.
func (d *DownloadInfo) runPool(ctx context.Context, arc *archive.Archive, m *manifest.Manifest, cloudDir string, agg *progress.Aggregator) error {
	f := chunk.NewFetcher(d.cfg.Chunks, cloudDir, m.FeatureLevel)
	f.Log = d.log
	if d.cfg.ChunkRetries > 0 {
		f.Retries = d.cfg.ChunkRetries
	}
	if d.cfg.ChunkRetryBase > 0 {
		f.RetryBase = d.cfg.ChunkRetryBase
	}

	sctx, stopSampler := context.WithCancel(context.Background())
	var sampler sync.WaitGroup
	sampler.Add(1)
	go func() {
		defer sampler.Done()
		agg.Run(sctx, d.cfg.StatsInterval, func(s progress.Snapshot) {
			d.checkpoint(arc, m.Version, s)
			d.emitStats(s)
		})
	}()

	stop := context.AfterFunc(ctx, d.q.abort)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error { return d.worker(gctx, arc, m, f) })
	}
	err := g.Wait()
	stopSampler()
	sampler.Wait()
	return err
}

// checkpoint persists progress so a crash loses at most one sample.
func (d *DownloadInfo) checkpoint(arc *archive.Archive, target uint32, s progress.Snapshot) {
	arc.SetUpdateInfo(archive.UpdateInfo{
		IsUpdating:      true,
		TargetVersion:   target,
		Elapsed:         s.Elapsed,
		PiecesComplete:  s.PiecesComplete,
		BytesDownloaded: s.BytesDownloaded,
	})
	if err := arc.Flush(); err != nil {
		d.log.Warn("checkpoint_failed", "err", err)
	}
}

// writeTables records the manifest's files and chunk parts. Chunk parts hold
// manifest chunk indices until finishArchive re-binds them.
func writeTables(arc *archive.Archive, m *manifest.Manifest) error {
	idx := m.ChunkIndex()
	files := make([]archive.FileEntry, 0, len(m.Files))
	parts := make([]archive.ChunkPartEntry, 0, m.ChunkPartCount())
	for _, fm := range m.Files {
		fe := archive.FileEntry{Path: fm.Path, Size: fm.Size, SHA1: fm.SHA1, PartStart: uint32(len(parts)), PartCount: uint32(len(fm.Parts))}
		for _, p := range fm.Parts {
			ci, ok := idx[p.Guid]
			if !ok {
				return fmt.Errorf("%w: %s references unknown chunk %s", ErrCorrupt, fm.Path, p.Guid)
			}
			parts = append(parts, archive.ChunkPartEntry{ChunkIndex: uint32(ci), Offset: p.Offset, Size: p.Size})
		}
		files = append(files, fe)
	}
	if err := arc.SetFiles(files); err != nil {
		return fmt.Errorf("write file table: %w", err)
	}
	if err := arc.SetChunkParts(parts); err != nil {
		return fmt.Errorf("write chunk-part table: %w", err)
	}
	return arc.Flush()
}

// finishArchive re-binds chunk parts to local chunk-info rows, stamps the new
// version and clears the update record.
func finishArchive(arc *archive.Archive, m *manifest.Manifest) error {
	infos, err := arc.ChunkInfos()
	if err != nil {
		return err
	}
	local := make(map[manifest.Guid]uint32, len(infos))
	for i, e := range infos {
		if e.Vacant() {
			continue
		}
		if _, dup := local[e.Guid]; !dup {
			local[e.Guid] = uint32(i)
		}
	}
	err = arc.RebindChunkParts(func(ci uint32) (uint32, error) {
		if int(ci) >= len(m.Chunks) {
			return 0, fmt.Errorf("%w: chunk index %d out of range", ErrCorrupt, ci)
		}
		g := m.Chunks[ci].Guid
		li, ok := local[g]
		if !ok {
			return 0, fmt.Errorf("%w: chunk %s missing from archive", ErrCorrupt, g)
		}
		return li, nil
	})
	if err != nil {
		return err
	}
	arc.SetVersion(m.Version, m.BuildVersion)
	arc.SetUpdateInfo(archive.UpdateInfo{})
	return arc.Flush()
}
