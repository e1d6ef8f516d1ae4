package installer

import (
	"context"
	"sync"

	"github.com/APTlantis/Epic-Installer/internal/archive"
	"github.com/APTlantis/Epic-Installer/internal/chunk"
	"github.com/APTlantis/Epic-Installer/internal/manifest"
	"github.com/APTlantis/Epic-Installer/internal/metrics"
)

// queue holds the work left for the pool. Pause is a gate on pop; cancel is
// a flag checked at pop, so a worker always completes the unit it holds.
type queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	paused   bool
	stopped  bool
	aborted  bool
	loaded   bool
	toFetch  []int
	reusable []int
}

// unit is one chunk to install. slot is the chunk-info row to replace, or -1
// to append.
type unit struct {
	chunk int
	slot  int
}

func (q *queue) load(toFetch, reusable []int) {
	q.mu.Lock()
	q.toFetch = append([]int(nil), toFetch...)
	q.reusable = append([]int(nil), reusable...)
	q.loaded = true
	q.mu.Unlock()
}

// drained reports whether every unit has been handed out.
func (q *queue) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loaded && len(q.toFetch) == 0
}

func (q *queue) setPaused(p bool) {
	q.mu.Lock()
	q.paused = p
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *queue) cancel() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// abort stops the pool after a fatal error without it counting as a user
// cancel.
func (q *queue) abort() {
	q.mu.Lock()
	q.aborted = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *queue) cancelled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}

// pop waits out a pause and hands out the next unit. It reports false when
// the queue is drained or the pool is stopping.
func (q *queue) pop() (unit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.paused && !q.stopped && !q.aborted {
		q.cond.Wait()
	}
	if q.stopped || q.aborted || len(q.toFetch) == 0 {
		return unit{}, false
	}
	u := unit{chunk: q.toFetch[0], slot: -1}
	q.toFetch = q.toFetch[1:]
	if len(q.reusable) > 0 {
		u.slot = q.reusable[0]
		q.reusable = q.reusable[1:]
	}
	return u, true
}

// giveBack returns an untouched slot for a later unit.
func (q *queue) giveBack(slot int) {
	if slot < 0 {
		return
	}
	q.mu.Lock()
	q.reusable = append(q.reusable, slot)
	q.mu.Unlock()
}

// worker installs units until the queue runs dry. Only archive errors end it
// early; a chunk that cannot be fetched is counted and skipped.
func (d *DownloadInfo) worker(ctx context.Context, arc *archive.Archive, m *manifest.Manifest, f *chunk.Fetcher) error {
	for {
		u, ok := d.q.pop()
		if !ok {
			return nil
		}
		if err := d.installUnit(ctx, arc, m, f, u); err != nil {
			d.q.abort()
			return err
		}
	}
}

func (d *DownloadInfo) installUnit(ctx context.Context, arc *archive.Archive, m *manifest.Manifest, f *chunk.Fetcher, u unit) error {
	info := m.Chunks[u.chunk]
	d.ln.OnChunkUpdate(info.Guid, PhaseInitializing)
	d.ln.OnChunkUpdate(info.Guid, PhaseDownloading)
	c, err := f.Fetch(ctx, info)
	if err != nil {
		d.q.giveBack(u.slot)
		if ctx.Err() != nil {
			return nil
		}
		d.failed.Add(1)
		metrics.Processed.WithLabelValues("failed").Inc()
		d.log.Warn("chunk_failed", "chunk", info.Guid.String(), "err", err)
		d.ln.OnChunkUpdate(info.Guid, PhaseFailed)
		return nil
	}
	d.counters.Downloaded.Add(uint64(c.RawSize))
	d.counters.Read.Add(uint64(len(c.Data)))

	d.ln.OnChunkUpdate(info.Guid, PhaseWriting)
	stored, method := arc.EncodeChunk(c.Data)
	sha := info.SHA1
	if sha.IsZero() {
		sha = c.Header.SHA1
	}
	e := archive.ChunkInfoEntry{
		Guid:             info.Guid,
		SHA1:             sha,
		Hash:             info.Hash,
		UncompressedSize: uint32(len(c.Data)),
		StoredSize:       uint32(len(stored)),
		GroupNumber:      info.GroupNumber,
		Storage:          method,
	}
	if u.slot >= 0 {
		err = d.replace(arc, u.slot, e, stored)
	} else {
		err = d.appendChunk(arc, e, stored)
	}
	if err != nil {
		return err
	}

	d.counters.Written.Add(uint64(len(stored)))
	d.counters.Pieces.Add(1)
	metrics.Processed.WithLabelValues("ok").Inc()
	metrics.BytesWritten.Add(float64(len(stored)))
	d.ln.OnChunkUpdate(info.Guid, PhaseCompleted)
	return nil
}

// replace writes e into an existing slot. The row is vacated first so a
// crash between the payload and the final row never leaves a completed
// entry over half-written bytes.
func (d *DownloadInfo) replace(arc *archive.Archive, slot int, e archive.ChunkInfoEntry, stored []byte) error {
	old, err := arc.ChunkInfo(slot)
	if err != nil {
		return err
	}
	tomb := archive.ChunkInfoEntry{DataSector: old.DataSector, ReservedSectors: old.ReservedSectors}
	if err := arc.WriteChunkInfo(slot, tomb); err != nil {
		return err
	}
	if old.Fits(uint64(len(stored))) {
		e.DataSector, e.ReservedSectors = old.DataSector, old.ReservedSectors
	} else {
		sector, err := arc.Allocator().Allocate(uint64(len(stored)))
		if err != nil {
			return err
		}
		e.DataSector, e.ReservedSectors = sector, uint32(archive.SectorsFor(uint64(len(stored))))
	}
	if err := arc.WriteChunkData(e.DataSector, stored); err != nil {
		return err
	}
	return arc.WriteChunkInfo(slot, e)
}

// appendChunk allocates fresh space and adds the row once the payload is on
// disk.
func (d *DownloadInfo) appendChunk(arc *archive.Archive, e archive.ChunkInfoEntry, stored []byte) error {
	sector, err := arc.Allocator().Allocate(uint64(len(stored)))
	if err != nil {
		return err
	}
	e.DataSector, e.ReservedSectors = sector, uint32(archive.SectorsFor(uint64(len(stored))))
	if err := arc.WriteChunkData(sector, stored); err != nil {
		return err
	}
	_, err = arc.AppendChunkInfo(e)
	return err
}
