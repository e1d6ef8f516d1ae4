// Package archive implements the on-disk game archive: a header, a file
// table, a chunk-part table, a chunk-info table and a chunk data region, all
// kept as sector-aligned regions of one file that can only grow.
package archive

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Archive is an open archive file. It is safe for concurrent use; the
// chunk-info table and the data region each have their own lock.
type Archive struct {
	f        *os.File
	path     string
	readOnly bool

	hdrMu sync.Mutex
	hdr   Header

	// extentMu guards nextSector and the file length.
	extentMu   sync.Mutex
	nextSector uint32

	regions [regionCount]*region

	// infoMu serializes chunk-info table writes.
	infoMu sync.Mutex

	alloc *Allocator

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Create makes a new empty archive at path, replacing any file there.
func Create(path string, h Header) (*Archive, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	a := &Archive{f: f, path: path, hdr: h, nextSector: headerSectors}
	for i := range a.regions {
		a.regions[i] = &region{id: Region(i)}
	}
	if err := f.Truncate(headerSize); err != nil {
		f.Close()
		return nil, err
	}
	if err := a.init(); err != nil {
		f.Close()
		return nil, err
	}
	if err := a.Flush(); err != nil {
		a.closeCodecs()
		f.Close()
		return nil, err
	}
	return a, nil
}

// Open opens an existing archive for reading and writing.
func Open(path string) (*Archive, error) {
	return open(path, false)
}

// OpenReadOnly opens an existing archive without write access.
func OpenReadOnly(path string) (*Archive, error) {
	return open(path, true)
}

// OpenOrCreate opens path, or creates it with h when it does not exist.
func OpenOrCreate(path string, h Header) (*Archive, error) {
	a, err := Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Create(path, h)
	}
	return a, err
}

func open(path string, readOnly bool) (*Archive, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, headerSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("read archive header: %w", err)
	}
	h, next, raws, err := decodeHeader(buf)
	if err != nil {
		f.Close()
		return nil, err
	}
	a := &Archive{f: f, path: path, readOnly: readOnly, hdr: h, nextSector: next}
	for i := range raws {
		r, err := regionFromRaw(Region(i), raws[i], next)
		if err != nil {
			f.Close()
			return nil, err
		}
		a.regions[i] = r
	}
	if err := a.init(); err != nil {
		f.Close()
		return nil, err
	}
	if !readOnly {
		if err := a.repairChunkInfo(); err != nil {
			a.closeCodecs()
			f.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *Archive) init() error {
	a.alloc = &Allocator{a: a}
	level := zstd.EncoderLevelFromZstd(a.hdr.StorageLevel)
	if a.hdr.StorageLevel == 0 {
		level = zstd.SpeedDefault
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		enc.Close()
		return err
	}
	a.enc, a.dec = enc, dec
	return nil
}

func (a *Archive) closeCodecs() {
	if a.enc != nil {
		a.enc.Close()
	}
	if a.dec != nil {
		a.dec.Close()
	}
}

// repairChunkInfo vacates rows whose data lies beyond the persisted data
// region. Such rows can survive a crash because rows are rewritten in place
// while region growth only reaches disk with the next header flush.
func (a *Archive) repairChunkInfo() error {
	dataSectors := a.regions[RegionData].Size() / SectorSize
	n := a.ChunkInfoCount()
	buf := make([]byte, ChunkInfoRecordSize)
	for i := 0; i < n; i++ {
		e, err := a.ChunkInfo(i)
		if err != nil {
			return err
		}
		if e.DataSector+uint64(e.ReservedSectors) <= dataSectors {
			continue
		}
		slog.Warn("archive_repair_slot", "path", a.path, "slot", i, "guid", e.Guid.String(), "sector", e.DataSector)
		if err := encodeChunkInfo(ChunkInfoEntry{}, buf); err != nil {
			return err
		}
		if err := a.regions[RegionChunkInfo].writeAt(a.f, buf, uint64(i)*ChunkInfoRecordSize); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the file the archive was opened from.
func (a *Archive) Path() string { return a.path }

// Allocator returns the allocator of the data region.
func (a *Archive) Allocator() *Allocator { return a.alloc }

// Header returns a copy of the header.
func (a *Archive) Header() Header {
	a.hdrMu.Lock()
	defer a.hdrMu.Unlock()
	return a.hdr
}

// SetUpdateInfo replaces the crash-recovery record. Call Flush to persist it.
func (a *Archive) SetUpdateInfo(u UpdateInfo) {
	a.hdrMu.Lock()
	a.hdr.Update = u
	a.hdrMu.Unlock()
}

// SetVersion records the installed build.
func (a *Archive) SetVersion(num uint32, hr string) {
	a.hdrMu.Lock()
	a.hdr.VersionNum = num
	a.hdr.VersionHR = hr
	a.hdrMu.Unlock()
}

// SetGameID records the game the archive belongs to.
func (a *Archive) SetGameID(id string) {
	a.hdrMu.Lock()
	a.hdr.GameID = id
	a.hdrMu.Unlock()
}

// Flush writes the header, including every region's runlist, to disk.
func (a *Archive) Flush() error {
	if a.readOnly {
		return ErrReadOnly
	}
	a.hdrMu.Lock()
	defer a.hdrMu.Unlock()
	var raws [regionCount]rawRunlist
	for i, r := range a.regions {
		r.mu.RLock()
		raws[i] = r.raw()
		r.mu.RUnlock()
	}
	a.extentMu.Lock()
	next := a.nextSector
	a.extentMu.Unlock()
	buf, err := encodeHeader(a.hdr, next, raws)
	if err != nil {
		return err
	}
	if _, err := a.f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("write archive header: %w", err)
	}
	return nil
}

// Close flushes the header, syncs and closes the file.
func (a *Archive) Close() error {
	defer a.closeCodecs()
	if a.readOnly {
		return a.f.Close()
	}
	if err := a.Flush(); err != nil {
		a.f.Close()
		return err
	}
	if err := a.f.Sync(); err != nil {
		a.f.Close()
		return err
	}
	return a.f.Close()
}

// resize sets the logical size of a region, reserving sectors at the end of
// the file when it outgrows its runs. Shrinking keeps the reservation.
func (a *Archive) resize(id Region, size uint64) error {
	if a.readOnly {
		return ErrReadOnly
	}
	r := a.regions[id]
	r.mu.Lock()
	defer r.mu.Unlock()
	needSectors := SectorsFor(size)
	if needSectors > uint64(^uint32(0)) {
		return fmt.Errorf("%w: %s would need %d sectors", ErrOutOfRange, id, needSectors)
	}
	if uint32(needSectors) > r.allocated {
		if err := a.reserve(r, uint32(needSectors)-r.allocated); err != nil {
			return err
		}
	}
	r.size = size
	return nil
}

// reserve appends sectors to r. Called with r.mu held.
func (a *Archive) reserve(r *region, need uint32) error {
	n := reserveFor(r.allocated, need)
	a.extentMu.Lock()
	defer a.extentMu.Unlock()
	start := a.nextSector
	if uint64(start)+uint64(n) > uint64(^uint32(0)) {
		return fmt.Errorf("%w: archive file full", ErrOutOfRange)
	}
	if last := len(r.runs) - 1; last >= 0 && r.runs[last].start+r.runs[last].count == start {
		r.runs[last].count += n
	} else {
		if len(r.runs) >= MaxRuns {
			return fmt.Errorf("%w: %s", ErrRunlistFull, r.id)
		}
		r.runs = append(r.runs, run{start: start, count: n})
	}
	if err := a.f.Truncate(int64(start+n) * SectorSize); err != nil {
		return fmt.Errorf("grow archive file: %w", err)
	}
	a.nextSector = start + n
	r.allocated += n
	return nil
}

// RegionSize returns the logical size of a region in bytes.
func (a *Archive) RegionSize(id Region) uint64 {
	return a.regions[id].Size()
}

// DataRegionSize returns the logical size of the chunk data region.
func (a *Archive) DataRegionSize() uint64 {
	return a.RegionSize(RegionData)
}

// FileSize returns the number of bytes the archive file occupies.
func (a *Archive) FileSize() int64 {
	a.extentMu.Lock()
	defer a.extentMu.Unlock()
	return int64(a.nextSector) * SectorSize
}
