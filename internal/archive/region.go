package archive

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Region identifies one growable stream inside the archive file.
type Region int

const (
	RegionFiles Region = iota
	RegionChunkParts
	RegionChunkInfo
	RegionData
	regionCount
)

func (r Region) String() string {
	switch r {
	case RegionFiles:
		return "files"
	case RegionChunkParts:
		return "chunk_parts"
	case RegionChunkInfo:
		return "chunk_info"
	case RegionData:
		return "data"
	default:
		return fmt.Sprintf("region(%d)", int(r))
	}
}

// minReserve and maxReserve bound the physical over-reservation, in sectors.
const (
	minReserve = 16
	maxReserve = 16384
)

type run struct {
	start uint32
	count uint32
}

// region maps a logical byte stream onto runs of file sectors. Runs are only
// ever appended or extended, so a translated position stays valid after the
// lock is released.
type region struct {
	id        Region
	mu        sync.RWMutex
	size      uint64
	allocated uint32
	runs      []run
}

func regionFromRaw(id Region, raw rawRunlist, nextSector uint32) (*region, error) {
	if raw.RunCount > MaxRuns {
		return nil, fmt.Errorf("archive: %s has %d runs", id, raw.RunCount)
	}
	r := &region{id: id, size: raw.Size, allocated: raw.Allocated}
	var total uint32
	for _, rr := range raw.Runs[:raw.RunCount] {
		if rr.Start < headerSectors || uint64(rr.Start)+uint64(rr.Count) > uint64(nextSector) {
			return nil, fmt.Errorf("archive: %s run %d+%d outside file", id, rr.Start, rr.Count)
		}
		r.runs = append(r.runs, run{start: rr.Start, count: rr.Count})
		total += rr.Count
	}
	if total != raw.Allocated || raw.Size > uint64(raw.Allocated)*SectorSize {
		return nil, fmt.Errorf("archive: %s runlist inconsistent", id)
	}
	return r, nil
}

// raw must be called with r.mu held.
func (r *region) raw() rawRunlist {
	out := rawRunlist{Size: r.size, Allocated: r.allocated, RunCount: uint32(len(r.runs))}
	for i, rr := range r.runs {
		out.Runs[i] = rawRun{Start: rr.start, Count: rr.count}
	}
	return out
}

func (r *region) Size() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

type extent struct {
	fileOff int64
	length  int
}

// translate maps [off, off+n) to file extents.
func (r *region) translate(off uint64, n int) ([]extent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if off+uint64(n) > r.size {
		return nil, fmt.Errorf("%w: %s [%d,%d) size %d", ErrOutOfRange, r.id, off, off+uint64(n), r.size)
	}
	var out []extent
	var base uint64
	for _, rr := range r.runs {
		if n == 0 {
			break
		}
		runBytes := uint64(rr.count) * SectorSize
		if off >= base+runBytes {
			base += runBytes
			continue
		}
		within := off - base
		take := runBytes - within
		if take > uint64(n) {
			take = uint64(n)
		}
		out = append(out, extent{fileOff: int64(rr.start)*SectorSize + int64(within), length: int(take)})
		off += take
		n -= int(take)
		base += runBytes
	}
	return out, nil
}

func (r *region) readAt(f *os.File, p []byte, off uint64) error {
	exts, err := r.translate(off, len(p))
	if err != nil {
		return err
	}
	for _, e := range exts {
		if _, err := f.ReadAt(p[:e.length], e.fileOff); err != nil && err != io.EOF {
			return err
		}
		p = p[e.length:]
	}
	return nil
}

func (r *region) writeAt(f *os.File, p []byte, off uint64) error {
	exts, err := r.translate(off, len(p))
	if err != nil {
		return err
	}
	for _, e := range exts {
		if _, err := f.WriteAt(p[:e.length], e.fileOff); err != nil {
			return err
		}
		p = p[e.length:]
	}
	return nil
}

// reserveFor computes how many sectors to reserve when a region needs `need`
// more than it has: at least need, otherwise a quarter of what it already
// holds, clamped.
func reserveFor(allocated, need uint32) uint32 {
	extra := allocated / 4
	if extra < minReserve {
		extra = minReserve
	}
	if extra > maxReserve {
		extra = maxReserve
	}
	if need > extra {
		return need
	}
	return extra
}
