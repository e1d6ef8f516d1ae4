package archive

import (
	"fmt"
	"sync"
)

// Allocator grows the chunk data region in whole sectors. Allocations are
// serialized among themselves but do not touch the chunk-info table.
type Allocator struct {
	mu sync.Mutex
	a  *Archive
}

// Allocate reserves AlignUp(size) bytes at the end of the data region and
// returns the first sector of the new space.
func (al *Allocator) Allocate(size uint64) (uint64, error) {
	al.mu.Lock()
	defer al.mu.Unlock()
	cur := al.a.DataRegionSize()
	if err := al.a.resize(RegionData, cur+AlignUp(size)); err != nil {
		return 0, fmt.Errorf("allocate %d bytes: %w", size, err)
	}
	return cur / SectorSize, nil
}

// Fits reports whether a payload of stored bytes can be written into the
// slot without growing the data region.
func (e ChunkInfoEntry) Fits(stored uint64) bool {
	return SectorsFor(stored) <= uint64(e.ReservedSectors)
}

// EncodeChunk turns a decoded chunk into the bytes kept in the data region.
// Zstd output is only used when it is smaller than the input.
func (a *Archive) EncodeChunk(payload []byte) ([]byte, StorageMethod) {
	if a.Header().Storage != StorageZstd {
		return payload, StorageRaw
	}
	out := a.enc.EncodeAll(payload, make([]byte, 0, len(payload)))
	if len(out) >= len(payload) {
		return payload, StorageRaw
	}
	return out, StorageZstd
}

// WriteChunkData copies stored chunk bytes into the data region at sector.
// The range must already be allocated.
func (a *Archive) WriteChunkData(sector uint64, p []byte) error {
	if a.readOnly {
		return ErrReadOnly
	}
	if err := a.regions[RegionData].writeAt(a.f, p, sector*SectorSize); err != nil {
		return fmt.Errorf("write chunk data at sector %d: %w", sector, err)
	}
	return nil
}

// ReadChunkData returns the stored bytes of a chunk.
func (a *Archive) ReadChunkData(e ChunkInfoEntry) ([]byte, error) {
	buf := make([]byte, e.StoredSize)
	if err := a.regions[RegionData].readAt(a.f, buf, e.DataSector*SectorSize); err != nil {
		return nil, fmt.Errorf("read chunk %s: %w", e.Guid, err)
	}
	return buf, nil
}

// ReadChunk returns the decoded bytes of a chunk.
func (a *Archive) ReadChunk(e ChunkInfoEntry) ([]byte, error) {
	stored, err := a.ReadChunkData(e)
	if err != nil {
		return nil, err
	}
	switch e.Storage {
	case StorageRaw:
		if len(stored) != int(e.UncompressedSize) {
			return nil, fmt.Errorf("chunk %s: stored %d bytes, want %d", e.Guid, len(stored), e.UncompressedSize)
		}
		return stored, nil
	case StorageZstd:
		out, err := a.dec.DecodeAll(stored, make([]byte, 0, e.UncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("chunk %s: zstd: %w", e.Guid, err)
		}
		if len(out) != int(e.UncompressedSize) {
			return nil, fmt.Errorf("chunk %s: decoded %d bytes, want %d", e.Guid, len(out), e.UncompressedSize)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("chunk %s: unknown storage %s", e.Guid, e.Storage)
	}
}
