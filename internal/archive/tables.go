package archive

import (
	"fmt"
)

// Files reads the whole file table.
func (a *Archive) Files() ([]FileEntry, error) {
	buf, err := a.readTable(RegionFiles, FileRecordSize)
	if err != nil {
		return nil, err
	}
	out := make([]FileEntry, 0, len(buf)/FileRecordSize)
	for off := 0; off < len(buf); off += FileRecordSize {
		e, err := decodeFile(buf[off : off+FileRecordSize])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// SetFiles replaces the file table.
func (a *Archive) SetFiles(entries []FileEntry) error {
	buf := make([]byte, len(entries)*FileRecordSize)
	for i, e := range entries {
		if err := encodeFile(e, buf[i*FileRecordSize:]); err != nil {
			return fmt.Errorf("file %d: %w", i, err)
		}
	}
	return a.writeTable(RegionFiles, buf)
}

// ChunkParts reads the whole chunk-part table.
func (a *Archive) ChunkParts() ([]ChunkPartEntry, error) {
	buf, err := a.readTable(RegionChunkParts, ChunkPartRecordSize)
	if err != nil {
		return nil, err
	}
	out := make([]ChunkPartEntry, 0, len(buf)/ChunkPartRecordSize)
	for off := 0; off < len(buf); off += ChunkPartRecordSize {
		e, err := decodeChunkPart(buf[off : off+ChunkPartRecordSize])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// SetChunkParts replaces the chunk-part table.
func (a *Archive) SetChunkParts(entries []ChunkPartEntry) error {
	buf := make([]byte, len(entries)*ChunkPartRecordSize)
	for i, e := range entries {
		if err := encodeChunkPart(e, buf[i*ChunkPartRecordSize:]); err != nil {
			return err
		}
	}
	return a.writeTable(RegionChunkParts, buf)
}

// RebindChunkParts rewrites every chunk-part row's ChunkIndex through bind.
// The table is left untouched when bind fails for any row.
func (a *Archive) RebindChunkParts(bind func(idx uint32) (uint32, error)) error {
	parts, err := a.ChunkParts()
	if err != nil {
		return err
	}
	for i := range parts {
		idx, err := bind(parts[i].ChunkIndex)
		if err != nil {
			return fmt.Errorf("chunk part %d: %w", i, err)
		}
		parts[i].ChunkIndex = idx
	}
	return a.SetChunkParts(parts)
}

// ChunkInfoCount is the number of rows in the chunk-info table, vacant ones
// included.
func (a *Archive) ChunkInfoCount() int {
	return int(a.regions[RegionChunkInfo].Size() / ChunkInfoRecordSize)
}

// ChunkInfo reads row i of the chunk-info table.
func (a *Archive) ChunkInfo(i int) (ChunkInfoEntry, error) {
	buf := make([]byte, ChunkInfoRecordSize)
	if err := a.regions[RegionChunkInfo].readAt(a.f, buf, uint64(i)*ChunkInfoRecordSize); err != nil {
		return ChunkInfoEntry{}, fmt.Errorf("chunk info %d: %w", i, err)
	}
	return decodeChunkInfo(buf)
}

// ChunkInfos reads the whole chunk-info table.
func (a *Archive) ChunkInfos() ([]ChunkInfoEntry, error) {
	a.infoMu.Lock()
	buf, err := a.readTable(RegionChunkInfo, ChunkInfoRecordSize)
	a.infoMu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]ChunkInfoEntry, 0, len(buf)/ChunkInfoRecordSize)
	for off := 0; off < len(buf); off += ChunkInfoRecordSize {
		e, err := decodeChunkInfo(buf[off : off+ChunkInfoRecordSize])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// AppendChunkInfo adds a row at the end of the chunk-info table and returns
// its index.
func (a *Archive) AppendChunkInfo(e ChunkInfoEntry) (int, error) {
	buf := make([]byte, ChunkInfoRecordSize)
	if err := encodeChunkInfo(e, buf); err != nil {
		return 0, err
	}
	a.infoMu.Lock()
	defer a.infoMu.Unlock()
	r := a.regions[RegionChunkInfo]
	off := r.Size()
	if err := a.resize(RegionChunkInfo, off+ChunkInfoRecordSize); err != nil {
		return 0, err
	}
	if err := r.writeAt(a.f, buf, off); err != nil {
		return 0, err
	}
	return int(off / ChunkInfoRecordSize), nil
}

// WriteChunkInfo overwrites row i of the chunk-info table.
func (a *Archive) WriteChunkInfo(i int, e ChunkInfoEntry) error {
	if a.readOnly {
		return ErrReadOnly
	}
	buf := make([]byte, ChunkInfoRecordSize)
	if err := encodeChunkInfo(e, buf); err != nil {
		return err
	}
	a.infoMu.Lock()
	defer a.infoMu.Unlock()
	if err := a.regions[RegionChunkInfo].writeAt(a.f, buf, uint64(i)*ChunkInfoRecordSize); err != nil {
		return fmt.Errorf("chunk info %d: %w", i, err)
	}
	return nil
}

func (a *Archive) readTable(id Region, recordSize int) ([]byte, error) {
	r := a.regions[id]
	size := r.Size()
	if size%uint64(recordSize) != 0 {
		return nil, fmt.Errorf("archive: %s size %d is not a multiple of %d", id, size, recordSize)
	}
	buf := make([]byte, size)
	if err := r.readAt(a.f, buf, 0); err != nil {
		return nil, fmt.Errorf("read %s: %w", id, err)
	}
	return buf, nil
}

func (a *Archive) writeTable(id Region, buf []byte) error {
	if err := a.resize(id, uint64(len(buf))); err != nil {
		return err
	}
	if err := a.regions[id].writeAt(a.f, buf, 0); err != nil {
		return fmt.Errorf("write %s: %w", id, err)
	}
	return nil
}
