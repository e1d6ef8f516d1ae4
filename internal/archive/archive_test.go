package archive

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/APTlantis/Epic-Installer/internal/manifest"
)

func newArchive(t *testing.T, storage StorageMethod) (*Archive, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "game.egia")
	a, err := Create(path, Header{GameID: "fortress", Storage: storage})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return a, path
}

func TestHeaderRoundTrip(t *testing.T) {
	a, path := newArchive(t, StorageRaw)
	a.SetVersion(7, "1.0.7-CL-42")
	a.SetUpdateInfo(UpdateInfo{IsUpdating: true, TargetVersion: 8, Elapsed: 90 * time.Second, PiecesComplete: 12, BytesDownloaded: 3 << 20})
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()
	h := b.Header()
	if h.GameID != "fortress" || h.VersionNum != 7 || h.VersionHR != "1.0.7-CL-42" {
		t.Fatalf("unexpected header %+v", h)
	}
	want := UpdateInfo{IsUpdating: true, TargetVersion: 8, Elapsed: 90 * time.Second, PiecesComplete: 12, BytesDownloaded: 3 << 20}
	if h.Update != want {
		t.Fatalf("update info: got %+v want %+v", h.Update, want)
	}
}

func TestOpenRejectsCorruptHeader(t *testing.T) {
	a, path := newArchive(t, StorageRaw)
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt([]byte{0xFF}, 10); err != nil {
		t.Fatal(err)
	}
	f.Close()
	if _, err := Open(path); !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected checksum error, got %v", err)
	}

	junk := filepath.Join(t.TempDir(), "junk")
	if err := os.WriteFile(junk, make([]byte, headerSize), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(junk); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected bad magic, got %v", err)
	}
}

func TestTablesPersist(t *testing.T) {
	a, path := newArchive(t, StorageRaw)
	files := []FileEntry{
		{Path: "Game/a.pak", Size: 150, SHA1: manifest.SHA1{1, 2, 3}, PartStart: 0, PartCount: 2},
		{Path: "Game/b.pak", Size: 30, PartStart: 2, PartCount: 1},
	}
	parts := []ChunkPartEntry{{0, 0, 100}, {1, 10, 50}, {0, 0, 30}}
	if err := a.SetFiles(files); err != nil {
		t.Fatalf("SetFiles: %v", err)
	}
	if err := a.SetChunkParts(parts); err != nil {
		t.Fatalf("SetChunkParts: %v", err)
	}
	sector, err := a.Allocator().Allocate(100)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	info := ChunkInfoEntry{Guid: manifest.Guid{1, 2, 3, 4}, UncompressedSize: 100, StoredSize: 100, DataSector: sector, ReservedSectors: 1, GroupNumber: 9}
	idx, err := a.AppendChunkInfo(info)
	if err != nil || idx != 0 {
		t.Fatalf("AppendChunkInfo: idx=%d err=%v", idx, err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	b, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	gotFiles, err := b.Files()
	if err != nil {
		t.Fatal(err)
	}
	if len(gotFiles) != 2 || gotFiles[0] != files[0] || gotFiles[1] != files[1] {
		t.Fatalf("files: got %+v", gotFiles)
	}
	gotParts, err := b.ChunkParts()
	if err != nil {
		t.Fatal(err)
	}
	if len(gotParts) != 3 || gotParts[1] != parts[1] {
		t.Fatalf("parts: got %+v", gotParts)
	}
	if b.ChunkInfoCount() != 1 {
		t.Fatalf("chunk info count: %d", b.ChunkInfoCount())
	}
	gotInfo, err := b.ChunkInfo(0)
	if err != nil || gotInfo != info {
		t.Fatalf("chunk info: got %+v err %v", gotInfo, err)
	}
	if err := b.SetFiles(files[:1]); err != nil {
		t.Fatal(err)
	}
	shrunk, _ := b.Files()
	if len(shrunk) != 1 {
		t.Fatalf("shrinking the file table: got %d rows", len(shrunk))
	}
}

func TestPathTooLong(t *testing.T) {
	a, _ := newArchive(t, StorageRaw)
	defer a.Close()
	long := string(bytes.Repeat([]byte("x"), maxPathLen+1))
	if err := a.SetFiles([]FileEntry{{Path: long}}); !errors.Is(err, ErrTooLong) {
		t.Fatalf("expected ErrTooLong, got %v", err)
	}
}

func TestAllocatorMonotonic(t *testing.T) {
	a, _ := newArchive(t, StorageRaw)
	defer a.Close()
	sizes := []uint64{1, 4096, 4097, 100, 1 << 20, 30}
	var want uint64
	for _, s := range sizes {
		sector, err := a.Allocator().Allocate(s)
		if err != nil {
			t.Fatalf("Allocate(%d): %v", s, err)
		}
		if sector*SectorSize != want {
			t.Fatalf("Allocate(%d) returned sector %d, want %d", s, sector, want/SectorSize)
		}
		want += AlignUp(s)
		if got := a.DataRegionSize(); got != want {
			t.Fatalf("region size after %d: got %d want %d", s, got, want)
		}
	}
}

func TestAllocatorConcurrent(t *testing.T) {
	a, _ := newArchive(t, StorageRaw)
	defer a.Close()
	const n = 64
	sectors := make([]uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := a.Allocator().Allocate(5000)
			if err != nil {
				t.Errorf("Allocate: %v", err)
				return
			}
			sectors[i] = s
			if err := a.WriteChunkData(s, bytes.Repeat([]byte{byte(i)}, 5000)); err != nil {
				t.Errorf("WriteChunkData: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if got := a.DataRegionSize(); got != n*AlignUp(5000) {
		t.Fatalf("region size: got %d", got)
	}
	seen := map[uint64]bool{}
	for i, s := range sectors {
		if seen[s] {
			t.Fatalf("sector %d handed out twice", s)
		}
		seen[s] = true
		got, err := a.ReadChunkData(ChunkInfoEntry{DataSector: s, StoredSize: 5000})
		if err != nil {
			t.Fatal(err)
		}
		if got[0] != byte(i) || got[4999] != byte(i) {
			t.Fatalf("payload %d overwritten", i)
		}
	}
}

func TestRunlistSpansInterleavedGrowth(t *testing.T) {
	a, path := newArchive(t, StorageRaw)
	var payloads [][]byte
	var infos []ChunkInfoEntry
	for i := 0; i < 40; i++ {
		p := bytes.Repeat([]byte{byte(i + 1)}, 70_000)
		sector, err := a.Allocator().Allocate(uint64(len(p)))
		if err != nil {
			t.Fatal(err)
		}
		if err := a.WriteChunkData(sector, p); err != nil {
			t.Fatal(err)
		}
		e := ChunkInfoEntry{Guid: manifest.Guid{uint32(i + 1)}, UncompressedSize: uint32(len(p)), StoredSize: uint32(len(p)), DataSector: sector, ReservedSectors: uint32(SectorsFor(uint64(len(p))))}
		if _, err := a.AppendChunkInfo(e); err != nil {
			t.Fatal(err)
		}
		// grow another region in between so data runs cannot always merge
		if err := a.SetFiles(make([]FileEntry, i*20)); err != nil {
			t.Fatal(err)
		}
		payloads = append(payloads, p)
		infos = append(infos, e)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	b, err := OpenReadOnly(path)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if len(b.regions[RegionFiles].runs) < 2 {
		t.Fatalf("expected the file table to span several runs")
	}
	for i, e := range infos {
		got, err := b.ReadChunk(e)
		if err != nil {
			t.Fatalf("ReadChunk %d: %v", i, err)
		}
		if !bytes.Equal(got, payloads[i]) {
			t.Fatalf("chunk %d corrupted across runs", i)
		}
	}
	if err := b.Flush(); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("read-only flush: got %v", err)
	}
}

func TestZstdStorage(t *testing.T) {
	a, _ := newArchive(t, StorageZstd)
	defer a.Close()
	payload := bytes.Repeat([]byte("abcdefgh"), 4096)
	stored, method := a.EncodeChunk(payload)
	if method != StorageZstd || len(stored) >= len(payload) {
		t.Fatalf("expected compressible payload to be zstd, got %s (%d bytes)", method, len(stored))
	}
	sector, err := a.Allocator().Allocate(uint64(len(stored)))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.WriteChunkData(sector, stored); err != nil {
		t.Fatal(err)
	}
	e := ChunkInfoEntry{DataSector: sector, StoredSize: uint32(len(stored)), UncompressedSize: uint32(len(payload)), Storage: method}
	got, err := a.ReadChunk(e)
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("zstd round trip failed: %v", err)
	}

	random := make([]byte, 64)
	for i := range random {
		random[i] = byte(i*131 + 7)
	}
	if _, m := a.EncodeChunk(random); m != StorageRaw {
		t.Fatalf("incompressible payload should stay raw")
	}
}

func TestOpenRepairsSlotsBeyondDataRegion(t *testing.T) {
	a, path := newArchive(t, StorageRaw)
	sector, err := a.Allocator().Allocate(100)
	if err != nil {
		t.Fatal(err)
	}
	good := ChunkInfoEntry{Guid: manifest.Guid{1}, StoredSize: 100, UncompressedSize: 100, DataSector: sector, ReservedSectors: 1}
	bad := ChunkInfoEntry{Guid: manifest.Guid{2}, StoredSize: 100, UncompressedSize: 100, DataSector: 50, ReservedSectors: 1}
	if _, err := a.AppendChunkInfo(good); err != nil {
		t.Fatal(err)
	}
	if _, err := a.AppendChunkInfo(bad); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	b, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	rows, err := b.ChunkInfos()
	if err != nil {
		t.Fatal(err)
	}
	if rows[0] != good {
		t.Fatalf("in-range row changed: %+v", rows[0])
	}
	if !rows[1].Vacant() || rows[1].ReservedSectors != 0 {
		t.Fatalf("out-of-range row not vacated: %+v", rows[1])
	}
}

func TestWriteOutsideRegion(t *testing.T) {
	a, _ := newArchive(t, StorageRaw)
	defer a.Close()
	if err := a.WriteChunkData(0, []byte("x")); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if _, err := a.ChunkInfo(3); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange for missing row, got %v", err)
	}
}

func TestFits(t *testing.T) {
	e := ChunkInfoEntry{ReservedSectors: 1}
	if !e.Fits(30) || !e.Fits(SectorSize) || e.Fits(SectorSize+1) {
		t.Fatalf("Fits wrong")
	}
}

func TestRebindChunkParts(t *testing.T) {
	a, _ := newArchive(t, StorageRaw)
	defer a.Close()
	parts := []ChunkPartEntry{{ChunkIndex: 0, Size: 10}, {ChunkIndex: 2, Offset: 4, Size: 6}}
	if err := a.SetChunkParts(parts); err != nil {
		t.Fatal(err)
	}
	remap := map[uint32]uint32{0: 5, 2: 1}
	err := a.RebindChunkParts(func(idx uint32) (uint32, error) {
		v, ok := remap[idx]
		if !ok {
			return 0, errors.New("missing")
		}
		return v, nil
	})
	if err != nil {
		t.Fatalf("RebindChunkParts: %v", err)
	}
	got, _ := a.ChunkParts()
	if got[0].ChunkIndex != 5 || got[1].ChunkIndex != 1 || got[1].Offset != 4 {
		t.Fatalf("unexpected parts %+v", got)
	}

	sentinel := errors.New("unknown chunk")
	if err := a.RebindChunkParts(func(uint32) (uint32, error) { return 0, sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("expected bind error, got %v", err)
	}
	again, _ := a.ChunkParts()
	if again[0].ChunkIndex != 5 {
		t.Fatalf("failed rebind modified table: %+v", again)
	}
}
