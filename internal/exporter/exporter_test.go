package exporter

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/APTlantis/Epic-Installer/internal/archive"
	"github.com/APTlantis/Epic-Installer/internal/manifest"
)

var (
	chunk0 = bytes.Repeat([]byte("0123456789"), 20) // 200 bytes
	chunk1 = []byte(strings.Repeat("abcde", 10))    // 50 bytes
)

type testFile struct {
	path  string
	parts []archive.ChunkPartEntry
}

var testFiles = []testFile{
	{"bin/game.exe", []archive.ChunkPartEntry{{ChunkIndex: 0, Offset: 0, Size: 100}, {ChunkIndex: 1, Offset: 0, Size: 20}}},
	{"data/pak.bin", []archive.ChunkPartEntry{{ChunkIndex: 1, Offset: 20, Size: 30}}},
	{"readme.txt", []archive.ChunkPartEntry{{ChunkIndex: 0, Offset: 100, Size: 50}}},
}

func contentOf(tf testFile) []byte {
	chunks := [][]byte{chunk0, chunk1}
	var out []byte
	for _, p := range tf.parts {
		out = append(out, chunks[p.ChunkIndex][p.Offset:p.Offset+p.Size]...)
	}
	return out
}

// buildArchive writes a finished archive holding testFiles. badSHA names a
// file whose recorded hash is wrong.
func buildArchive(t *testing.T, badSHA string, updating bool) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fortress.egia")
	a, err := archive.Create(path, archive.Header{GameID: "fortress", Storage: archive.StorageZstd, StorageLevel: 3})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i, data := range [][]byte{chunk0, chunk1} {
		stored, method := a.EncodeChunk(data)
		sector, err := a.Allocator().Allocate(uint64(len(stored)))
		if err != nil {
			t.Fatal(err)
		}
		if err := a.WriteChunkData(sector, stored); err != nil {
			t.Fatal(err)
		}
		_, err = a.AppendChunkInfo(archive.ChunkInfoEntry{
			Guid:             manifest.Guid{uint32(i + 1), 2, 3, 4},
			SHA1:             manifest.SHA1(sha1.Sum(data)),
			UncompressedSize: uint32(len(data)),
			StoredSize:       uint32(len(stored)),
			DataSector:       sector,
			ReservedSectors:  uint32(archive.SectorsFor(uint64(len(stored)))),
			Storage:          method,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	var (
		files []archive.FileEntry
		parts []archive.ChunkPartEntry
	)
	for _, tf := range testFiles {
		data := contentOf(tf)
		sum := manifest.SHA1(sha1.Sum(data))
		if tf.path == badSHA {
			sum[0] ^= 0xFF
		}
		files = append(files, archive.FileEntry{Path: tf.path, Size: uint64(len(data)), SHA1: sum, PartStart: uint32(len(parts)), PartCount: uint32(len(tf.parts))})
		parts = append(parts, tf.parts...)
	}
	if err := a.SetFiles(files); err != nil {
		t.Fatal(err)
	}
	if err := a.SetChunkParts(parts); err != nil {
		t.Fatal(err)
	}
	a.SetVersion(3, "1.3")
	if updating {
		a.SetUpdateInfo(archive.UpdateInfo{IsUpdating: true, TargetVersion: 4})
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func openExporter(t *testing.T, path string) *Exporter {
	t.Helper()
	e, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestOpenRefusesUnfinished(t *testing.T) {
	path := buildArchive(t, "", true)
	_, err := Open(path)
	if !errors.Is(err, ErrNotFinished) {
		t.Fatalf("Open err = %v, want ErrNotFinished", err)
	}
}

func TestWriteFile(t *testing.T) {
	e := openExporter(t, buildArchive(t, "", false))
	if got := e.Header().VersionHR; got != "1.3" {
		t.Errorf("VersionHR = %q", got)
	}
	for i, f := range e.Files() {
		var buf bytes.Buffer
		if err := e.WriteFile(context.Background(), f, &buf); err != nil {
			t.Fatalf("%s: %v", f.Path, err)
		}
		if !bytes.Equal(buf.Bytes(), contentOf(testFiles[i])) {
			t.Errorf("%s: content mismatch", f.Path)
		}
	}
}

func TestWriteFileRejectsBadTables(t *testing.T) {
	e := openExporter(t, buildArchive(t, "", false))
	cases := []archive.FileEntry{
		{Path: "beyond", Size: 10, PartStart: 99, PartCount: 1},
		{Path: "short", Size: 999, PartStart: 0, PartCount: 1},
	}
	for _, f := range cases {
		if err := e.WriteFile(context.Background(), f, io.Discard); !errors.Is(err, ErrCorrupt) {
			t.Errorf("%s: err = %v, want ErrCorrupt", f.Path, err)
		}
	}
}

func TestVerifyDetectsMismatch(t *testing.T) {
	e := openExporter(t, buildArchive(t, "data/pak.bin", false))
	var recs bytes.Buffer
	st, err := e.Verify(context.Background(), Options{Workers: 3, Records: &recs})
	if !errors.Is(err, ErrVerify) {
		t.Fatalf("Verify err = %v, want ErrVerify", err)
	}
	if st.Files != 3 || st.Failed != 1 || st.Bytes != 200 {
		t.Fatalf("stats = %+v", st)
	}

	byPath := map[string]Record{}
	sc := bufio.NewScanner(&recs)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("record %q: %v", sc.Text(), err)
		}
		byPath[r.Path] = r
	}
	if len(byPath) != 3 {
		t.Fatalf("got %d records", len(byPath))
	}
	if r := byPath["data/pak.bin"]; r.OK || r.Error == "" {
		t.Errorf("mismatched file record = %+v", r)
	}
	if r := byPath["bin/game.exe"]; !r.OK || r.SchemaVersion != 1 || r.Size != 120 {
		t.Errorf("good file record = %+v", r)
	}
}

func TestVerifyClean(t *testing.T) {
	e := openExporter(t, buildArchive(t, "", false))
	st, err := e.Verify(context.Background(), Options{Workers: 2})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if st.Failed != 0 || st.Files != 3 {
		t.Fatalf("stats = %+v", st)
	}
}

func readBundle(t *testing.T, path string) map[string][]byte {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	out := map[string][]byte{}
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		b, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		out[hdr.Name] = b
	}
}

func TestExportBundlesRotate(t *testing.T) {
	e := openExporter(t, buildArchive(t, "", false))
	out := t.TempDir()
	st, err := e.Export(context.Background(), Options{BundlesOut: out, BundleBytes: 130})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	want := []string{"bundle-0000.tar.zst", "bundle-0001.tar.zst"}
	if !slices.Equal(st.Bundles, want) {
		t.Fatalf("bundles = %v, want %v", st.Bundles, want)
	}

	first := readBundle(t, filepath.Join(out, want[0]))
	second := readBundle(t, filepath.Join(out, want[1]))
	if len(first) != 1 || !bytes.Equal(first["bin/game.exe"], contentOf(testFiles[0])) {
		t.Errorf("first bundle = %v", first)
	}
	if len(second) != 2 || !bytes.Equal(second["readme.txt"], contentOf(testFiles[2])) {
		t.Errorf("second bundle has %d files", len(second))
	}

	raw, err := os.ReadFile(filepath.Join(out, "bundle-0001.json"))
	if err != nil {
		t.Fatal(err)
	}
	var idx BundleIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		t.Fatal(err)
	}
	if idx.Bundle != want[1] || idx.Game != "fortress" || len(idx.Files) != 2 || idx.Files[0].Path != "data/pak.bin" {
		t.Errorf("index = %+v", idx)
	}
	if _, err := os.Stat(filepath.Join(out, "bundle-0001.json.tmp")); !os.IsNotExist(err) {
		t.Errorf("temp index left behind: %v", err)
	}
}

func TestExportExtractDir(t *testing.T) {
	e := openExporter(t, buildArchive(t, "readme.txt", false))
	dir := t.TempDir()
	var recs bytes.Buffer
	st, err := e.Export(context.Background(), Options{ExtractDir: dir, Records: &recs})
	if !errors.Is(err, ErrVerify) {
		t.Fatalf("Export err = %v, want ErrVerify", err)
	}
	if st.Failed != 1 || len(st.Bundles) != 0 {
		t.Fatalf("stats = %+v", st)
	}
	got, err := os.ReadFile(filepath.Join(dir, "bin", "game.exe"))
	if err != nil || !bytes.Equal(got, contentOf(testFiles[0])) {
		t.Fatalf("extracted game.exe: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "readme.txt")); !os.IsNotExist(err) {
		t.Errorf("mismatched file was extracted: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "readme.txt.part")); !os.IsNotExist(err) {
		t.Errorf("partial file left behind: %v", err)
	}
	if n := strings.Count(recs.String(), "\n"); n != 3 {
		t.Errorf("records = %d lines", n)
	}
}

func TestExportCancelled(t *testing.T) {
	e := openExporter(t, buildArchive(t, "", false))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Export(ctx, Options{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestDisabledBundlerDiscards(t *testing.T) {
	b, err := NewBundler(false, "", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	called := false
	name, err := b.Add(IndexEntry{Path: "x", Size: 1}, func(w io.Writer) error {
		called = true
		_, err := w.Write([]byte{1})
		return err
	})
	if err != nil || name != "" || !called {
		t.Fatalf("Add = %q, %v (called %v)", name, err, called)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := NewBundler(true, t.TempDir(), "", 0); err == nil {
		t.Fatal("expected error for zero bundle size")
	}
}
