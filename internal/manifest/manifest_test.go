package manifest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleJSON = `{
  "app_name": "Fortress",
  "build_version": "1.2.0-CL-100",
  "version": 12,
  "feature_level": 18,
  "files": [
    {"path": "Game/a.pak", "size": 150, "parts": [
      {"guid": "0000000A0000000B0000000C0000000D", "offset": 0, "size": 100},
      {"guid": "00000001000000020000000300000004", "offset": 10, "size": 50}
    ]},
    {"path": "Game/lang-fr.pak", "size": 30, "install_tags": ["fr"], "parts": [
      {"guid": "00000005000000060000000700000008", "offset": 0, "size": 30}
    ]}
  ],
  "chunks": [
    {"guid": "0000000A0000000B0000000C0000000D", "hash": "255", "window_size": 100, "group": 3, "file_size": 60},
    {"guid": "00000001000000020000000300000004", "hash": "1", "window_size": 60, "group": 7, "file_size": 40},
    {"guid": "00000005000000060000000700000008", "hash": "2", "window_size": 30, "group": 1, "file_size": 20}
  ]
}`

func TestParseGuid(t *testing.T) {
	g, err := ParseGuid("0000000A0000000B0000000C0000000D")
	if err != nil {
		t.Fatalf("ParseGuid: %v", err)
	}
	if g != (Guid{10, 11, 12, 13}) {
		t.Fatalf("unexpected guid fields %v", g)
	}
	if got := g.String(); got != "0000000A0000000B0000000C0000000D" {
		t.Fatalf("String: got %q", got)
	}
	dashed, err := ParseGuid("0000000a-0000-000b-0000-000c0000000d")
	if err != nil {
		t.Fatalf("ParseGuid dashed: %v", err)
	}
	if dashed != g {
		t.Fatalf("dashed form parsed to %v", dashed)
	}
	if _, err := ParseGuid("nope"); err == nil {
		t.Fatalf("expected error for malformed guid")
	}
}

func TestGuidCompare(t *testing.T) {
	a := Guid{1, 0, 0, 0}
	b := Guid{0, 0xFFFFFFFF, 0, 0}
	if a.Compare(b) != 1 || b.Compare(a) != -1 || a.Compare(a) != 0 {
		t.Fatalf("compare must order by leading field first")
	}
	if !(Guid{}).IsZero() || a.IsZero() {
		t.Fatalf("IsZero wrong")
	}
}

func TestDecodeAndFilter(t *testing.T) {
	m, err := Decode(strings.NewReader(sampleJSON))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.Chunks[0].Hash != 255 || m.Version != 12 {
		t.Fatalf("unexpected fields: %+v", m.Chunks[0])
	}
	if got := m.DownloadSize(); got != 120 {
		t.Fatalf("DownloadSize: got %d", got)
	}

	base := m.Filter(nil)
	if len(base.Files) != 1 || len(base.Chunks) != 2 {
		t.Fatalf("untagged filter: files=%d chunks=%d", len(base.Files), len(base.Chunks))
	}
	if len(m.Files) != 2 {
		t.Fatalf("Filter must not modify the receiver")
	}
	fr := m.Filter([]string{"fr"})
	if len(fr.Files) != 2 || len(fr.Chunks) != 3 {
		t.Fatalf("fr filter: files=%d chunks=%d", len(fr.Files), len(fr.Chunks))
	}
	if fr.InstallSize() != 180 || fr.ChunkPartCount() != 3 {
		t.Fatalf("sizes: install=%d parts=%d", fr.InstallSize(), fr.ChunkPartCount())
	}
}

func TestValidateRejects(t *testing.T) {
	m, err := Decode(strings.NewReader(sampleJSON))
	if err != nil {
		t.Fatal(err)
	}
	bad := *m
	bad.Files = append([]FileManifest(nil), m.Files...)
	bad.Files[0].Size = 1
	if err := bad.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("size mismatch: got %v", err)
	}
	dup := *m
	dup.Chunks = append(append([]ChunkInfo(nil), m.Chunks...), m.Chunks[0])
	if err := dup.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("duplicate chunk: got %v", err)
	}
}

func TestChunkPath(t *testing.T) {
	c := ChunkInfo{Guid: Guid{10, 11, 12, 13}, Hash: 0xABC, GroupNumber: 3}
	want := "ChunksV4/03/0000000000000ABC_0000000A0000000B0000000C0000000D.chunk"
	if got := ChunkPath(18, c); got != want {
		t.Fatalf("ChunkPath: got %q", got)
	}
	for lvl, dir := range map[int]string{0: "Chunks", 3: "ChunksV2", 6: "ChunksV3", 15: "ChunksV4"} {
		if got := ChunksDir(lvl); got != dir {
			t.Fatalf("ChunksDir(%d): got %q", lvl, got)
		}
	}
}

func TestSources(t *testing.T) {
	p := filepath.Join(t.TempDir(), "m.json")
	if err := os.WriteFile(p, []byte(sampleJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	m, dir, err := FileSource{Path: p, CloudDir: "https://cdn/x"}.LatestManifest(context.Background())
	if err != nil || dir != "https://cdn/x" || m.AppName != "Fortress" {
		t.Fatalf("FileSource: %v %q", err, dir)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleJSON))
	}))
	defer srv.Close()
	_, dir, err = HTTPSource{URL: srv.URL + "/Builds/game/manifest.json"}.LatestManifest(context.Background())
	if err != nil {
		t.Fatalf("HTTPSource: %v", err)
	}
	if dir != srv.URL+"/Builds/game" {
		t.Fatalf("cloud dir: got %q", dir)
	}
}
