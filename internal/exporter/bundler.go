package exporter

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// IndexEntry is one file listed in a bundle's JSON index.
type IndexEntry struct {
	Path string `json:"path"`
	Size uint64 `json:"size"`
	SHA1 string `json:"sha1,omitempty"`
}

// BundleIndex is the document written next to every bundle.
type BundleIndex struct {
	Bundle string       `json:"bundle"`
	Game   string       `json:"game,omitempty"`
	Files  []IndexEntry `json:"files"`
}

// Bundler streams files into rolling tar.zst archives.
type Bundler struct {
	enabled     bool
	outDir      string
	game        string
	targetBytes int64

	mu           sync.Mutex
	nextIdx      int
	currentName  string
	currentBytes int64
	entries      []IndexEntry
	tw           *tar.Writer
	zw           *zstd.Encoder
	outFile      *os.File
	written      []string
}

// NewBundler prepares bundles of roughly targetBytes each under outDir. A
// disabled bundler accepts files and discards them.
func NewBundler(enabled bool, outDir, game string, targetBytes int64) (*Bundler, error) {
	if !enabled {
		return &Bundler{}, nil
	}
	if targetBytes <= 0 {
		return nil, fmt.Errorf("bundle size must be positive, got %d", targetBytes)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	return &Bundler{enabled: true, outDir: outDir, game: game, targetBytes: targetBytes}, nil
}

// closeLocked finishes the open bundle and writes its index.
func (b *Bundler) closeLocked() error {
	if b.outFile == nil {
		return nil
	}
	err := b.tw.Close()
	if zerr := b.zw.Close(); err == nil {
		err = zerr
	}
	if ferr := b.outFile.Close(); err == nil {
		err = ferr
	}
	b.tw, b.zw, b.outFile = nil, nil, nil
	if err != nil {
		return fmt.Errorf("close %s: %w", b.currentName, err)
	}
	idx := BundleIndex{Bundle: b.currentName, Game: b.game, Files: b.entries}
	if err := writeIndex(filepath.Join(b.outDir, indexName(b.currentName)), idx); err != nil {
		return err
	}
	b.written = append(b.written, b.currentName)
	b.entries = nil
	return nil
}

func (b *Bundler) rotateLocked() error {
	if err := b.closeLocked(); err != nil {
		return err
	}
	name := fmt.Sprintf("bundle-%04d.tar.zst", b.nextIdx)
	f, err := os.Create(filepath.Join(b.outDir, name))
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		f.Close()
		return err
	}
	b.outFile = f
	b.zw = zw
	b.tw = tar.NewWriter(zw)
	b.currentName = name
	b.currentBytes = 0
	b.nextIdx++
	return nil
}

// Add writes one tar entry whose body is produced by write, which must
// emit exactly e.Size bytes. It returns the bundle the entry landed in along
// with write's error.
func (b *Bundler) Add(e IndexEntry, write func(io.Writer) error) (string, error) {
	if !b.enabled {
		return "", write(io.Discard)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	// Rotate on the uncompressed size; never leave a bundle empty.
	if b.outFile == nil || (b.currentBytes > 0 && b.currentBytes+int64(e.Size) > b.targetBytes) {
		if err := b.rotateLocked(); err != nil {
			return "", err
		}
	}
	hdr := &tar.Header{
		Name:    e.Path,
		Mode:    0o644,
		Size:    int64(e.Size),
		ModTime: time.Unix(0, 0), // stable
		Format:  tar.FormatPAX,
	}
	if err := b.tw.WriteHeader(hdr); err != nil {
		return "", err
	}
	// A write error that left the entry short breaks the tar stream; the
	// next WriteHeader or Close reports it.
	err := write(b.tw)
	b.currentBytes += int64(e.Size)
	b.entries = append(b.entries, e)
	return b.currentName, err
}

// Bundles lists the bundles completed so far.
func (b *Bundler) Bundles() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.written...)
}

func (b *Bundler) Close() error {
	if !b.enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeLocked()
}

func indexName(bundle string) string {
	return strings.TrimSuffix(bundle, ".tar.zst") + ".json"
}

// writeIndex replaces path atomically with the JSON form of idx.
func writeIndex(path string, idx BundleIndex) error {
	tmpPath := path + ".tmp"
	of, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(of)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(idx); err != nil {
		of.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := of.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
