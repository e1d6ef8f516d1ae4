// Package exporter rebuilds game files from a finished archive. It verifies
// them against their SHA-1 and can stream them into rolling tar.zst bundles
// or a plain directory tree.
package exporter

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/APTlantis/Epic-Installer/internal/archive"
	"github.com/APTlantis/Epic-Installer/internal/manifest"
	"github.com/APTlantis/Epic-Installer/internal/metrics"
)

var (
	// ErrNotFinished is returned for archives with an install in progress.
	ErrNotFinished = errors.New("exporter: archive has an unfinished install")
	// ErrCorrupt means the archive tables do not describe a file.
	ErrCorrupt = errors.New("exporter: corrupt archive")
	// ErrVerify is wrapped by Verify and Export when files failed their hash.
	ErrVerify = errors.New("exporter: verification failed")
)

// HashError reports a rebuilt file whose SHA-1 differs from the table.
type HashError struct {
	Path string
	Want manifest.SHA1
	Got  manifest.SHA1
}

func (e *HashError) Error() string {
	return fmt.Sprintf("%s: sha1 %s, want %s", e.Path, e.Got, e.Want)
}

// Options controls Verify and Export. Zero values disable the optional
// outputs.
type Options struct {
	// BundlesOut is the directory for tar.zst bundles.
	BundlesOut  string
	BundleBytes int64
	// ExtractDir mirrors every file under this directory.
	ExtractDir string
	// Records receives one JSON line per file.
	Records io.Writer
	// Workers bounds parallel verification.
	Workers          int
	ProgressInterval time.Duration
}

// Stats summarises a Verify or Export run.
type Stats struct {
	Files    int64
	Failed   int64
	Bytes    uint64
	Bundles  []string
	Duration time.Duration
}

// Exporter reads one archive.
type Exporter struct {
	arc   *archive.Archive
	hdr   archive.Header
	files []archive.FileEntry
	parts []archive.ChunkPartEntry
	infos []archive.ChunkInfoEntry

	Log *slog.Logger
}

// Open loads the tables of a finished archive.
func Open(path string) (*Exporter, error) {
	arc, err := archive.OpenReadOnly(path)
	if err != nil {
		return nil, err
	}
	e := &Exporter{arc: arc, hdr: arc.Header(), Log: slog.Default()}
	if e.hdr.Update.IsUpdating {
		arc.Close()
		return nil, fmt.Errorf("%w: %s (target version %d)", ErrNotFinished, path, e.hdr.Update.TargetVersion)
	}
	if e.files, err = arc.Files(); err == nil {
		if e.parts, err = arc.ChunkParts(); err == nil {
			e.infos, err = arc.ChunkInfos()
		}
	}
	if err != nil {
		arc.Close()
		return nil, err
	}
	return e, nil
}

func (e *Exporter) Close() error { return e.arc.Close() }

// Header returns the archive metadata.
func (e *Exporter) Header() archive.Header { return e.hdr }

// Files returns the file table.
func (e *Exporter) Files() []archive.FileEntry { return e.files }

// TotalSize is the sum of all file sizes.
func (e *Exporter) TotalSize() uint64 {
	var n uint64
	for _, f := range e.files {
		n += f.Size
	}
	return n
}

// partsOf checks that f's parts are in range and add up to its size.
func (e *Exporter) partsOf(f archive.FileEntry) ([]archive.ChunkPartEntry, error) {
	end := uint64(f.PartStart) + uint64(f.PartCount)
	if end > uint64(len(e.parts)) {
		return nil, fmt.Errorf("%w: %s: parts [%d,%d) beyond table of %d", ErrCorrupt, f.Path, f.PartStart, end, len(e.parts))
	}
	parts := e.parts[f.PartStart:end]
	var sum uint64
	for _, p := range parts {
		if int(p.ChunkIndex) >= len(e.infos) || e.infos[p.ChunkIndex].Vacant() {
			return nil, fmt.Errorf("%w: %s: chunk row %d missing", ErrCorrupt, f.Path, p.ChunkIndex)
		}
		sum += uint64(p.Size)
	}
	if sum != f.Size {
		return nil, fmt.Errorf("%w: %s: parts hold %d bytes, want %d", ErrCorrupt, f.Path, sum, f.Size)
	}
	return parts, nil
}

// WriteFile streams the contents of f to w and checks its SHA-1 once every
// byte is written. A mismatch is a *HashError; w has still received exactly
// f.Size bytes.
func (e *Exporter) WriteFile(ctx context.Context, f archive.FileEntry, w io.Writer) error {
	parts, err := e.partsOf(f)
	if err != nil {
		return err
	}
	h := sha1.New()
	mw := io.MultiWriter(w, h)
	cached := -1
	var data []byte
	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Consecutive parts usually come from the same chunk.
		if int(p.ChunkIndex) != cached {
			data, err = e.arc.ReadChunk(e.infos[p.ChunkIndex])
			if err != nil {
				return fmt.Errorf("%s: %w", f.Path, err)
			}
			cached = int(p.ChunkIndex)
		}
		end := uint64(p.Offset) + uint64(p.Size)
		if end > uint64(len(data)) {
			return fmt.Errorf("%w: %s: part [%d,%d) beyond chunk of %d bytes", ErrCorrupt, f.Path, p.Offset, end, len(data))
		}
		if _, err := mw.Write(data[p.Offset:end]); err != nil {
			return err
		}
	}
	metrics.ExportBytes.Add(float64(f.Size))
	if f.SHA1.IsZero() {
		return nil
	}
	var got manifest.SHA1
	copy(got[:], h.Sum(nil))
	if got != f.SHA1 {
		return &HashError{Path: f.Path, Want: f.SHA1, Got: got}
	}
	return nil
}

type counters struct {
	files  atomic.Int64
	failed atomic.Int64
	bytes  atomic.Uint64
}

func (c *counters) stats(start time.Time) Stats {
	return Stats{Files: c.files.Load(), Failed: c.failed.Load(), Bytes: c.bytes.Load(), Duration: time.Since(start)}
}

// note counts one file. Hash mismatches are per-file failures; any other
// error is returned as fatal.
func (e *Exporter) note(c *counters, rec io.Writer, f archive.FileEntry, bundle string, err error) error {
	var he *HashError
	if err != nil && !errors.As(err, &he) {
		metrics.ExportFiles.WithLabelValues("error").Inc()
		return err
	}
	c.files.Add(1)
	c.bytes.Add(f.Size)
	r := Record{Path: f.Path, Size: f.Size, Bundle: bundle, OK: err == nil}
	if !f.SHA1.IsZero() {
		r.SHA1 = f.SHA1.String()
	}
	if err != nil {
		c.failed.Add(1)
		r.Error = err.Error()
		metrics.ExportFiles.WithLabelValues("mismatch").Inc()
		e.Log.Warn("file_mismatch", "path", f.Path, "err", err)
	} else {
		metrics.ExportFiles.WithLabelValues("ok").Inc()
	}
	return writeRecord(rec, r)
}

// progress logs counters every interval until the returned stop is called.
func (e *Exporter) progress(op string, interval time.Duration, c *counters, start time.Time) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	total := len(e.files)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				elapsed := time.Since(start)
				var rate float64
				if elapsed > 0 {
					rate = float64(c.bytes.Load()) / elapsed.Seconds()
				}
				e.Log.Info(op+"_progress", "files", c.files.Load(), "total", total, "failed", c.failed.Load(),
					"bytes", c.bytes.Load(), "elapsed", elapsed.String(), "rate_bytes_per_sec", fmt.Sprintf("%.0f", rate))
			}
		}
	}()
	return func() { close(done) }
}

// Verify rebuilds every file in parallel and checks its hash without
// writing anything except records.
func (e *Exporter) Verify(ctx context.Context, opts Options) (Stats, error) {
	start := time.Now()
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	var rec io.Writer
	if opts.Records != nil {
		rec = NewSafeWriter(opts.Records)
	}
	var c counters
	stop := e.progress("verify", opts.ProgressInterval, &c, start)
	e.Log.Info("verify_start", "files", len(e.files), "bytes", e.TotalSize(), "workers", workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, f := range e.files {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return e.note(&c, rec, f, "", e.WriteFile(gctx, f, io.Discard))
		})
	}
	err := g.Wait()
	stop()
	st := c.stats(start)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return st, err
	}
	e.Log.Info("verify_done", "files", st.Files, "failed", st.Failed, "bytes", st.Bytes, "elapsed", st.Duration.String())
	if st.Failed > 0 {
		return st, fmt.Errorf("%w: %d of %d files", ErrVerify, st.Failed, st.Files)
	}
	return st, nil
}

// Export streams every file, in table order, into bundles and the extract
// directory, verifying each on the way.
func (e *Exporter) Export(ctx context.Context, opts Options) (st Stats, err error) {
	start := time.Now()
	b, err := NewBundler(opts.BundlesOut != "", opts.BundlesOut, e.hdr.GameID, opts.BundleBytes)
	if err != nil {
		return Stats{}, err
	}
	defer func() {
		if cerr := b.Close(); err == nil {
			err = cerr
		}
		st.Bundles = b.Bundles()
	}()
	var c counters
	stop := e.progress("export", opts.ProgressInterval, &c, start)
	defer stop()
	e.Log.Info("export_start", "files", len(e.files), "bytes", e.TotalSize(), "bundles_out", opts.BundlesOut, "extract_dir", opts.ExtractDir)

	for _, f := range e.files {
		if err := ctx.Err(); err != nil {
			return c.stats(start), err
		}
		bundle, ferr := e.exportOne(ctx, b, opts.ExtractDir, f)
		if err := e.note(&c, opts.Records, f, bundle, ferr); err != nil {
			return c.stats(start), err
		}
	}
	st = c.stats(start)
	e.Log.Info("export_done", "files", st.Files, "failed", st.Failed, "bytes", st.Bytes, "elapsed", st.Duration.String())
	if st.Failed > 0 {
		return st, fmt.Errorf("%w: %d of %d files", ErrVerify, st.Failed, st.Files)
	}
	return st, nil
}

func (e *Exporter) exportOne(ctx context.Context, b *Bundler, extractDir string, f archive.FileEntry) (string, error) {
	var (
		dst   *os.File
		final string
	)
	if extractDir != "" {
		if !filepath.IsLocal(filepath.FromSlash(f.Path)) {
			return "", fmt.Errorf("%w: unsafe path %q", ErrCorrupt, f.Path)
		}
		final = filepath.Join(extractDir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
			return "", err
		}
		var err error
		if dst, err = os.Create(final + ".part"); err != nil {
			return "", err
		}
	}
	entry := IndexEntry{Path: f.Path, Size: f.Size}
	if !f.SHA1.IsZero() {
		entry.SHA1 = f.SHA1.String()
	}
	bundle, err := b.Add(entry, func(w io.Writer) error {
		if dst != nil {
			w = io.MultiWriter(w, dst)
		}
		return e.WriteFile(ctx, f, w)
	})
	if dst != nil {
		cerr := dst.Close()
		if err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(final + ".part")
		} else if err = os.Rename(final+".part", final); err != nil {
			_ = os.Remove(final + ".part")
		}
	}
	return bundle, err
}
