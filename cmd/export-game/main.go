package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/APTlantis/Epic-Installer/internal/config"
	"github.com/APTlantis/Epic-Installer/internal/exporter"
	"github.com/APTlantis/Epic-Installer/internal/logging"
	"github.com/APTlantis/Epic-Installer/internal/metrics"
)

func main() {
	cfg, err := config.LoadExport()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		fmt.Fprintln(os.Stderr, "Usage: export-game -archive <path> [-bundles-out <dir>] [-extract-dir <dir>] [options]")
		flag.PrintDefaults()
		os.Exit(2)
	}
	log := logging.New("export-game", cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(log)

	metrics.Register()
	metrics.StartServer(cfg.Listen)

	exp, err := exporter.Open(cfg.ArchivePath)
	if err != nil {
		if errors.Is(err, exporter.ErrNotFinished) {
			log.Error("archive has an unfinished install; run install-game to complete it", "archive", cfg.ArchivePath)
		} else {
			log.Error("open archive failed", "archive", cfg.ArchivePath, "err", err)
		}
		os.Exit(1)
	}
	defer exp.Close()
	exp.Log = log
	h := exp.Header()
	log.Info("archive", "game", h.GameID, "version", h.VersionHR, "files", len(exp.Files()), "bytes", exp.TotalSize())

	var records io.Writer
	if cfg.Records != "" {
		recFile, err := os.Create(cfg.Records)
		if err != nil {
			log.Error("create records failed", "err", err)
			os.Exit(1)
		}
		defer recFile.Close()
		records = recFile
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := exporter.Options{
		Records:          records,
		Workers:          cfg.Workers,
		ProgressInterval: cfg.ProgressInterval,
	}
	var st exporter.Stats
	if cfg.VerifyOnly {
		st, err = exp.Verify(ctx, opts)
	} else {
		opts.BundlesOut = cfg.BundlesOut
		opts.BundleBytes = cfg.BundleSizeGB << 30
		opts.ExtractDir = cfg.ExtractDir
		st, err = exp.Export(ctx, opts)
	}
	if err != nil {
		fmt.Println("error:", err)
		exp.Close()
		os.Exit(1)
	}
	fmt.Printf("ok: files=%d bytes=%d bundles=%d elapsed=%s\n", st.Files, st.Bytes, len(st.Bundles), st.Duration.Round(time.Millisecond))
}
