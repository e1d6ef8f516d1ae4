package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/APTlantis/Epic-Installer/internal/chunk"
	"github.com/APTlantis/Epic-Installer/internal/config"
	"github.com/APTlantis/Epic-Installer/internal/installer"
	"github.com/APTlantis/Epic-Installer/internal/logging"
	"github.com/APTlantis/Epic-Installer/internal/manifest"
	"github.com/APTlantis/Epic-Installer/internal/metrics"
	"github.com/APTlantis/Epic-Installer/internal/registry"
)

// Exit codes.
const (
	exitOK        = 0
	exitFailed    = 1
	exitUsage     = 2
	exitCancelled = 130
)

func main() {
	cfg, err := config.LoadInstall()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		fmt.Fprintln(os.Stderr, "Usage: install-game -game <id> -manifest-url <url> [options]")
		flag.PrintDefaults()
		os.Exit(exitUsage)
	}
	log := logging.New("install-game", cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(log)
	os.Exit(run(cfg, log))
}

func run(cfg config.Install, log *slog.Logger) int {
	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		log.Error("load registry failed", "path", cfg.RegistryPath, "err", err)
		return exitFailed
	}

	var manifests manifest.Source
	if cfg.ManifestFile != "" {
		manifests = manifest.FileSource{Path: cfg.ManifestFile, CloudDir: cfg.CloudDir}
	} else {
		manifests = manifest.HTTPSource{URL: cfg.ManifestURL, CloudDir: cfg.CloudDir, Client: &http.Client{Timeout: cfg.Timeout}}
	}
	chunks := chunk.NewHTTPSource(cfg.Workers, cfg.Timeout, cfg.MaxRate)

	metrics.Register()
	metrics.StartServer(cfg.Listen)

	sess, err := installer.New(installer.Config{
		GameID:         cfg.GameID,
		ArchiveDir:     cfg.ArchiveDir,
		Registry:       reg,
		Manifests:      manifests,
		Chunks:         chunks,
		Workers:        cfg.Workers,
		Storage:        cfg.StorageMethod(),
		StorageLevel:   cfg.StorageLevel,
		ChunkRetries:   cfg.Retries,
		ChunkRetryBase: cfg.RetryBase,
		Listener:       newProgressLogger(log, cfg.ProgressInterval),
		Log:            log,
	})
	if err != nil {
		log.Error("session init failed", "err", err)
		return exitFailed
	}

	opts, err := sess.Options()
	if err != nil {
		log.Error("read options failed", "err", err)
		return exitFailed
	}
	if cfg.ArchivePath != "" {
		opts.ArchivePath = cfg.ArchivePath
	}
	if len(cfg.Content) > 0 {
		opts.SelectedContent = cfg.Content
	}
	opts.AutoUpdate = opts.AutoUpdate || cfg.AutoUpdate
	if err := sess.SetOptions(opts); err != nil {
		log.Error("set options failed", "err", err)
		return exitFailed
	}

	metrics.SetStatus(func() any { return statusOf(sess) })

	// First interrupt cancels after the chunks in flight; a second one
	// aborts them.
	ctx, abort := context.WithCancel(context.Background())
	defer abort()
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case <-sigs:
		case <-sess.Done():
			return
		}
		log.Warn("interrupt: cancelling after chunks in flight (interrupt again to abort)")
		if err := sess.Cancel(); err != nil {
			log.Warn("cancel", "err", err)
		}
		select {
		case <-sigs:
			abort()
		case <-sess.Done():
		}
	}()

	if err := sess.Start(ctx); err != nil {
		log.Error("start failed", "err", err)
		return exitFailed
	}
	err = sess.Wait()
	switch st := sess.State(); {
	case st == installer.StateFinished:
		s := sess.Stats()
		fmt.Printf("installed %s: %d chunks, %d bytes downloaded in %s\n",
			cfg.GameID, s.PiecesComplete, s.BytesDownloaded, s.Elapsed.Round(time.Second))
		return exitOK
	case st == installer.StateCancelled:
		fmt.Println("cancelled; run again to resume")
		return exitCancelled
	default:
		var inc *installer.IncompleteError
		if errors.As(err, &inc) {
			fmt.Printf("incomplete: %d of %d chunks failed; run again to retry them\n", inc.Failed, inc.Total)
		} else {
			fmt.Println("error:", err)
		}
		return exitFailed
	}
}

// newProgressLogger logs state changes and at most one progress line per
// interval.
func newProgressLogger(log *slog.Logger, interval time.Duration) installer.Listener {
	var (
		mu   sync.Mutex
		last time.Time
	)
	return installer.ListenerFuncs{
		State: func(s installer.State) {
			log.Debug("state_update", "state", s.String())
		},
		Stats: func(s installer.Stats) {
			if interval <= 0 {
				return
			}
			mu.Lock()
			due := s.Now.Sub(last) >= interval
			if due {
				last = s.Now
			}
			mu.Unlock()
			if !due {
				return
			}
			log.Info("install_progress",
				"state", s.State.String(),
				"pieces", s.PiecesComplete,
				"pieces_total", s.PiecesTotal,
				"percent", fmt.Sprintf("%.1f", s.Percent()),
				"downloaded", s.BytesDownloaded,
				"rate_download", fmt.Sprintf("%.0f", s.RateDownload),
				"rate_write", fmt.Sprintf("%.0f", s.RateWrite),
				"elapsed", s.Elapsed.Round(time.Second).String(),
				"eta", s.ETA.Round(time.Second).String(),
			)
		},
		Chunk: func(g manifest.Guid, p installer.ChunkPhase) {
			if p == installer.PhaseFailed {
				log.Debug("chunk_update", "chunk", g.String(), "phase", p.String())
			}
		},
	}
}

func statusOf(sess *installer.DownloadInfo) map[string]any {
	s := sess.Stats()
	return map[string]any{
		"session":          sess.ID().String(),
		"state":            sess.State().String(),
		"pieces":           s.PiecesComplete,
		"pieces_total":     s.PiecesTotal,
		"bytes_downloaded": s.BytesDownloaded,
		"bytes_total":      s.BytesTotal,
		"percent":          s.Percent(),
		"rate_download":    s.RateDownload,
		"elapsed_sec":      int64(s.Elapsed.Seconds()),
		"eta_sec":          int64(s.ETA.Seconds()),
	}
}
