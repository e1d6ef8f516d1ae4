// Package metrics exposes installer counters to Prometheus.
package metrics

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	regOnce sync.Once

	ChunkRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "installer_chunk_requests_total", Help: "Chunk fetch attempts by status and HTTP code"},
		[]string{"status", "code"},
	)
	ChunkBytes    = prometheus.NewCounter(prometheus.CounterOpts{Name: "installer_chunk_bytes_total", Help: "Compressed chunk bytes downloaded"})
	ChunkDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "installer_chunk_fetch_duration_seconds", Help: "Time spent per chunk fetch attempt", Buckets: prometheus.DefBuckets})
	ChunkRetries  = prometheus.NewCounter(prometheus.CounterOpts{Name: "installer_chunk_retries_total", Help: "Chunk fetch retries"})
	Inflight      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "installer_chunk_inflight", Help: "In-flight chunk requests"})
	Processed     = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "installer_chunks_processed_total", Help: "Install units by result"},
		[]string{"result"},
	)
	BytesWritten = prometheus.NewCounter(prometheus.CounterOpts{Name: "installer_archive_bytes_written_total", Help: "Bytes written to the archive data region"})
	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "installer_session_state", Help: "1 for the current state of each game's session"},
		[]string{"game", "state"},
	)
	ManifestRetries = prometheus.NewCounter(prometheus.CounterOpts{Name: "installer_manifest_retries_total", Help: "Manifest fetch retries"})

	ExportFiles = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "installer_export_files_total", Help: "Files verified or exported by result"},
		[]string{"result"},
	)
	ExportBytes = prometheus.NewCounter(prometheus.CounterOpts{Name: "installer_export_bytes_total", Help: "File bytes rebuilt from archives"})
)

// Register adds the installer collectors to the default registry once.
func Register() {
	regOnce.Do(func() {
		prometheus.MustRegister(ChunkRequests, ChunkBytes, ChunkDuration, ChunkRetries, Inflight, Processed, BytesWritten, SessionState, ManifestRetries, ExportFiles, ExportBytes)
	})
}

// StatusFunc returns the JSON document served on /api/status.
type StatusFunc func() any

var (
	statusMu sync.RWMutex
	statusFn StatusFunc
)

// SetStatus installs the provider behind /api/status.
func SetStatus(fn StatusFunc) {
	statusMu.Lock()
	statusFn = fn
	statusMu.Unlock()
}

// Handler serves /metrics, /api/status and pprof.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	started := time.Now()
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		statusMu.RLock()
		fn := statusFn
		statusMu.RUnlock()
		var body any = map[string]any{"uptime_sec": int64(time.Since(started).Seconds())}
		if fn != nil {
			body = fn()
		}
		b, _ := json.Marshal(body)
		w.Header().Set("Content-Type", "application/json")
		w.Write(b)
	})
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// StartServer exposes metrics and pprof when addr is non-empty.
func StartServer(addr string) {
	if addr == "" {
		return
	}
	Register()
	h := Handler()
	go func() {
		slog.Info("metrics/pprof listening", "addr", addr)
		if err := http.ListenAndServe(addr, h); err != nil {
			slog.Error("metrics server error", "err", err)
		}
	}()
}
