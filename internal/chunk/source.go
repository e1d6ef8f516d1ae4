package chunk

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/APTlantis/Epic-Installer/internal/manifest"
	"github.com/APTlantis/Epic-Installer/internal/metrics"
)

// Source returns the raw bytes of one chunk file.
type Source interface {
	FetchChunk(ctx context.Context, cloudDir string, featureLevel int, info manifest.ChunkInfo) ([]byte, error)
}

// StatusError is a non-200 reply from the CDN.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d fetching %s", e.Code, e.URL)
}

// Retryable treats 408/425/429 and 5xx as transient.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooEarly || e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// HTTPSource downloads chunk files from a CDN cloud directory.
type HTTPSource struct {
	client  *http.Client
	limiter *rate.Limiter
}

const readBurst = 64 << 10

// NewHTTPSource builds a client tuned for many concurrent small requests.
// maxRate caps download bandwidth in bytes per second; 0 disables the cap.
func NewHTTPSource(concurrency int, timeout time.Duration, maxRate int64) *HTTPSource {
	if concurrency <= 0 {
		concurrency = 1
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          concurrency * 4,
		MaxIdleConnsPerHost:   concurrency * 4,
		MaxConnsPerHost:       concurrency * 2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	s := &HTTPSource{client: &http.Client{Transport: tr, Timeout: timeout}}
	if maxRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(maxRate), max(readBurst, int(maxRate)))
	}
	return s
}

// HTTPTransport exposes the underlying transport for tuning.
func (s *HTTPSource) HTTPTransport() http.RoundTripper {
	return s.client.Transport
}

// ChunkURL joins the cloud directory and the chunk's CDN path.
func ChunkURL(cloudDir string, featureLevel int, info manifest.ChunkInfo) string {
	return strings.TrimRight(cloudDir, "/") + "/" + manifest.ChunkPath(featureLevel, info)
}

func (s *HTTPSource) FetchChunk(ctx context.Context, cloudDir string, featureLevel int, info manifest.ChunkInfo) ([]byte, error) {
	url := ChunkURL(cloudDir, featureLevel, info)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Aptlantis-epic-installer/0.1")
	metrics.Inflight.Inc()
	defer metrics.Inflight.Dec()
	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		metrics.ChunkDuration.Observe(time.Since(start).Seconds())
		metrics.ChunkRequests.WithLabelValues("error", "net").Inc()
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.ChunkDuration.Observe(time.Since(start).Seconds())
		metrics.ChunkRequests.WithLabelValues("error", strconv.Itoa(resp.StatusCode)).Inc()
		return nil, &StatusError{Code: resp.StatusCode, URL: url}
	}
	var body io.Reader = resp.Body
	if s.limiter != nil {
		body = &limitedReader{ctx: ctx, r: resp.Body, lim: s.limiter}
	}
	capHint := info.FileSize
	if capHint == 0 || capHint > 64<<20 {
		capHint = 1 << 20
	}
	var buf bytes.Buffer
	buf.Grow(int(capHint))
	if _, err := io.Copy(&buf, body); err != nil {
		metrics.ChunkDuration.Observe(time.Since(start).Seconds())
		metrics.ChunkRequests.WithLabelValues("error", "body").Inc()
		return nil, err
	}
	metrics.ChunkDuration.Observe(time.Since(start).Seconds())
	metrics.ChunkRequests.WithLabelValues("ok", strconv.Itoa(resp.StatusCode)).Inc()
	metrics.ChunkBytes.Add(float64(buf.Len()))
	return buf.Bytes(), nil
}

type limitedReader struct {
	ctx context.Context
	r   io.Reader
	lim *rate.Limiter
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if len(p) > readBurst {
		p = p[:readBurst]
	}
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.lim.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
