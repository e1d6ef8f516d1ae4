package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Source supplies the latest manifest of a game and the cloud directory its
// chunks are served from.
type Source interface {
	LatestManifest(ctx context.Context) (*Manifest, string, error)
}

// Decode reads a JSON manifest and validates it.
func Decode(r io.Reader) (*Manifest, error) {
	var m Manifest
	dec := json.NewDecoder(r)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadFile reads a JSON manifest from disk.
func LoadFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// FileSource serves a manifest stored on local disk.
type FileSource struct {
	Path     string
	CloudDir string
}

func (s FileSource) LatestManifest(ctx context.Context) (*Manifest, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	m, err := LoadFile(s.Path)
	if err != nil {
		return nil, "", err
	}
	return m, s.CloudDir, nil
}

// HTTPSource downloads the manifest from URL. When CloudDir is empty the
// directory of URL is used.
type HTTPSource struct {
	URL      string
	CloudDir string
	Client   *http.Client
}

func (s HTTPSource) LatestManifest(ctx context.Context) (*Manifest, string, error) {
	cli := s.Client
	if cli == nil {
		cli = &http.Client{Timeout: 60 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", "Aptlantis-epic-installer/0.1")
	resp, err := cli.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("manifest: HTTP %d", resp.StatusCode)
	}
	m, err := Decode(resp.Body)
	if err != nil {
		return nil, "", err
	}
	dir := s.CloudDir
	if dir == "" {
		dir = s.URL
		if i := strings.LastIndex(dir, "/"); i >= 0 {
			dir = dir[:i]
		}
	}
	return m, dir, nil
}
