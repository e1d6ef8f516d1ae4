package exporter

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Record describes one verified or exported file, written as a JSON line.
type Record struct {
	SchemaVersion int    `json:"schema_version"`
	Path          string `json:"path"`
	Size          uint64 `json:"size"`
	SHA1          string `json:"sha1,omitempty"`
	Bundle        string `json:"bundle,omitempty"`
	FinishedAt    string `json:"finished_at"`
	OK            bool   `json:"ok"`
	Error         string `json:"error,omitempty"`
}

// SafeWriter provides serialized writes for records.
type SafeWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewSafeWriter(w io.Writer) *SafeWriter {
	return &SafeWriter{w: w}
}

func (sw *SafeWriter) Write(p []byte) (int, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.w.Write(p)
}

// writeRecord emits r as one line. A nil writer drops it.
func writeRecord(w io.Writer, r Record) error {
	if w == nil {
		return nil
	}
	r.SchemaVersion = 1
	if r.FinishedAt == "" {
		r.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
