package contract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Signal kinds.
const (
	KindServiceRequest = "service_request"
	KindToolCall       = "tool_call"
	KindManualPing     = "manual_ping"
)

// Signal is one line of the activity stream.
type Signal struct {
	TS   time.Time      `json:"ts"`
	Kind string         `json:"kind"`
	Meta map[string]any `json:"meta,omitempty"`
}

// SignalWriter appends activity signals to a JSONL file.
type SignalWriter struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewSignalWriter creates a writer for path.
func NewSignalWriter(path string) *SignalWriter {
	return &SignalWriter{path: path, now: time.Now}
}

// Path returns the signal file.
func (w *SignalWriter) Path() string { return w.path }

// Signal appends one line.
func (w *SignalWriter) Signal(kind string, meta map[string]any) error {
	line, err := json.Marshal(Signal{TS: w.now().UTC(), Kind: kind, Meta: meta})
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create signal dir: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open signal file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("write signal: %w", err)
	}
	return f.Close()
}

// reader tails the signal file from a cached offset and keeps the most
// recent timestamps in a bounded ring.
type reader struct {
	path    string
	offset  int64
	partial []byte
	ring    []time.Time
	size    int
	skipped int
}

func newReader(path string, size int) *reader {
	if size <= 0 {
		size = 4096
	}
	return &reader{path: path, size: size}
}

// poll reads lines appended since the last call. A missing file is an
// empty stream; a shrunk file is read from the start again.
func (r *reader) poll() error {
	f, err := os.Open(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open signals: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat signals: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("signals: %s is a directory", r.path)
	}
	if info.Size() < r.offset {
		r.offset, r.partial, r.ring = 0, nil, nil
	}
	if info.Size() == r.offset {
		return nil
	}
	if _, err := f.Seek(r.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek signals: %w", err)
	}
	data, err := io.ReadAll(io.LimitReader(f, info.Size()-r.offset))
	if err != nil {
		return fmt.Errorf("read signals: %w", err)
	}
	r.offset += int64(len(data))

	buf := append(r.partial, data...)
	last := bytes.LastIndexByte(buf, '\n')
	if last < 0 {
		r.partial = buf
		return nil
	}
	r.partial = append([]byte(nil), buf[last+1:]...)
	for _, line := range bytes.Split(buf[:last], []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var s Signal
		if err := json.Unmarshal(line, &s); err != nil || s.TS.IsZero() {
			r.skipped++
			continue
		}
		r.push(s.TS)
	}
	return nil
}

func (r *reader) push(ts time.Time) {
	r.ring = append(r.ring, ts)
	if len(r.ring) > r.size {
		r.ring = append(r.ring[:0:0], r.ring[len(r.ring)-r.size:]...)
	}
}

// count returns the signals at or after since.
func (r *reader) count(since time.Time) int {
	n := 0
	for _, ts := range r.ring {
		if !ts.Before(since) {
			n++
		}
	}
	return n
}

// last returns the newest signal time, or zero.
func (r *reader) last() time.Time {
	var newest time.Time
	for _, ts := range r.ring {
		if ts.After(newest) {
			newest = ts
		}
	}
	return newest
}
