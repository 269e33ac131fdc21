package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Recorder appends raw inbound audio to a capture file for debugging. It is
// opened once per session and closed once; Close is idempotent.
type Recorder struct {
	path string

	mu      sync.Mutex
	file    *os.File
	written int64
	closed  bool
}

// NewRecorder creates dir if needed and opens <dir>/streamed_<id>.pcm for writing.
func NewRecorder(dir, id string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create capture dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("streamed_%s.pcm", id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	return &Recorder{path: path, file: f}, nil
}

// Path returns the capture file location.
func (r *Recorder) Path() string {
	return r.path
}

// Write appends one frame.
func (r *Recorder) Write(frame []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, os.ErrClosed
	}
	n, err := r.file.Write(frame)
	r.written += int64(n)
	return n, err
}

// Written returns the number of bytes captured so far.
func (r *Recorder) Written() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Close flushes and closes the capture file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}
