package logging

import (
	"fmt"
	"sync"
)

// Recorder is a Logger that captures formatted messages for assertions.
type Recorder struct {
	mu      sync.Mutex
	entries []string
}

// NewRecorder returns an empty recording logger.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) record(level Level, format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, fmt.Sprintf("%s: %s", level, fmt.Sprintf(format, args...)))
}

func (r *Recorder) Debug(format string, args ...any) { r.record(DEBUG, format, args...) }
func (r *Recorder) Info(format string, args ...any)  { r.record(INFO, format, args...) }
func (r *Recorder) Warn(format string, args ...any)  { r.record(WARN, format, args...) }
func (r *Recorder) Error(format string, args ...any) { r.record(ERROR, format, args...) }

// Entries returns a copy of every recorded line.
func (r *Recorder) Entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	copy(out, r.entries)
	return out
}
