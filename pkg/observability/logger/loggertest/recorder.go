// Package loggertest provides a logger that records entries for assertions.
package loggertest

import (
	"context"
	"sync"

	"github.com/ordefy/ordefy/pkg/observability/logger"
)

// Entry is a single captured log entry.
type Entry struct {
	Level  string
	Msg    string
	Fields map[string]any
}

// Recorder captures entries. It is safe for concurrent use, so worker tests
// can share one across goroutines.
type Recorder struct {
	log    *entryLog
	fields []any
}

type entryLog struct {
	mu      sync.Mutex
	entries []Entry
}

// New returns an empty Recorder.
func New() *Recorder {
	return &Recorder{log: &entryLog{}}
}

func (r *Recorder) Debug(msg string, args ...any) { r.record("debug", msg, args) }
func (r *Recorder) Info(msg string, args ...any)  { r.record("info", msg, args) }
func (r *Recorder) Warn(msg string, args ...any)  { r.record("warn", msg, args) }
func (r *Recorder) Error(msg string, args ...any) { r.record("error", msg, args) }

// With returns a child recorder sharing the same entry log.
func (r *Recorder) With(args ...any) logger.Logger {
	fields := append(append([]any{}, r.fields...), args...)
	return &Recorder{log: r.log, fields: fields}
}

// WithContext returns r unchanged.
func (r *Recorder) WithContext(context.Context) logger.Logger { return r }

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.log.mu.Lock()
	defer r.log.mu.Unlock()
	return append([]Entry(nil), r.log.entries...)
}

// Find returns the first entry with msg at level.
func (r *Recorder) Find(level, msg string) (Entry, bool) {
	for _, e := range r.Entries() {
		if e.Level == level && e.Msg == msg {
			return e, true
		}
	}
	return Entry{}, false
}

func (r *Recorder) record(level, msg string, args []any) {
	all := append(append([]any{}, r.fields...), args...)
	fields := make(map[string]any, len(all)/2)
	for i := 0; i+1 < len(all); i += 2 {
		if key, ok := all[i].(string); ok {
			fields[key] = all[i+1]
		}
	}
	r.log.mu.Lock()
	r.log.entries = append(r.log.entries, Entry{Level: level, Msg: msg, Fields: fields})
	r.log.mu.Unlock()
}
