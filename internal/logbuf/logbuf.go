// Package logbuf keeps the daemon's recent log output in memory so it
// can be served over the API without shipping logs anywhere.
package logbuf

import (
	"log/slog"
	"sync"
	"time"
)

// Entry is a single log entry captured from slog.
type Entry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Buffer is a thread-safe ring buffer for log entries.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	size    int
	pos     int
	count   int
}

// New creates a ring buffer that holds up to size entries.
func New(size int) *Buffer {
	return &Buffer{
		entries: make([]Entry, size),
		size:    size,
	}
}

// Write appends an entry, overwriting the oldest when full.
func (b *Buffer) Write(e Entry) {
	b.mu.Lock()
	b.entries[b.pos] = e
	b.pos = (b.pos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
	b.mu.Unlock()
}

// Filter selects which entries Query returns.
type Filter struct {
	// Since drops entries older than this. Zero keeps everything.
	Since time.Time
	// MinLevel drops entries below this level. Nil keeps every level,
	// DEBUG included; slog.LevelInfo's zero value would otherwise make
	// an unset filter hide DEBUG entries.
	MinLevel *slog.Level
	// Component keeps only entries from one subsystem ("intake",
	// "api", ...). Empty keeps all.
	Component string
	// Limit keeps only the newest N matches. Zero or negative keeps
	// all.
	Limit int
}

// Query returns matching entries, oldest first.
func (b *Buffer) Query(f Filter) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	var result []Entry

	start := 0
	n := b.count
	if b.count == b.size {
		start = b.pos // oldest entry when the ring has wrapped
	}

	for i := 0; i < n; i++ {
		e := b.entries[(start+i)%b.size]

		if !f.Since.IsZero() && e.Time.Before(f.Since) {
			continue
		}
		if f.MinLevel != nil && parseLevel(e.Level) < *f.MinLevel {
			continue
		}
		if f.Component != "" && e.Component != f.Component {
			continue
		}
		result = append(result, e)
	}

	if f.Limit > 0 && len(result) > f.Limit {
		result = result[len(result)-f.Limit:]
	}
	return result
}

func parseLevel(s string) slog.Level {
	switch s {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
