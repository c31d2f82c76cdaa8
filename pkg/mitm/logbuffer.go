package mitm

import (
	"strings"
	"sync"
	"time"
)

// Entry is a single classified line of proxy output
type Entry struct {
	Time  time.Time `json:"time"`
	Level string    `json:"level"`
	Line  string    `json:"line"`
}

// LogBuffer keeps the last N lines of proxy output and fans new entries
// out to subscribers. Subscriber callbacks must not block.
type LogBuffer struct {
	mu      sync.Mutex
	entries []Entry
	max     int
	subs    []func(Entry)
}

// NewLogBuffer creates a buffer holding at most max entries
func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{max: max}
}

// Append classifies and stores a line of proxy output
func (b *LogBuffer) Append(line string) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}

	entry := Entry{Time: time.Now(), Level: classify(line), Line: line}

	b.mu.Lock()
	b.entries = append(b.entries, entry)
	if len(b.entries) > b.max {
		b.entries = b.entries[len(b.entries)-b.max:]
	}
	subs := make([]func(Entry), len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, fn := range subs {
		fn(entry)
	}
}

// Entries returns a copy of the buffered entries, oldest first
func (b *LogBuffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Subscribe registers a callback invoked for every new entry
func (b *LogBuffer) Subscribe(fn func(Entry)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// classify maps a raw output line onto a log level
func classify(line string) string {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "error") || strings.Contains(lower, "traceback"):
		return "error"
	case strings.Contains(lower, "warn"):
		return "warn"
	case strings.Contains(lower, "debug"):
		return "debug"
	default:
		return "info"
	}
}
