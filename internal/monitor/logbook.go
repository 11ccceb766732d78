package monitor

import "sync"

// LogBook keeps the most recent monitoring lines for display.
type LogBook struct {
	mu       sync.Mutex
	lines    []string
	capacity int
}

// NewLogBook creates a log that keeps at most capacity lines.
func NewLogBook(capacity int) *LogBook {
	if capacity <= 0 {
		capacity = 500
	}
	return &LogBook{capacity: capacity}
}

func (l *LogBook) Append(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, line)
	if over := len(l.lines) - l.capacity; over > 0 {
		l.lines = append(l.lines[:0], l.lines[over:]...)
	}
}

// Lines returns a copy, oldest first.
func (l *LogBook) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

func (l *LogBook) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = nil
}
