package runner

import "sync"

// Tail keeps the last N lines written to it. It is safe for concurrent use.
type Tail struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewTail creates a tail buffer holding at most size lines
func NewTail(size int) *Tail {
	if size < 1 {
		size = 1
	}
	return &Tail{lines: make([]string, size)}
}

// Add appends a line, evicting the oldest one when full
func (t *Tail) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lines[t.next] = line
	t.next = (t.next + 1) % len(t.lines)
	if t.next == 0 {
		t.full = true
	}
}

// Lines returns the retained lines, oldest first
func (t *Tail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.full {
		out := make([]string, t.next)
		copy(out, t.lines[:t.next])
		return out
	}

	out := make([]string, 0, len(t.lines))
	out = append(out, t.lines[t.next:]...)
	out = append(out, t.lines[:t.next]...)
	return out
}
