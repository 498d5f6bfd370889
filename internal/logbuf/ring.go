// Package logbuf keeps the process's most recent log lines in memory so the
// control panel can show them without reading a file.
package logbuf

import (
	"bytes"
	"strings"
	"sync"
)

// DefaultCapacity is used when NewRing is given a non-positive capacity.
const DefaultCapacity = 2000

// Ring is a fixed-capacity line buffer. Once full, each new line overwrites
// the oldest one.
//
// Ring implements io.Writer so it can sit behind log.SetOutput. Writes are
// split on newlines; a trailing partial line is held until its newline
// arrives.
type Ring struct {
	mu sync.RWMutex

	lines []string
	// head is where the next line goes.
	head int
	size int
	cap  int

	partial []byte
}

// NewRing creates a ring holding up to capacity lines.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		lines: make([]string, capacity),
		cap:   capacity,
	}
}

// Write implements io.Writer. It never fails.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := p
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			r.partial = append(r.partial, data...)
			break
		}
		line := data[:i]
		if len(r.partial) > 0 {
			line = append(r.partial, line...)
			r.partial = nil
		}
		r.add(strings.TrimRight(string(line), "\r"))
		data = data[i+1:]
	}
	return len(p), nil
}

// Add appends a single line.
func (r *Ring) Add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add(line)
}

func (r *Ring) add(line string) {
	r.lines[r.head] = line
	r.head = (r.head + 1) % r.cap
	if r.size < r.cap {
		r.size++
	}
}

// Lines returns buffered lines, oldest first.
func (r *Ring) Lines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, r.size)
	if r.size < r.cap {
		copy(out, r.lines[:r.size])
		return out
	}
	for i := 0; i < r.size; i++ {
		out[i] = r.lines[(r.head+i)%r.cap]
	}
	return out
}

// Tail returns at most n of the newest lines, oldest first. n <= 0 means all.
func (r *Ring) Tail(n int) []string {
	lines := r.Lines()
	if n <= 0 || n >= len(lines) {
		return lines
	}
	return lines[len(lines)-n:]
}

// String joins the buffered lines with newlines.
func (r *Ring) String() string {
	lines := r.Lines()
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// Size returns how many lines are stored.
func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Capacity returns the maximum number of lines.
func (r *Ring) Capacity() int {
	return r.cap
}

// Clear drops all lines, including any partial line.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = 0
	r.size = 0
	r.partial = nil
}
