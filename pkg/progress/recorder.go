package progress

import (
	"strings"
	"sync"
)

// Recorder is a Sink that keeps everything for assertions.
type Recorder struct {
	mu       sync.Mutex
	lines    []string
	started  []string
	advances int
	raw      strings.Builder
}

func (r *Recorder) Start(label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, label)
}

func (r *Recorder) Advance() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advances++
}

func (r *Recorder) Finish(label string) { r.Println(label) }

func (r *Recorder) Println(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
}

func (r *Recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.raw.Write(p)
}

// Lines returns every terminal line.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

// Advances returns how many times Advance was called.
func (r *Recorder) Advances() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advances
}

// Contains reports whether any terminal line contains s.
func (r *Recorder) Contains(s string) bool {
	for _, l := range r.Lines() {
		if strings.Contains(l, s) {
			return true
		}
	}
	return false
}

// Raw returns the verbose output written so far.
func (r *Recorder) Raw() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.raw.String()
}
