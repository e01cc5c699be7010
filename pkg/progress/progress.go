// Package progress reports stage outcomes and long-running activity.
package progress

import (
	"fmt"
	"io"
	"sync"
)

// Check prefixes every terminal line.
const Check = " ✔ "

// Sink receives progress from the pipeline. A no-op Sink must be acceptable.
type Sink interface {
	// Start begins an activity that will receive Advance calls.
	Start(label string)
	// Advance signals that the running activity made progress.
	Advance()
	// Finish ends the activity and prints its terminal line.
	Finish(label string)
	// Println prints one terminal line.
	Println(line string)
	// Write receives raw output of external tools.
	Write(p []byte) (int, error)
}

// Noop discards everything.
type Noop struct{}

func (Noop) Start(string) {}
func (Noop) Advance() {}
func (Noop) Finish(string) {}
func (Noop) Println(string) {}
func (Noop) Write(p []byte) (int, error) { return len(p), nil }

var spinner = []string{"⠏", "⠛", "⠹", "⢸", "⣰", "⣤", "⣆", "⡇"}

// Console writes terminal lines to out and raw tool output to verbose.
type Console struct {
	mu      sync.Mutex
	out     io.Writer
	verbose io.Writer
	tty     bool
	label   string
	frame   int
}

// NewConsole creates a Console. verbose may be nil. When tty is set a
// spinner is redrawn in place while an activity runs.
func NewConsole(out, verbose io.Writer, tty bool) *Console {
	if verbose == nil {
		verbose = io.Discard
	}
	return &Console{out: out, verbose: verbose, tty: tty}
}

func (c *Console) Start(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.label = label
	c.frame = 0
	if c.tty {
		fmt.Fprintf(c.out, " %s %s", spinner[0], label)
	}
}

func (c *Console) Advance() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frame++
	if c.tty && c.label != "" {
		fmt.Fprintf(c.out, "\r %s %s", spinner[c.frame%len(spinner)], c.label)
	}
}

func (c *Console) Finish(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tty && c.label != "" {
		fmt.Fprint(c.out, "\r\033[K")
	}
	c.label = ""
	fmt.Fprintln(c.out, Check+label)
}

func (c *Console) Println(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, Check+line)
}

func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verbose.Write(p)
}
