package command

import (
	"context"
	"os/exec"
	"strings"
	"sync"

	"github.com/tarbsd/builder/pkg/errors"
)

// Handler scripts the outcome of a faked command.
type Handler func(c Cmd) (*Result, error)

// Fake is a Runner that records invocations instead of executing them.
// Unscripted commands succeed with empty output.
type Fake struct {
	mu        sync.Mutex
	calls     []Cmd
	handlers  map[string]Handler
	available map[string]bool
}

// NewFake creates a Fake where every tool in tools resolves with LookPath.
func NewFake(tools ...string) *Fake {
	f := &Fake{
		handlers:  make(map[string]Handler),
		available: make(map[string]bool),
	}
	for _, t := range tools {
		f.available[t] = true
	}
	return f
}

// On scripts the command named name.
func (f *Fake) On(name string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = h
}

// Fail makes every invocation of name exit with code 1 and output.
func (f *Fake) Fail(name, output string) {
	f.On(name, func(c Cmd) (*Result, error) {
		res := &Result{Stderr: output, ExitCode: 1}
		return res, &errors.ExternalCommandError{Command: c.String(), ExitCode: 1, Output: output}
	})
}

// SetAvailable toggles whether LookPath finds name.
func (f *Fake) SetAvailable(name string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available[name] = ok
}

func (f *Fake) LookPath(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.available[name] {
		return "/usr/local/bin/" + name, nil
	}
	return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
}

func (f *Fake) Run(ctx context.Context, c Cmd) (*Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	h := f.handlers[c.Name]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return &Result{}, &errors.ExternalCommandError{Command: c.String(), Err: err}
	}
	if h == nil {
		return &Result{}, nil
	}
	res, err := h(c)
	if res == nil {
		res = &Result{}
	}
	if c.OnOutput != nil && res.Stdout != "" {
		c.OnOutput([]byte(res.Stdout))
	}
	return res, err
}

// Calls returns every recorded invocation.
func (f *Fake) Calls() []Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Cmd(nil), f.calls...)
}

// Commands returns recorded invocations rendered as command lines.
func (f *Fake) Commands() []string {
	calls := f.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// Count returns how many recorded command lines start with prefix.
func (f *Fake) Count(prefix string) int {
	n := 0
	for _, line := range f.Commands() {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

// Reset forgets recorded invocations but keeps scripted handlers.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}
