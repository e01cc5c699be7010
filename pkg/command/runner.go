// Package command runs external tools with timeouts and streamed output.
package command

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/tarbsd/builder/pkg/errors"
)

// maxCapturedOutput bounds the output kept per stream and on
// ExternalCommandError.
const maxCapturedOutput = 8 * 1024

// Cmd describes one invocation.
type Cmd struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string
	Stdin   string
	Timeout time.Duration

	// KeepStdout retains all of stdout for callers that parse it. Otherwise
	// only the last maxCapturedOutput bytes of each stream are kept.
	KeepStdout bool

	// OnOutput receives stdout and stderr chunks as the process emits them.
	// Calls are serialized.
	OnOutput func(chunk []byte)
}

// String renders the command line for logs and errors.
func (c Cmd) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result holds captured output. It is returned alongside errors too.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout followed by stderr.
func (r *Result) Combined() string {
	if r == nil {
		return ""
	}
	return r.Stdout + r.Stderr
}

// Runner executes external commands.
type Runner interface {
	Run(ctx context.Context, c Cmd) (*Result, error)
	LookPath(name string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// NewExecRunner creates a runner backed by os/exec.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func (r *ExecRunner) Run(ctx context.Context, c Cmd) (*Result, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	slog.Debug("command_start", "cmd", c.String(), "dir", c.Dir, "timeout", c.Timeout)
	started := time.Now()

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}
	cmd.WaitDelay = 5 * time.Second

	stdout, stderr := newTailBuffer(maxCapturedOutput), newTailBuffer(maxCapturedOutput)
	var full bytes.Buffer
	var out io.Writer = stdout
	if c.KeepStdout {
		out = &full
	}
	stream := &streamWriter{fn: c.OnOutput}
	cmd.Stdout = io.MultiWriter(out, stream)
	cmd.Stderr = io.MultiWriter(stderr, stream)

	err := cmd.Run()
	res := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if c.KeepStdout {
		res.Stdout = full.String()
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = errors.Wrap(ctx.Err(), "timed out after "+c.Timeout.String())
		}
		slog.Error("command_failed", "cmd", c.String(), "exit_code", res.ExitCode, "error", err)
		return res, &errors.ExternalCommandError{
			Command:  c.String(),
			ExitCode: res.ExitCode,
			Output:   tail(res.Stderr+res.Stdout, maxCapturedOutput),
			Err:      err,
		}
	}

	slog.Debug("command_complete", "cmd", c.String(), "duration", time.Since(started))
	return res, nil
}

// streamWriter forwards chunks to the caller's callback.
type streamWriter struct {
	mu sync.Mutex
	fn func([]byte)
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if w.fn == nil {
		return len(p), nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fn(p)
	return len(p), nil
}

// tailBuffer keeps the last len(buf) bytes written to it.
type tailBuffer struct {
	buf   []byte
	start int
	full  bool
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{buf: make([]byte, n)}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= len(b.buf) {
		copy(b.buf, p[n-len(b.buf):])
		b.start, b.full = 0, true
		return n, nil
	}
	for len(p) > 0 {
		c := copy(b.buf[b.start:], p)
		p = p[c:]
		b.start += c
		if b.start == len(b.buf) {
			b.start, b.full = 0, true
		}
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	if !b.full {
		return string(b.buf[:b.start])
	}
	return string(b.buf[b.start:]) + string(b.buf[:b.start])
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
