// Package runner executes external commands with bounded timeouts and
// captured output. Ordinary failures (non-zero exit, timeout, missing
// binary) are reported in the Result, never as a Go error, so callers
// can classify outcomes without unwinding.
package runner

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// logPreviewLimit bounds how much command output ends up in the log.
const logPreviewLimit = 400

// Spec describes a single command invocation.
type Spec struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string // appended to the current environment
	Timeout time.Duration
	Label   string // used for logging; falls back to the command name
}

func (s Spec) label() string {
	if s.Label != "" {
		return s.Label
	}
	return s.Name
}

func (s Spec) commandLine() string {
	return strings.Join(append([]string{s.Name}, s.Args...), " ")
}

// Result is the terminal outcome of one command invocation.
type Result struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
	Err      string
}

// OK reports whether the command ran to completion with exit code zero.
func (r Result) OK() bool {
	return r.ExitCode == 0 && !r.TimedOut && r.Err == ""
}

// Combined returns stdout and stderr joined in capture order.
func (r Result) Combined() string {
	if r.Stdout == "" {
		return r.Stderr
	}
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + "\n" + r.Stderr
}

// Runner executes external commands.
type Runner interface {
	// Run executes the command and always returns a Result. A timeout is a
	// distinct terminal state, not an error.
	Run(ctx context.Context, spec Spec) Result

	// Start launches a long-running command whose combined output is
	// streamed line by line through the returned Handle.
	Start(ctx context.Context, spec Spec) (*Handle, error)
}

type localRunner struct{}

// New returns a Runner backed by os/exec.
func New() Runner {
	return &localRunner{}
}

func (*localRunner) Run(ctx context.Context, spec Spec) Result {
	start := time.Now()
	result := Result{Command: spec.commandLine(), ExitCode: -1}

	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...) // #nosec G204 -- commands are fixed by callers, not request input
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result.Duration = time.Since(start)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			// Spawn failure: binary missing, bad working directory, etc.
			result.Err = err.Error()
		}
	}

	slog.Debug("command finished",
		"label", spec.label(),
		"exit_code", result.ExitCode,
		"timed_out", result.TimedOut,
		"duration", result.Duration,
		"output", truncate(result.Combined()))
	return result
}

func (*localRunner) Start(ctx context.Context, spec Spec) (*Handle, error) {
	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...) // #nosec G204 -- commands are fixed by callers, not request input
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	// Git interleaves progress on stderr with content on stdout; the
	// stream is only meaningful combined and in order.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		_ = pr.Close()
		return nil, err
	}

	h := &Handle{
		cmd:   cmd,
		label: spec.label(),
		lines: make(chan string, 64),
		start: time.Now(),
	}
	h.pump.Add(1)
	go func() {
		defer h.pump.Done()
		defer close(h.lines)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			h.record(scanner.Text())
		}
	}()
	go func() {
		h.waitOnce.Do(h.wait)
		_ = pw.Close()
	}()

	slog.Debug("command started", "label", spec.label(), "command", spec.commandLine())
	return h, nil
}

// Handle is a live long-running command whose output is consumed
// incrementally while it runs.
type Handle struct {
	cmd   *exec.Cmd
	label string
	lines chan string
	start time.Time

	pump     sync.WaitGroup
	waitOnce sync.Once
	exitCode int

	mu       sync.Mutex
	captured strings.Builder
}

// Lines returns the channel of combined output lines. It is closed when
// the process exits and the stream drains.
func (h *Handle) Lines() <-chan string {
	return h.lines
}

func (h *Handle) record(line string) {
	h.mu.Lock()
	if h.captured.Len() > 0 {
		h.captured.WriteByte('\n')
	}
	h.captured.WriteString(line)
	h.mu.Unlock()
	h.lines <- line
}

// Output returns everything captured so far.
func (h *Handle) Output() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.captured.String()
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	switch {
	case err == nil:
		h.exitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			h.exitCode = exitErr.ExitCode()
		} else {
			h.exitCode = -1
		}
	}
}

// Wait blocks until the process exits and the output stream drains,
// then returns the exit code (-1 if the process was killed or failed
// outside its own control).
func (h *Handle) Wait() int {
	h.waitOnce.Do(h.wait)
	h.pump.Wait()
	slog.Debug("command finished",
		"label", h.label,
		"exit_code", h.exitCode,
		"duration", time.Since(h.start),
		"output", truncate(h.Output()))
	return h.exitCode
}

// Kill terminates the process. Wait still returns normally afterwards.
func (h *Handle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func truncate(s string) string {
	if len(s) <= logPreviewLimit {
		return s
	}
	return s[:logPreviewLimit] + "..."
}
