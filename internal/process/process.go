// Package process spawns and supervises external commands: observe start,
// exit and error, signal them, and force-kill after a grace window.
package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	defaultTailLines = 20
	waitDelay        = time.Second
)

// Spec describes a command to spawn.
type Spec struct {
	Label     string // Used in log lines
	Path      string
	Args      []string
	Env       []string          // Appended to the current environment
	Stdout    io.Writer         // Optional sink for standard output
	OnStderr  func(line string) // Called for every line written to stderr
	TailLines int               // Stderr lines kept for the exit error
	Setsid    bool              // Run in a new session
}

// SpawnError is returned when the command could not be started at all.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ExitError describes an unsuccessful exit. Exactly one of Code and Signal is
// meaningful: Signal is set when the process was killed by a signal.
type ExitError struct {
	Code   int
	Signal string
	Stderr string // Tail of stderr, newline separated
}

func (e *ExitError) Error() string {
	var b strings.Builder
	if e.Signal != "" {
		fmt.Fprintf(&b, "killed with signal %s", e.Signal)
	} else {
		fmt.Fprintf(&b, "exited with code %d", e.Code)
	}
	if e.Stderr != "" {
		b.WriteString(": ")
		b.WriteString(e.Stderr)
	}
	return b.String()
}

// Handle is a running process. Done is closed exactly once when the process
// has exited; Err reports how it exited.
type Handle struct {
	spec      Spec
	cmd       *exec.Cmd
	stderr    *tailWriter
	startedAt time.Time
	done      chan struct{}
	err       error
}

// Start spawns the command. A nil error means the process has started.
func Start(spec Spec) (*Handle, error) {
	if spec.TailLines <= 0 {
		spec.TailLines = defaultTailLines
	}
	if spec.Label == "" {
		spec.Label = spec.Path
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	if spec.Stdout != nil {
		cmd.Stdout = spec.Stdout
	}
	if spec.Setsid {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	}
	// Grandchildren that inherit the pipes must not keep Wait blocked
	cmd.WaitDelay = waitDelay

	tail := newTailWriter(spec.TailLines, spec.OnStderr)
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}

	h := &Handle{
		spec:      spec,
		cmd:       cmd,
		stderr:    tail,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	slog.Debug(fmt.Sprintf("Started %s", spec.Label), "pid", cmd.Process.Pid)

	go h.wait()
	return h, nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.stderr.flush()
	h.err = exitError(err, h.stderr.String())
	close(h.done)
}

func exitError(err error, stderr string) error {
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result := &ExitError{Code: exitErr.ExitCode(), Stderr: stderr}
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			result.Signal = unix.SignalName(status.Signal())
			if result.Signal == "" {
				result.Signal = status.Signal().String()
			}
		}
		return result
	}
	return err
}

// Done is closed once the process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the exit result. It is only valid after Done is closed.
func (h *Handle) Err() error {
	return h.err
}

// Pid returns the process id.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// StartedAt returns when the process was spawned.
func (h *Handle) StartedAt() time.Time {
	return h.startedAt
}

// Stderr returns the current stderr tail.
func (h *Handle) Stderr() []string {
	return h.stderr.Lines()
}

// Exited reports whether the process has exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Signal sends sig to the process.
func (h *Handle) Signal(sig os.Signal) error {
	return h.cmd.Process.Signal(sig)
}

// Kill force-kills the process.
func (h *Handle) Kill() error {
	return h.cmd.Process.Kill()
}

// Terminate sends sig and waits up to grace for the process to exit, then
// force-kills it. It returns once the process is gone.
func (h *Handle) Terminate(sig os.Signal, grace time.Duration) error {
	if err := h.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			<-h.done
			return nil
		}
		slog.Warn(fmt.Sprintf("Failed to send %v to %s, forcing kill", sig, h.spec.Label), "error", err)
		return h.forceKill()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.done:
		slog.Debug(fmt.Sprintf("Process %s terminated gracefully", h.spec.Label))
		return nil
	case <-timer.C:
	}

	slog.Warn(fmt.Sprintf("Process %s did not exit within %v, forcing kill", h.spec.Label, grace))
	return h.forceKill()
}

func (h *Handle) forceKill() error {
	if err := h.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-h.done
	return nil
}
