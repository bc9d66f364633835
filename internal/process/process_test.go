package process

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

func waitDone(t *testing.T, h *Handle, timeout time.Duration) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(timeout):
		t.Fatalf("process did not exit within %v", timeout)
	}
}

func TestStart_SpawnError(t *testing.T) {
	quietLogger(t)

	_, err := Start(Spec{Path: "/nonexistent/camwarden-test-binary"})
	if err == nil {
		t.Fatal("expected spawn error")
	}

	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected *SpawnError, got %T", err)
	}
	if !strings.HasPrefix(err.Error(), "spawn /nonexistent/camwarden-test-binary") {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestHandle_SuccessfulExit(t *testing.T) {
	quietLogger(t)

	h, err := Start(Spec{Path: "true"})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitDone(t, h, 5*time.Second)

	if h.Err() != nil {
		t.Errorf("expected nil exit error, got %v", h.Err())
	}
	if !h.Exited() {
		t.Error("Exited() should be true after Done")
	}
}

func TestHandle_ExitCodeAndStderr(t *testing.T) {
	quietLogger(t)

	var mu sync.Mutex
	var seen []string
	h, err := Start(Spec{
		Path: "sh",
		Args: []string{"-c", "echo first >&2; echo second >&2; exit 3"},
		OnStderr: func(line string) {
			mu.Lock()
			seen = append(seen, line)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitDone(t, h, 5*time.Second)

	var exitErr *ExitError
	if !errors.As(h.Err(), &exitErr) {
		t.Fatalf("expected *ExitError, got %v", h.Err())
	}
	if exitErr.Code != 3 {
		t.Errorf("Code = %d, want 3", exitErr.Code)
	}
	if exitErr.Stderr != "first\nsecond" {
		t.Errorf("Stderr = %q", exitErr.Stderr)
	}
	if got := exitErr.Error(); got != "exited with code 3: first\nsecond" {
		t.Errorf("Error() = %q", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "first" || seen[1] != "second" {
		t.Errorf("OnStderr saw %v", seen)
	}
}

func TestHandle_StderrTailIsBounded(t *testing.T) {
	quietLogger(t)

	h, err := Start(Spec{
		Path:      "sh",
		Args:      []string{"-c", "for i in 1 2 3 4 5 6 7 8; do echo line$i >&2; done; exit 1"},
		TailLines: 3,
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitDone(t, h, 5*time.Second)

	lines := h.Stderr()
	if len(lines) != 3 || lines[0] != "line6" || lines[2] != "line8" {
		t.Errorf("Stderr() = %v, want [line6 line7 line8]", lines)
	}
}

func TestHandle_StdoutSink(t *testing.T) {
	quietLogger(t)

	var buf bytes.Buffer
	h, err := Start(Spec{Path: "sh", Args: []string{"-c", "printf frame"}, Stdout: &buf})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitDone(t, h, 5*time.Second)

	if buf.String() != "frame" {
		t.Errorf("stdout = %q, want %q", buf.String(), "frame")
	}
}

func TestTerminate_ProcessExitsGracefully(t *testing.T) {
	quietLogger(t)

	h, err := Start(Spec{Path: "sleep", Args: []string{"60"}, Setsid: true})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { h.Kill() })

	start := time.Now()
	if err := h.Terminate(syscall.SIGTERM, 5*time.Second); err != nil {
		t.Fatalf("Terminate() error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("graceful terminate took %v", elapsed)
	}

	var exitErr *ExitError
	if !errors.As(h.Err(), &exitErr) || exitErr.Signal != "SIGTERM" {
		t.Errorf("expected SIGTERM exit, got %v", h.Err())
	}
}

func TestTerminate_ForcesKillAfterGrace(t *testing.T) {
	quietLogger(t)

	// The ignored disposition survives exec, so sleep ignores SIGTERM
	h, err := Start(Spec{Path: "sh", Args: []string{"-c", "trap '' TERM; exec sleep 60"}})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { h.Kill() })
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	if err := h.Terminate(syscall.SIGTERM, 300*time.Millisecond); err != nil {
		t.Fatalf("Terminate() error: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 300*time.Millisecond {
		t.Errorf("process exited before the grace window: %v", elapsed)
	}
	if elapsed > 3*time.Second {
		t.Errorf("forced kill took too long: %v", elapsed)
	}

	var exitErr *ExitError
	if !errors.As(h.Err(), &exitErr) || exitErr.Signal != "SIGKILL" {
		t.Errorf("expected SIGKILL exit, got %v", h.Err())
	}
}

func TestTerminate_AlreadyExited(t *testing.T) {
	quietLogger(t)

	h, err := Start(Spec{Path: "true"})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitDone(t, h, 5*time.Second)

	if err := h.Terminate(syscall.SIGTERM, time.Second); err != nil {
		t.Errorf("expected nil error for already-exited process, got %v", err)
	}
}
