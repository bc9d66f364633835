package stream

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.olrik.dev/camwarden/internal/core"
)

func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

// writeScript writes an executable shell script, replacing any previous
// content atomically so a running supervisor never sees a partial file.
func writeScript(t *testing.T, path, body string) string {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("failed to install script: %v", err)
	}
	return path
}

// freePort returns a loopback port with nothing listening on it.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func listenOn(t *testing.T, port int) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("failed to listen on %d: %v", port, err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return l
}

func testConfig(t *testing.T, executable string, cameraPort int) *core.Configuration {
	t.Helper()
	cfg := core.GetDefaultConfig()
	cfg.ConfigPath = t.TempDir()
	cfg.Camera.Host = "127.0.0.1"
	cfg.Camera.Port = cameraPort
	cfg.Camera.Profile = "stream1"
	cfg.Output.URL = "rtmp://127.0.0.1:1/live2"
	cfg.Output.Key = "secret-key"
	cfg.Stream.Executable = executable
	cfg.Stream.GracePeriod = 300 * time.Millisecond
	cfg.Stream.RetryDelay = 100 * time.Millisecond
	cfg.Stream.SnapshotTimeout = 5 * time.Second
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", timeout, what)
}

func scriptPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "fake-ffmpeg")
}
