package daemon

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.olrik.dev/camwarden/internal/core"
	"go.olrik.dev/camwarden/internal/db"
	"go.olrik.dev/camwarden/internal/tunnel"
)

func quietLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// shortTempDir keeps unix socket paths below the platform limit.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "cw-")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
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

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

// testConfig is a configured agent with the stream and tunnels off at boot.
func testConfig(t *testing.T, dir string) *core.Configuration {
	t.Helper()
	cfg := core.GetDefaultConfig()
	cfg.ConfigPath = dir
	cfg.Camera.Host = "127.0.0.1"
	cfg.Camera.Port = 1
	cfg.Camera.Profile = "stream1"
	cfg.Output.URL = "rtmp://127.0.0.1:1/live2"
	cfg.Output.Key = "secret-key"
	cfg.Stream.Executable = writeScript(t, dir, "fake-ffmpeg", "exec sleep 30")
	cfg.Stream.GracePeriod = 300 * time.Millisecond
	cfg.Stream.Autostart = false
	cfg.Tunnel.Enabled = false
	cfg.Tunnel.Autoconnect = false
	return cfg
}

func openTestDB(t *testing.T, dir string) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(dir, core.DatabaseFileName))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

type testAgent struct {
	*Daemon
	socket string
	done   chan error
}

// startAgent runs an agent on a socket in cfg.ConfigPath. The agent is shut
// down when the test ends.
func startAgent(t *testing.T, cfg *core.Configuration, opts Options) *testAgent {
	t.Helper()
	opts.Config = cfg
	if opts.Logger == nil {
		opts.Logger = quietLogger(t)
	}
	if opts.TunnelSocket == "" {
		opts.TunnelSocket = filepath.Join(cfg.ConfigPath, core.TunnelSocketName)
	}
	opts.ControlOptions = append(opts.ControlOptions, tunnel.WithRetryInterval(50*time.Millisecond))

	socket := filepath.Join(cfg.ConfigPath, core.SocketName)
	listener, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &testAgent{Daemon: New(opts), socket: socket, done: make(chan error, 1)}
	go func() { a.done <- a.Run(ctx, listener) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-a.done:
		case <-time.After(5 * time.Second):
			t.Errorf("agent did not shut down")
		}
	})
	return a
}

func (a *testAgent) send(t *testing.T, command string) Response {
	t.Helper()
	response, err := SendCommandTo(a.socket, command)
	if err != nil {
		t.Fatalf("%s failed: %v", command, err)
	}
	return response
}
