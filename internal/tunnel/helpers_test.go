package tunnel

import (
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func quietLogger(t *testing.T) *slog.Logger {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)}))
	old := slog.Default()
	slog.SetDefault(logger)
	t.Cleanup(func() { slog.SetDefault(old) })
	return logger
}

// socketDir returns a short directory for unix sockets, which have a small
// path limit.
func socketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "cw")
	if err != nil {
		t.Fatalf("failed to create socket dir: %v", err)
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

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

// fakeDaemon answers control channel requests with a handler. A nil reply
// leaves the request unanswered.
type fakeDaemon struct {
	t        *testing.T
	path     string
	listener net.Listener
	handle   func(msg Message) *Message

	mu       sync.Mutex
	conns    []net.Conn
	received []Message
}

func startFakeDaemon(t *testing.T, handle func(msg Message) *Message) *fakeDaemon {
	t.Helper()
	path := filepath.Join(socketDir(t), "d.sock")
	listener, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	f := &fakeDaemon{t: t, path: path, listener: listener, handle: handle}
	t.Cleanup(f.stop)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			f.mu.Lock()
			f.conns = append(f.conns, conn)
			f.mu.Unlock()
			go f.serve(conn)
		}
	}()
	return f
}

func (f *fakeDaemon) serve(conn net.Conn) {
	var writeMu sync.Mutex
	decoder := json.NewDecoder(conn)
	for {
		var msg Message
		if err := decoder.Decode(&msg); err != nil {
			return
		}
		f.mu.Lock()
		f.received = append(f.received, msg)
		f.mu.Unlock()

		go func() {
			reply := f.handle(msg)
			if reply == nil {
				return
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			json.NewEncoder(conn).Encode(reply)
		}()
	}
}

// dropConnections closes every accepted connection but keeps listening.
func (f *fakeDaemon) dropConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conn := range f.conns {
		conn.Close()
	}
	f.conns = nil
}

func (f *fakeDaemon) stop() {
	f.listener.Close()
	f.dropConnections()
}

func (f *fakeDaemon) Received() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.received...)
}

func requestID(msg Message) string {
	var header struct {
		ID string `json:"id"`
	}
	json.Unmarshal(msg.Data, &header)
	return header.ID
}

func succeed(msg Message, data any) *Message {
	out, _ := newMessage(successEvent(requestID(msg)), data)
	return &out
}

func fail(msg Message, text string) *Message {
	out, _ := newMessage(errorEvent(requestID(msg)), text)
	return &out
}

// echoRemotePort accepts every create_tunnel with its own remote port.
func echoRemotePort(msg Message) *Message {
	if msg.Type == EventCreateTunnel {
		var req CreateTunnelRequest
		json.Unmarshal(msg.Data, &req)
		return succeed(msg, req.RemotePort)
	}
	return succeed(msg, nil)
}
