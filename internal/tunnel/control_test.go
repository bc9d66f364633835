package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func startClient(t *testing.T, path string, opts ...ControlOption) *ControlClient {
	t.Helper()
	opts = append([]ControlOption{WithControlLogger(quietLogger(t)), WithRetryInterval(50 * time.Millisecond)}, opts...)
	client := NewControlClient(path, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return client
}

func connectedClient(t *testing.T, path string, opts ...ControlOption) *ControlClient {
	t.Helper()
	client := startClient(t, path, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.IsConnected(ctx); err != nil {
		t.Fatalf("client did not connect: %v", err)
	}
	return client
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		event   string
		id      string
		success bool
		ok      bool
	}{
		{"success:abc", "abc", true, true},
		{"error:abc", "abc", false, true},
		{"error", "", false, false},
		{"create_tunnel", "", false, false},
	}
	for _, tt := range tests {
		id, success, ok := parseReply(tt.event)
		if id != tt.id || success != tt.success || ok != tt.ok {
			t.Errorf("parseReply(%q) = %q, %v, %v, want %q, %v, %v", tt.event, id, success, ok, tt.id, tt.success, tt.ok)
		}
	}
}

func TestControlClientCreateTunnel(t *testing.T) {
	daemon := startFakeDaemon(t, func(msg Message) *Message { return succeed(msg, 8022) })
	client := connectedClient(t, daemon.path)

	port, err := client.CreateTunnel(context.Background(), CreateTunnelRequest{
		Host:       "master.example.com",
		Username:   "edge",
		SSHPort:    22,
		LocalPort:  22,
		RemotePort: 8000,
	})
	if err != nil {
		t.Fatalf("CreateTunnel failed: %v", err)
	}
	if port != 8022 {
		t.Errorf("expected the port from the reply, got %d", port)
	}

	received := daemon.Received()
	if len(received) != 1 || received[0].Type != EventCreateTunnel {
		t.Fatalf("unexpected requests: %+v", received)
	}
	var req CreateTunnelRequest
	if err := json.Unmarshal(received[0].Data, &req); err != nil {
		t.Fatalf("invalid request payload: %v", err)
	}
	if req.ID == "" || !req.Reverse || req.LocalHost != DefaultLocalHost {
		t.Errorf("request not filled in: %+v", req)
	}
}

func TestControlClientCloseTunnel(t *testing.T) {
	daemon := startFakeDaemon(t, func(msg Message) *Message {
		var req CloseTunnelRequest
		json.Unmarshal(msg.Data, &req)
		if req.Port != 22 {
			return fail(msg, ErrNoTunnel.Error())
		}
		return succeed(msg, nil)
	})
	client := connectedClient(t, daemon.path)

	if err := client.CloseTunnel(context.Background(), 22); err != nil {
		t.Fatalf("CloseTunnel failed: %v", err)
	}
	err := client.CloseTunnel(context.Background(), 80)
	if !errors.Is(err, ErrDaemonRejected) {
		t.Fatalf("expected a daemon rejection, got %v", err)
	}
	if err.Error() != "No tunnel with this port." {
		t.Errorf("expected the daemon's message, got %q", err.Error())
	}
}

func TestControlClientTimeout(t *testing.T) {
	daemon := startFakeDaemon(t, func(msg Message) *Message { return nil })
	client := connectedClient(t, daemon.path, WithRequestTimeout(100*time.Millisecond))

	start := time.Now()
	_, err := client.CreateTunnel(context.Background(), CreateTunnelRequest{Host: "h", LocalPort: 22, RemotePort: 8000})
	if !errors.Is(err, ErrChannelTimeout) {
		t.Fatalf("expected a timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v", elapsed)
	}

	client.mu.Lock()
	pending := len(client.pending)
	client.mu.Unlock()
	if pending != 0 {
		t.Errorf("expected no pending requests after timeout, got %d", pending)
	}
}

func TestControlClientLateReplyIsDropped(t *testing.T) {
	var calls atomic.Int32
	daemon := startFakeDaemon(t, func(msg Message) *Message {
		if calls.Add(1) == 1 {
			time.Sleep(200 * time.Millisecond)
		}
		return succeed(msg, 9000)
	})
	client := connectedClient(t, daemon.path, WithRequestTimeout(50*time.Millisecond))

	if _, err := client.CreateTunnel(context.Background(), CreateTunnelRequest{Host: "h", LocalPort: 22, RemotePort: 8000}); !errors.Is(err, ErrChannelTimeout) {
		t.Fatalf("expected a timeout, got %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	port, err := client.CreateTunnel(context.Background(), CreateTunnelRequest{Host: "h", LocalPort: 22, RemotePort: 8000})
	if err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	if port != 9000 {
		t.Errorf("got port %d", port)
	}
}

func TestControlClientChannelLost(t *testing.T) {
	var daemon *fakeDaemon
	daemon = startFakeDaemon(t, func(msg Message) *Message {
		daemon.dropConnections()
		return nil
	})
	client := connectedClient(t, daemon.path, WithRequestTimeout(time.Second))

	var disconnects atomic.Int32
	client.OnDisconnect(func() { disconnects.Add(1) })

	_, err := client.CreateTunnel(context.Background(), CreateTunnelRequest{Host: "h", LocalPort: 22, RemotePort: 8000})
	if !errors.Is(err, ErrChannelLost) {
		t.Fatalf("expected channel lost, got %v", err)
	}
	waitFor(t, time.Second, "disconnect callback", func() bool { return disconnects.Load() == 1 })
}

func TestControlClientUnreachable(t *testing.T) {
	path := filepath.Join(socketDir(t), "missing.sock")
	client := startClient(t, path)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.IsConnected(ctx); !errors.Is(err, ErrChannelUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}

	_, err := client.CreateTunnel(context.Background(), CreateTunnelRequest{Host: "h", LocalPort: 22, RemotePort: 8000})
	if !errors.Is(err, ErrChannelUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}
}

func TestControlClientReconnects(t *testing.T) {
	daemon := startFakeDaemon(t, echoRemotePort)
	client := startClient(t, daemon.path)

	var connects atomic.Int32
	client.OnConnect(func() { connects.Add(1) })

	waitFor(t, 2*time.Second, "first connect", func() bool { return connects.Load() == 1 })
	daemon.dropConnections()
	waitFor(t, 2*time.Second, "reconnect", func() bool { return connects.Load() == 2 })

	if _, err := client.CreateTunnel(context.Background(), CreateTunnelRequest{Host: "h", LocalPort: 22, RemotePort: 8000}); err != nil {
		t.Fatalf("request after reconnect failed: %v", err)
	}
}

func TestControlClientCorrelatesConcurrentRequests(t *testing.T) {
	daemon := startFakeDaemon(t, func(msg Message) *Message {
		// Reply out of order
		var req CreateTunnelRequest
		json.Unmarshal(msg.Data, &req)
		time.Sleep(time.Duration(20-req.LocalPort%20) * time.Millisecond)
		return succeed(msg, req.RemotePort)
	})
	client := connectedClient(t, daemon.path)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			want := 8000 + i
			got, err := client.CreateTunnel(context.Background(), CreateTunnelRequest{Host: "h", LocalPort: 100 + i, RemotePort: want})
			if err != nil {
				errs <- err
				return
			}
			if got != want {
				errs <- fmt.Errorf("request %d got port %d", i, got)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestControlClientRejectsDuplicateID(t *testing.T) {
	daemon := startFakeDaemon(t, func(msg Message) *Message { return nil })
	client := connectedClient(t, daemon.path, WithRequestTimeout(300*time.Millisecond))
	client.newID = func() string { return "same" }

	first := make(chan error, 1)
	go func() {
		_, err := client.CreateTunnel(context.Background(), CreateTunnelRequest{Host: "h", LocalPort: 22, RemotePort: 8000})
		first <- err
	}()
	waitFor(t, time.Second, "first request pending", func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.pending) == 1
	})

	_, err := client.CreateTunnel(context.Background(), CreateTunnelRequest{Host: "h", LocalPort: 80, RemotePort: 8001})
	if err == nil || errors.Is(err, ErrChannelTimeout) {
		t.Fatalf("expected a duplicate id error, got %v", err)
	}
	if err := <-first; !errors.Is(err, ErrChannelTimeout) {
		t.Errorf("first request should time out on its own, got %v", err)
	}
}
