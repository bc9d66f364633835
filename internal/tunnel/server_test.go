package tunnel

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// fakeSSH writes an ssh stand-in that reports a working forward and then
// stays up. Every spawn appends a line to the returned counter file.
func fakeSSH(t *testing.T, body string) (path, spawns string) {
	t.Helper()
	spawns = filepath.Join(t.TempDir(), "spawns")
	script := "SPAWNS=" + spawns + "\necho spawn >> \"$SPAWNS\"\n" + body
	return writeScript(t, "ssh", script), spawns
}

const upSSH = `echo "debug1: Authenticated to master.example.com ([10.0.0.1]:22) using \"publickey\"." >&2
echo "debug1: remote forward success for: listen 8022, connect localhost:22" >&2
exec sleep 60`

func spawnCount(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	if err != nil {
		t.Fatalf("failed to read spawn counter: %v", err)
	}
	return strings.Count(string(data), "spawn")
}

func newTestServer(t *testing.T, executable string) *Server {
	t.Helper()
	s := NewServer(ServerOptions{
		Logger:      quietLogger(t),
		Executable:  executable,
		SettleDelay: 50 * time.Millisecond,
		Backoff:     Backoff{Initial: time.Second, Max: time.Second, Factor: 2},
	})
	t.Cleanup(s.Shutdown)
	return s
}

func createRequest(localHost string, localPort, remotePort int) CreateTunnelRequest {
	return CreateTunnelRequest{
		ID:         "test",
		Host:       "master.example.com",
		Username:   "edge",
		SSHPort:    22,
		LocalHost:  localHost,
		LocalPort:  localPort,
		RemotePort: remotePort,
		Reverse:    true,
	}
}

func TestServerCreateIsIdempotent(t *testing.T) {
	bin, spawns := fakeSSH(t, upSSH)
	s := newTestServer(t, bin)
	ctx := context.Background()

	port, err := s.CreateTunnel(ctx, createRequest("localhost", 22, 8022))
	if err != nil {
		t.Fatalf("CreateTunnel failed: %v", err)
	}
	if port != 8022 {
		t.Errorf("expected remote port 8022, got %d", port)
	}

	// Same port, existing tunnel on localhost: reuse it
	port, err = s.CreateTunnel(ctx, createRequest("10.0.0.5", 22, 9999))
	if err != nil {
		t.Fatalf("second CreateTunnel failed: %v", err)
	}
	if port != 8022 {
		t.Errorf("expected the existing remote port, got %d", port)
	}
	if n := spawnCount(t, spawns); n != 1 {
		t.Errorf("expected one ssh process, got %d", n)
	}
}

func TestServerReplacesTunnelForOtherHost(t *testing.T) {
	bin, spawns := fakeSSH(t, upSSH)
	s := newTestServer(t, bin)
	ctx := context.Background()

	if _, err := s.CreateTunnel(ctx, createRequest("192.168.1.20", 80, 8080)); err != nil {
		t.Fatalf("CreateTunnel failed: %v", err)
	}
	if _, err := s.CreateTunnel(ctx, createRequest("192.168.1.20", 80, 8080)); err != nil {
		t.Fatalf("CreateTunnel failed: %v", err)
	}
	if n := spawnCount(t, spawns); n != 1 {
		t.Fatalf("same host should reuse the tunnel, got %d spawns", n)
	}

	port, err := s.CreateTunnel(ctx, createRequest("192.168.1.21", 80, 8081))
	if err != nil {
		t.Fatalf("CreateTunnel failed: %v", err)
	}
	if port != 8081 {
		t.Errorf("expected the new remote port, got %d", port)
	}
	if n := spawnCount(t, spawns); n != 2 {
		t.Errorf("another host should replace the tunnel, got %d spawns", n)
	}
	if ports := s.Ports(); len(ports) != 1 {
		t.Errorf("expected one tunnel, got %v", ports)
	}
}

func TestServerCreateForwardFailure(t *testing.T) {
	bin, _ := fakeSSH(t, `echo "Error: remote port forwarding failed for listen port 8022" >&2
exit 255`)
	s := newTestServer(t, bin)

	_, err := s.CreateTunnel(context.Background(), createRequest("localhost", 22, 8022))
	if !errors.Is(err, ErrForwardFailed) {
		t.Fatalf("expected a forward failure, got %v", err)
	}
	if ports := s.Ports(); len(ports) != 0 {
		t.Errorf("failed tunnel should be removed, got %v", ports)
	}
}

func TestServerCreateExitBeforeConnect(t *testing.T) {
	bin, _ := fakeSSH(t, `echo "ssh: connect to host master.example.com port 22: Connection refused" >&2
exit 255`)
	s := newTestServer(t, bin)

	_, err := s.CreateTunnel(context.Background(), createRequest("localhost", 22, 8022))
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected connection refused, got %v", err)
	}
}

func TestServerCreateDropDuringSettle(t *testing.T) {
	bin, _ := fakeSSH(t, `echo "debug1: remote forward success for: listen 8022" >&2
exit 255`)
	s := newTestServer(t, bin)
	s.opts.SettleDelay = 300 * time.Millisecond

	if _, err := s.CreateTunnel(context.Background(), createRequest("localhost", 22, 8022)); err == nil {
		t.Fatal("expected a tunnel that drops right away to fail")
	}
	if ports := s.Ports(); len(ports) != 0 {
		t.Errorf("failed tunnel should be removed, got %v", ports)
	}
}

func TestServerCreateValidatesRequest(t *testing.T) {
	s := newTestServer(t, "ssh")

	if _, err := s.CreateTunnel(context.Background(), createRequest("localhost", 0, 8022)); err == nil {
		t.Error("expected an invalid local port to be rejected")
	}

	req := createRequest("localhost", 22, 8022)
	req.Key = filepath.Join(t.TempDir(), "missing")
	if _, err := s.CreateTunnel(context.Background(), req); err == nil {
		t.Error("expected a missing key file to be rejected")
	}
}

func TestServerCloseTunnel(t *testing.T) {
	bin, _ := fakeSSH(t, upSSH)
	s := newTestServer(t, bin)

	if err := s.CloseTunnel(22); err == nil || err.Error() != "No tunnel with this port." {
		t.Fatalf("expected the unknown port message, got %v", err)
	}

	if _, err := s.CreateTunnel(context.Background(), createRequest("localhost", 22, 8022)); err != nil {
		t.Fatalf("CreateTunnel failed: %v", err)
	}
	if err := s.CloseTunnel(22); err != nil {
		t.Fatalf("CloseTunnel failed: %v", err)
	}
	if ports := s.Ports(); len(ports) != 0 {
		t.Errorf("expected no tunnels, got %v", ports)
	}
}

func TestServerOverControlChannel(t *testing.T) {
	bin, _ := fakeSSH(t, upSSH)
	s := newTestServer(t, bin)

	path := filepath.Join(socketDir(t), "tunneld.sock")
	listener, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, listener) }()
	t.Cleanup(func() {
		cancel()
		<-served
	})

	client := connectedClient(t, path)

	port, err := client.CreateTunnel(context.Background(), CreateTunnelRequest{
		Host:       "master.example.com",
		Username:   "edge",
		LocalPort:  22,
		RemotePort: 8022,
	})
	if err != nil {
		t.Fatalf("CreateTunnel failed: %v", err)
	}
	if port != 8022 {
		t.Errorf("expected 8022, got %d", port)
	}

	err = client.CloseTunnel(context.Background(), 80)
	if !errors.Is(err, ErrDaemonRejected) || err.Error() != "No tunnel with this port." {
		t.Fatalf("expected the daemon's rejection, got %v", err)
	}
	if err := client.CloseTunnel(context.Background(), 22); err != nil {
		t.Fatalf("CloseTunnel failed: %v", err)
	}
}

func TestListenRemovesStaleSocket(t *testing.T) {
	path := filepath.Join(socketDir(t), "stale.sock")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("failed to create stale file: %v", err)
	}

	listener, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer listener.Close()

	if _, err := Listen(path); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestValidateKeyFile(t *testing.T) {
	dir := t.TempDir()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	good := filepath.Join(dir, "id_ed25519")
	os.WriteFile(good, pem.EncodeToMemory(block), 0o600)

	protected, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte("secret"))
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	locked := filepath.Join(dir, "id_locked")
	os.WriteFile(locked, pem.EncodeToMemory(protected), 0o600)

	garbage := filepath.Join(dir, "garbage")
	os.WriteFile(garbage, []byte("not a key"), 0o600)

	if err := ValidateKeyFile(good); err != nil {
		t.Errorf("valid key rejected: %v", err)
	}
	if err := ValidateKeyFile(locked); err == nil || !strings.Contains(err.Error(), "passphrase") {
		t.Errorf("expected a passphrase error, got %v", err)
	}
	if err := ValidateKeyFile(garbage); err == nil {
		t.Error("expected garbage to be rejected")
	}
}
