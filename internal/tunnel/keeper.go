package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"

	"go.olrik.dev/camwarden/internal/process"
)

// ProcessMarker is the ssh option that tags keeper processes so the daemon
// can find its orphans after a crash.
const ProcessMarker = "camwarden-tunnel"

const (
	stopGrace             = 2 * time.Second
	requiredHealthFailure = 2
)

var (
	ErrForwardFailed = errors.New("remote port forwarding failed")
	ErrKeeperClosed  = errors.New("tunnel keeper closed")
)

// KeeperSpec describes one reverse tunnel.
type KeeperSpec struct {
	Executable        string // Defaults to "ssh"
	Host              string
	Username          string
	SSHPort           int
	LocalHost         string
	LocalPort         int
	RemotePort        int
	KeyFile           string
	KeepaliveInterval int
	Tag               string
}

// Args returns the ssh arguments for the tunnel.
func (s KeeperSpec) Args() []string {
	args := []string{
		"-N", "-v",
		"-o", "IgnoreUnknown=" + ProcessMarker,
		"-o", ProcessMarker + "=" + s.Tag,
		"-o", "ExitOnForwardFailure=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", "BatchMode=yes",
	}
	if s.KeepaliveInterval > 0 {
		args = append(args,
			"-o", fmt.Sprintf("ServerAliveInterval=%d", s.KeepaliveInterval),
			"-o", "ServerAliveCountMax=3")
	}
	if s.SSHPort > 0 {
		args = append(args, "-p", strconv.Itoa(s.SSHPort))
	}
	if s.KeyFile != "" {
		args = append(args, "-i", s.KeyFile, "-o", "IdentitiesOnly=yes")
	}

	localHost := s.LocalHost
	if localHost == "" {
		localHost = DefaultLocalHost
	}
	args = append(args, "-R", fmt.Sprintf("%d:%s:%d", s.RemotePort, localHost, s.LocalPort))

	destination := s.Host
	if s.Username != "" {
		destination = s.Username + "@" + s.Host
	}
	return append(args, destination)
}

// Backoff computes reconnect delays: Initial * Factor^retry, capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  int
}

// Delay returns the wait before reconnect attempt number retry.
func (b Backoff) Delay(retry int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = time.Second
	}
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}
	factor := b.Factor
	if factor < 1 {
		factor = 2
	}

	delay := initial
	for i := 0; i < retry && delay < maxDelay; i++ {
		delay *= time.Duration(factor)
	}
	return min(delay, maxDelay)
}

// KeeperOptions tunes a Keeper.
type KeeperOptions struct {
	Backoff        Backoff
	HealthInterval time.Duration // Zero disables the health check
	Logger         *slog.Logger
	Events         EventLogger
	Established    func(pid int) bool
}

// EventLogger records tunnel events.
type EventLogger interface {
	LogTunnelEvent(tunnel, eventType, details string) error
}

// Keeper runs one ssh process holding a reverse tunnel open, and respawns
// it with backoff after it has connected once.
type Keeper struct {
	spec   KeeperSpec
	opts   KeeperOptions
	name   string
	logger *slog.Logger

	mu        sync.Mutex
	handle    *process.Handle
	connected bool
	reconnect int

	ready     chan error
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	startOnce sync.Once
}

// NewKeeper creates a keeper. Call Start to spawn the ssh process.
func NewKeeper(spec KeeperSpec, opts KeeperOptions) *Keeper {
	if spec.Executable == "" {
		spec.Executable = "ssh"
	}
	if opts.Established == nil {
		opts.Established = hasEstablishedTCPConnection
	}
	name := fmt.Sprintf("tunnel-%d", spec.LocalPort)
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{
		spec:   spec,
		opts:   opts,
		name:   name,
		logger: logger.With("tunnel", name),
		ready:  make(chan error, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start spawns ssh and waits until the tunnel is up or the first attempt
// failed. A failed keeper has already been cleaned up.
func (k *Keeper) Start(ctx context.Context) error {
	k.startOnce.Do(func() { go k.run() })

	select {
	case err := <-k.ready:
		return err
	case <-k.done:
		select {
		case err := <-k.ready:
			return err
		default:
			return ErrKeeperClosed
		}
	case <-ctx.Done():
		k.Close()
		return ctx.Err()
	}
}

// Connected reports whether the tunnel is currently up.
func (k *Keeper) Connected() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.connected
}

// Pid returns the pid of the current ssh process, or 0.
func (k *Keeper) Pid() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.handle == nil {
		return 0
	}
	return k.handle.Pid()
}

// Done is closed when the keeper has stopped for good.
func (k *Keeper) Done() <-chan struct{} {
	return k.done
}

// Close terminates the ssh process and stops reconnecting. It returns once
// the process is gone.
func (k *Keeper) Close() {
	k.stopOnce.Do(func() { close(k.stop) })
	k.startOnce.Do(func() { close(k.done) })
	<-k.done
}

func (k *Keeper) run() {
	defer close(k.done)

	first := true
	for {
		h, err := k.attempt()
		if first {
			k.ready <- err
			if err != nil {
				return
			}
			first = false
			k.logEvent("connect", fmt.Sprintf("remote port %d, PID %d", k.spec.RemotePort, h.Pid()))
		} else if err != nil {
			if errors.Is(err, ErrKeeperClosed) {
				return
			}
			k.logger.Warn("Tunnel reconnect failed", "error", err, "attempt", k.reconnect)
			k.logEvent("reconnect_failed", err.Error())
			if !k.sleep(k.opts.Backoff.Delay(k.reconnect)) {
				return
			}
			k.reconnect++
			continue
		} else {
			k.logger.Info(fmt.Sprintf("Tunnel reconnected (PID %d)", h.Pid()))
			k.logEvent("reconnect", fmt.Sprintf("PID %d", h.Pid()))
			k.reconnect = 0
		}

		if !k.hold(h) {
			return
		}

		delay := k.opts.Backoff.Delay(k.reconnect)
		k.logger.Info(fmt.Sprintf("Tunnel will reconnect in %v", delay))
		if !k.sleep(delay) {
			return
		}
		k.reconnect++
	}
}

// attempt spawns ssh and waits for the forward to come up.
func (k *Keeper) attempt() (*process.Handle, error) {
	select {
	case <-k.stop:
		return nil, ErrKeeperClosed
	default:
	}

	result := make(chan error, 1)
	report := func(err error) {
		select {
		case result <- err:
		default:
		}
	}

	h, err := process.Start(process.Spec{
		Label:  k.name,
		Path:   k.spec.Executable,
		Args:   k.spec.Args(),
		Setsid: true,
		OnStderr: func(line string) {
			k.logger.Debug(fmt.Sprintf("SSH: %s", line))
			if up, failure := scanSSHLine(line); up {
				report(nil)
			} else if failure != nil {
				report(failure)
			}
		},
	})
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	k.handle = h
	k.mu.Unlock()

	select {
	case err = <-result:
	case <-h.Done():
		select {
		case err = <-result:
			// The last lines were scanned before the exit
		default:
			err = h.Err()
			if err == nil {
				err = errors.New("ssh exited before the tunnel came up")
			}
		}
	case <-k.stop:
		err = ErrKeeperClosed
	}

	if err != nil {
		h.Terminate(syscall.SIGTERM, stopGrace)
		k.mu.Lock()
		k.handle = nil
		k.mu.Unlock()
		return nil, err
	}

	k.mu.Lock()
	k.connected = true
	k.mu.Unlock()
	return h, nil
}

// hold waits while the tunnel is up. It returns false when the keeper was
// closed.
func (k *Keeper) hold(h *process.Handle) bool {
	var tick <-chan time.Time
	if k.opts.HealthInterval > 0 {
		ticker := time.NewTicker(k.opts.HealthInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	failures := 0
	for {
		select {
		case <-h.Done():
			k.setDisconnected()
			k.logger.Warn("Tunnel process exited", "error", h.Err())
			k.logEvent("disconnect", fmt.Sprint(h.Err()))
			return true

		case <-tick:
			if k.opts.Established(h.Pid()) {
				failures = 0
				continue
			}
			failures++
			k.logger.Debug("Tunnel health check failed", "failures", failures)
			if failures >= requiredHealthFailure {
				k.logger.Warn("Tunnel has no established connection, killing it")
				h.Kill()
			}

		case <-k.stop:
			h.Terminate(syscall.SIGTERM, stopGrace)
			k.setDisconnected()
			k.logEvent("close", "")
			return false
		}
	}
}

func (k *Keeper) setDisconnected() {
	k.mu.Lock()
	k.connected = false
	k.handle = nil
	k.mu.Unlock()
}

func (k *Keeper) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-k.stop:
		return false
	}
}

func (k *Keeper) logEvent(eventType, details string) {
	if k.opts.Events == nil {
		return
	}
	if err := k.opts.Events.LogTunnelEvent(k.name, eventType, details); err != nil {
		k.logger.Error("Failed to log tunnel event", "error", err)
	}
}

// scanSSHLine reports whether an ssh -v line means the forward is up, or
// which failure it names.
func scanSSHLine(line string) (up bool, failure error) {
	switch {
	case strings.Contains(line, "remote forward success"):
		return true, nil
	case strings.Contains(line, "remote port forwarding failed"):
		return false, fmt.Errorf("%w: %s", ErrForwardFailed, strings.TrimSpace(line))
	case strings.Contains(line, "Permission denied"):
		return false, errors.New("authentication failed")
	case strings.Contains(line, "Connection refused"):
		return false, errors.New("connection refused")
	case strings.Contains(line, "No route to host"):
		return false, errors.New("no route to host")
	case strings.Contains(line, "Connection timed out"):
		return false, errors.New("connection timed out")
	case strings.Contains(line, "Could not resolve hostname"):
		return false, errors.New("could not resolve hostname")
	case strings.Contains(line, "Host key verification failed"):
		return false, errors.New("host key verification failed")
	}
	return false, nil
}

// hasEstablishedTCPConnection reports whether pid holds an ESTABLISHED TCP
// connection.
func hasEstablishedTCPConnection(pid int) bool {
	conns, err := psnet.ConnectionsPid("tcp", int32(pid))
	if err != nil {
		slog.Debug("Failed to get connections for PID", "pid", pid, "error", err)
		return false
	}
	for _, conn := range conns {
		if conn.Status == "ESTABLISHED" {
			return true
		}
	}
	return false
}
