package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/crypto/ssh"
)

const defaultSettleDelay = time.Second

var (
	ErrNoTunnel       = errors.New("No tunnel with this port.")
	ErrAlreadyRunning = errors.New("tunnel daemon is already running")
)

// ServerOptions configures the tunnel daemon.
type ServerOptions struct {
	Logger         *slog.Logger
	Executable     string        // ssh binary, defaults to "ssh"
	Tag            string        // Marks our keepers for orphan cleanup
	SettleDelay    time.Duration // Wait after a keeper connects before replying
	Backoff        Backoff
	HealthInterval time.Duration
	Events         EventLogger
	ValidateKey    func(path string) error
}

type entry struct {
	keeper     *Keeper
	localHost  string
	remotePort int
	ready      chan struct{}
	err        error
}

func (e *entry) matches(localHost string) bool {
	return e.localHost == DefaultLocalHost || e.localHost == localHost
}

// Server is the tunnel daemon. It owns one keeper per local port.
type Server struct {
	opts   ServerOptions
	logger *slog.Logger

	mu       sync.Mutex
	tunnels  map[int]*entry
	listener net.Listener
	conns    map[net.Conn]struct{}
}

// NewServer creates a tunnel daemon.
func NewServer(opts ServerOptions) *Server {
	if opts.SettleDelay == 0 {
		opts.SettleDelay = defaultSettleDelay
	}
	if opts.ValidateKey == nil {
		opts.ValidateKey = ValidateKeyFile
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		opts:    opts,
		logger:  opts.Logger,
		tunnels: make(map[int]*entry),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen creates the unix socket, replacing a stale socket file left by a
// daemon that died.
func Listen(socketPath string) (net.Listener, error) {
	listener, err := net.Listen("unix", socketPath)
	if err == nil {
		return listener, nil
	}
	if _, statErr := os.Stat(socketPath); statErr != nil {
		return nil, err
	}

	conn, dialErr := net.Dial("unix", socketPath)
	if dialErr == nil {
		conn.Close()
		return nil, ErrAlreadyRunning
	}
	slog.Info(fmt.Sprintf("Removing stale socket file: %s", socketPath))
	if err := os.Remove(socketPath); err != nil {
		return nil, fmt.Errorf("could not remove stale socket: %w", err)
	}
	return net.Listen("unix", socketPath)
}

// Serve accepts control connections until ctx is done, then closes every
// tunnel.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	if killed := s.CleanOrphans(); killed > 0 {
		s.logger.Info("Cleaned up orphan tunnels from previous daemon", "count", killed)
	}

	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	s.logger.Info(fmt.Sprintf("Tunnel daemon listening on %s", listener.Addr()))
	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Error("Error accepting connection", "error", err)
			}
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.closeConnections()
	wg.Wait()
	s.Shutdown()
	return nil
}

func (s *Server) closeConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

// Shutdown closes every tunnel.
func (s *Server) Shutdown() {
	s.mu.Lock()
	tunnels := s.tunnels
	s.tunnels = make(map[int]*entry)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for port, e := range tunnels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.logger.Info(fmt.Sprintf("Closing tunnel on port %d", port))
			e.keeper.Close()
		}()
	}
	wg.Wait()
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	s.logger.Debug("Control client connected")
	var writeMu sync.Mutex
	reply := func(msg Message) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := json.NewEncoder(conn).Encode(msg); err != nil {
			s.logger.Debug("Failed to write reply", "type", msg.Type, "error", err)
		}
	}

	var requests sync.WaitGroup
	defer requests.Wait()

	decoder := json.NewDecoder(conn)
	for {
		var msg Message
		if err := decoder.Decode(&msg); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("Control client read failed", "error", err)
			}
			return
		}
		requests.Add(1)
		go func() {
			defer requests.Done()
			if out, ok := s.handleMessage(ctx, msg); ok {
				reply(out)
			}
		}()
	}
}

func (s *Server) handleMessage(ctx context.Context, msg Message) (Message, bool) {
	var header struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(msg.Data, &header); err != nil || header.ID == "" {
		s.logger.Warn("Dropping request without id", "type", msg.Type)
		return Message{}, false
	}

	var (
		result any
		err    error
	)
	switch msg.Type {
	case EventCreateTunnel:
		var req CreateTunnelRequest
		if err = json.Unmarshal(msg.Data, &req); err == nil {
			result, err = s.CreateTunnel(ctx, req)
		}
	case EventCloseTunnel:
		var req CloseTunnelRequest
		if err = json.Unmarshal(msg.Data, &req); err == nil {
			err = s.CloseTunnel(req.Port)
		}
	default:
		err = fmt.Errorf("unknown event %q", msg.Type)
	}

	if err != nil {
		out, _ := newMessage(errorEvent(header.ID), err.Error())
		return out, true
	}
	out, encodeErr := newMessage(successEvent(header.ID), result)
	if encodeErr != nil {
		out, _ = newMessage(errorEvent(header.ID), encodeErr.Error())
	}
	return out, true
}

// CreateTunnel starts a keeper for req.LocalPort and returns the remote
// port once it is connected. Asking again for a live tunnel returns its
// remote port.
func (s *Server) CreateTunnel(ctx context.Context, req CreateTunnelRequest) (int, error) {
	if err := validateCreate(req); err != nil {
		return 0, err
	}
	localHost := req.LocalHost
	if localHost == "" {
		localHost = DefaultLocalHost
	}

	if req.Key != "" {
		if err := s.opts.ValidateKey(req.Key); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	existing, exists := s.tunnels[req.LocalPort]
	if exists && existing.matches(localHost) {
		s.mu.Unlock()
		select {
		case <-existing.ready:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		if existing.err != nil {
			return 0, existing.err
		}
		s.logger.Debug(fmt.Sprintf("Tunnel on port %d already exists", req.LocalPort))
		return existing.remotePort, nil
	}

	keeper := NewKeeper(KeeperSpec{
		Executable:        s.opts.Executable,
		Host:              req.Host,
		Username:          req.Username,
		SSHPort:           req.SSHPort,
		LocalHost:         localHost,
		LocalPort:         req.LocalPort,
		RemotePort:        req.RemotePort,
		KeyFile:           req.Key,
		KeepaliveInterval: req.KeepaliveInterval,
		Tag:               s.opts.Tag,
	}, KeeperOptions{
		Backoff:        s.opts.Backoff,
		HealthInterval: s.opts.HealthInterval,
		Logger:         s.logger,
		Events:         s.opts.Events,
	})
	e := &entry{keeper: keeper, localHost: localHost, remotePort: req.RemotePort, ready: make(chan struct{})}
	replaced := existing
	s.tunnels[req.LocalPort] = e
	s.mu.Unlock()

	if replaced != nil {
		s.logger.Info(fmt.Sprintf("Replacing tunnel on port %d (%s -> %s)", req.LocalPort, replaced.localHost, localHost))
		replaced.keeper.Close()
	}

	s.logger.Info(fmt.Sprintf("Creating tunnel %s:%d -> %s:%d", localHost, req.LocalPort, req.Host, req.RemotePort))
	err := s.startKeeper(ctx, keeper)
	if err != nil {
		s.mu.Lock()
		if s.tunnels[req.LocalPort] == e {
			delete(s.tunnels, req.LocalPort)
		}
		s.mu.Unlock()
		s.logger.Error(fmt.Sprintf("Failed to create tunnel on port %d", req.LocalPort), "error", err)
	}
	e.err = err
	close(e.ready)
	if err != nil {
		return 0, err
	}
	return req.RemotePort, nil
}

// startKeeper starts the keeper and waits the settle delay, making sure
// the tunnel did not drop right after it came up.
func (s *Server) startKeeper(ctx context.Context, keeper *Keeper) error {
	if err := keeper.Start(ctx); err != nil {
		return err
	}

	timer := time.NewTimer(s.opts.SettleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		keeper.Close()
		return ctx.Err()
	}

	if !keeper.Connected() {
		keeper.Close()
		return errors.New("tunnel dropped right after connecting")
	}
	return nil
}

// CloseTunnel stops the keeper on localPort.
func (s *Server) CloseTunnel(localPort int) error {
	s.mu.Lock()
	e, ok := s.tunnels[localPort]
	if ok {
		delete(s.tunnels, localPort)
	}
	s.mu.Unlock()

	if !ok {
		return ErrNoTunnel
	}
	s.logger.Info(fmt.Sprintf("Closing tunnel on port %d", localPort))
	e.keeper.Close()
	return nil
}

// Ports returns the local ports with a tunnel.
func (s *Server) Ports() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ports := make([]int, 0, len(s.tunnels))
	for port := range s.tunnels {
		ports = append(ports, port)
	}
	return ports
}

func validateCreate(req CreateTunnelRequest) error {
	switch {
	case req.Host == "":
		return errors.New("missing host")
	case req.LocalPort < 1 || req.LocalPort > 65535:
		return fmt.Errorf("invalid local port %d", req.LocalPort)
	case req.RemotePort < 1 || req.RemotePort > 65535:
		return fmt.Errorf("invalid remote port %d", req.RemotePort)
	}
	return nil
}

// ValidateKeyFile checks that path holds a private key ssh can use without
// a passphrase prompt.
func ValidateKeyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read key file: %w", err)
	}
	if _, err := ssh.ParseRawPrivateKey(data); err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return fmt.Errorf("key file %s is passphrase protected", path)
		}
		return fmt.Errorf("invalid key file %s: %w", path, err)
	}
	return nil
}

// CleanOrphans kills ssh processes carrying our tag that no keeper owns.
func (s *Server) CleanOrphans() int {
	if s.opts.Tag == "" {
		return 0
	}
	marker := ProcessMarker + "=" + s.opts.Tag

	procs, err := process.Processes()
	if err != nil {
		s.logger.Warn("Failed to list processes", "error", err)
		return 0
	}

	owned := make(map[int]bool)
	s.mu.Lock()
	for _, e := range s.tunnels {
		if pid := e.keeper.Pid(); pid != 0 {
			owned[pid] = true
		}
	}
	s.mu.Unlock()

	self := int32(os.Getpid())
	killed := 0
	for _, p := range procs {
		if p.Pid == self || owned[int(p.Pid)] {
			continue
		}
		cmdline, err := p.Cmdline()
		if err != nil || !strings.Contains(cmdline, marker) {
			continue
		}

		s.logger.Warn("Found orphan tunnel process, killing", "pid", p.Pid)
		if err := terminateOrphan(p); err != nil {
			s.logger.Error("Failed to kill orphan process", "pid", p.Pid, "error", err)
			continue
		}
		killed++
		if s.opts.Events != nil {
			s.opts.Events.LogTunnelEvent("_orphan", "orphan_killed", fmt.Sprintf("PID %d", p.Pid))
		}
	}
	return killed
}

func terminateOrphan(p *process.Process) error {
	if err := p.Terminate(); err != nil {
		return p.Kill()
	}
	deadline := time.Now().Add(stopGrace)
	for time.Now().Before(deadline) {
		running, err := p.IsRunning()
		if err != nil || !running {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return p.Kill()
}
