package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.olrik.dev/camwarden/internal/core"
	"go.olrik.dev/camwarden/internal/store"
)

// Status is a tunnel session's connection status.
type Status string

const (
	Disconnected  Status = "DISCONNECTED"
	Connecting    Status = "CONNECTING"
	Connected     Status = "CONNECTED"
	Disconnecting Status = "DISCONNECTING"
)

// Session names.
const (
	SessionSSH   = "ssh-control"
	SessionPanel = "camera-panel"
)

var (
	ErrTunnelsDisabled = errors.New("tunnels are disabled in configuration")
	ErrConflict        = errors.New("another tunnel operation is in progress")
	ErrNotConnected    = errors.New("tunnels are not connected")
	ErrInvalidPorts    = errors.New("invalid candidate ports")
)

const closeTimeout = 5 * time.Second

// Channel is the control channel to the tunnel daemon.
type Channel interface {
	IsConnected(ctx context.Context) error
	CreateTunnel(ctx context.Context, req CreateTunnelRequest) (int, error)
	CloseTunnel(ctx context.Context, localPort int) error
	OnConnect(fn func())
	OnDisconnect(fn func())
}

// PortAllocator hands out candidate remote ports, keyed by session name,
// for the configuration snapshot the calling operation captured.
type PortAllocator interface {
	CandidatePorts(ctx context.Context, cfg *core.Configuration) (map[string]int, error)
}

// ConfigSource hands out configuration snapshots.
type ConfigSource interface {
	Current() *core.Configuration
}

// Session is a snapshot of one tunnel session.
type Session struct {
	Name          string
	LocalHost     string
	LocalPort     int
	RemotePort    int
	Status        Status
	WillReconnect bool
	LastError     string
}

type session struct {
	Session
	busy bool
}

type target struct {
	name      string
	localHost string
	localPort int
}

// BrokerOptions configures a Broker.
type BrokerOptions struct {
	Store  store.Dispatcher
	Logger *slog.Logger
}

// Broker drives the tunnel sessions through the control channel.
type Broker struct {
	config  ConfigSource
	channel Channel
	ports   PortAllocator
	store   store.Dispatcher
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	sessions     map[string]*session
	order        []string
	reconnecting bool
}

// NewBroker creates a broker and subscribes it to the channel's connect and
// disconnect events.
func NewBroker(config ConfigSource, channel Channel, ports PortAllocator, opts BrokerOptions) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		config:   config,
		channel:  channel,
		ports:    ports,
		store:    opts.Store,
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
	if b.store == nil {
		b.store = store.Discard
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}

	channel.OnDisconnect(b.onChannelLost)
	channel.OnConnect(b.onChannelRestored)
	return b
}

// Close stops any automatic reconnect in progress.
func (b *Broker) Close() {
	b.cancel()
}

func sessionTargets(cfg *core.Configuration) []target {
	localSSH := cfg.Tunnel.LocalSSHPort
	if localSSH == 0 {
		localSSH = core.DefaultLocalSSHPort
	}
	panelHost := cfg.Camera.Host
	if panelHost == "" {
		panelHost = DefaultLocalHost
	}
	return []target{
		{name: SessionSSH, localHost: DefaultLocalHost, localPort: localSSH},
		{name: SessionPanel, localHost: panelHost, localPort: cfg.Camera.PanelPort},
	}
}

// Sessions returns the known sessions in creation order.
func (b *Broker) Sessions() []Session {
	b.mu.Lock()
	defer b.mu.Unlock()

	sessions := make([]Session, 0, len(b.order))
	for _, name := range b.order {
		sessions = append(sessions, b.sessions[name].Session)
	}
	return sessions
}

func (b *Broker) sessionLocked(name string) *session {
	s, ok := b.sessions[name]
	if !ok {
		s = &session{Session: Session{Name: name, Status: Disconnected}}
		b.sessions[name] = s
		b.order = append(b.order, name)
	}
	return s
}

// Connect creates both tunnels. It is a no-op when they are already
// connected and fails with ErrConflict while another operation is in flight.
func (b *Broker) Connect(ctx context.Context) error {
	cfg := b.config.Current()
	if cfg == nil || !cfg.Tunnel.Enabled {
		return ErrTunnelsDisabled
	}
	targets := sessionTargets(cfg)

	b.mu.Lock()
	allConnected := true
	for _, t := range targets {
		s := b.sessionLocked(t.name)
		if s.busy || s.Status == Connecting || s.Status == Disconnecting {
			b.mu.Unlock()
			return fmt.Errorf("%w: %s is %s", ErrConflict, s.Name, s.Status)
		}
		if s.Status != Connected {
			allConnected = false
		}
	}
	if allConnected {
		b.mu.Unlock()
		return nil
	}
	for _, t := range targets {
		s := b.sessions[t.name]
		s.busy = true
		s.LocalHost = t.localHost
		s.LocalPort = t.localPort
		s.LastError = ""
		b.setStatusLocked(s, Connecting)
	}
	b.mu.Unlock()

	b.logger.Info(fmt.Sprintf("Connecting tunnels to %s", cfg.Tunnel.Host))
	remotePorts, err := b.createTunnels(ctx, cfg, targets)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		message := errorMessage(err)
		retry := errors.Is(err, ErrChannelUnreachable) || errors.Is(err, ErrChannelLost)
		for _, t := range targets {
			s := b.sessions[t.name]
			s.busy = false
			s.RemotePort = 0
			s.LastError = message
			b.setStatusLocked(s, Disconnected)
			b.dispatch(store.SetTunnelError, store.TunnelErrorData{Session: s.Name, Error: message})
			if retry {
				b.setWillReconnectLocked(s, true)
			}
		}
		b.logger.Error("Failed to connect tunnels", "error", err)
		return err
	}

	for _, t := range targets {
		s := b.sessions[t.name]
		s.busy = false
		s.RemotePort = remotePorts[t.name]
		b.setWillReconnectLocked(s, false)
		b.setStatusLocked(s, Connected)
		b.dispatch(store.SetTunnelRemotePort, store.TunnelPortData{Session: s.Name, RemotePort: s.RemotePort})
		b.logger.Info(fmt.Sprintf("Tunnel %s connected: %s:%d -> remote port %d", s.Name, s.LocalHost, s.LocalPort, s.RemotePort))
	}
	return nil
}

// createTunnels requests the tunnels one at a time. When a request fails the
// tunnels already created are closed again.
func (b *Broker) createTunnels(ctx context.Context, cfg *core.Configuration, targets []target) (map[string]int, error) {
	if err := b.channel.IsConnected(ctx); err != nil {
		return nil, err
	}

	candidates, err := b.ports.CandidatePorts(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to get candidate ports: %w", err)
	}
	for _, t := range targets {
		port, ok := candidates[t.name]
		if !ok || port < 1 || port > 65535 {
			return nil, fmt.Errorf("%w: %s=%d", ErrInvalidPorts, t.name, port)
		}
	}

	created := make(map[string]int, len(targets))
	var opened []target
	for _, t := range targets {
		remotePort, err := b.channel.CreateTunnel(ctx, CreateTunnelRequest{
			Host:              cfg.Tunnel.Host,
			Username:          cfg.Tunnel.User,
			SSHPort:           cfg.Tunnel.Port,
			LocalHost:         t.localHost,
			LocalPort:         t.localPort,
			RemotePort:        candidates[t.name],
			Key:               cfg.Tunnel.KeyFile,
			KeepaliveInterval: cfg.Tunnel.KeepaliveInterval,
		})
		if err != nil {
			b.closeOpened(ctx, opened)
			return nil, fmt.Errorf("failed to create %s tunnel: %w", t.name, err)
		}
		created[t.name] = remotePort
		opened = append(opened, t)
	}
	return created, nil
}

func (b *Broker) closeOpened(ctx context.Context, opened []target) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()

	for _, t := range opened {
		b.logger.Debug(fmt.Sprintf("Closing %s tunnel after failed connect", t.name), "port", t.localPort)
		if err := b.channel.CloseTunnel(ctx, t.localPort); err != nil {
			b.logger.Warn(fmt.Sprintf("Failed to close %s tunnel", t.name), "error", err)
		}
	}
}

// Disconnect closes every tunnel. Sessions end up DISCONNECTED whatever the
// daemon answers.
func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if len(b.order) == 0 {
		b.mu.Unlock()
		return ErrNotConnected
	}
	for _, name := range b.order {
		s := b.sessions[name]
		if s.busy || s.Status != Connected {
			b.mu.Unlock()
			return fmt.Errorf("%w: %s is %s", ErrNotConnected, s.Name, s.Status)
		}
	}
	closing := make([]Session, 0, len(b.order))
	for _, name := range b.order {
		s := b.sessions[name]
		s.busy = true
		b.setStatusLocked(s, Disconnecting)
		closing = append(closing, s.Session)
	}
	b.mu.Unlock()

	failures := make(map[string]string)
	for _, s := range closing {
		if err := b.channel.CloseTunnel(ctx, s.LocalPort); err != nil {
			b.logger.Warn(fmt.Sprintf("Failed to close %s tunnel", s.Name), "error", err)
			failures[s.Name] = errorMessage(err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range closing {
		s := b.sessions[c.Name]
		s.busy = false
		s.RemotePort = 0
		if message, failed := failures[s.Name]; failed {
			s.LastError = message
			b.dispatch(store.SetTunnelError, store.TunnelErrorData{Session: s.Name, Error: message})
		}
		b.setStatusLocked(s, Disconnected)
	}
	b.logger.Info("Tunnels disconnected")
	return nil
}

// RestartTunnels disconnects, ignoring the outcome, and connects again.
func (b *Broker) RestartTunnels(ctx context.Context) error {
	if err := b.Disconnect(ctx); err != nil {
		b.logger.Debug("Disconnect before reconnect", "error", err)
	}
	return b.Connect(ctx)
}

func (b *Broker) onChannelLost() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, name := range b.order {
		s := b.sessions[name]
		if s.Status == Disconnecting || (s.Status == Disconnected && !s.WillReconnect) {
			continue
		}
		b.setWillReconnectLocked(s, true)
		if s.busy {
			// The operation in flight fails with ErrChannelLost and settles the status
			continue
		}
		s.RemotePort = 0
		s.LastError = ErrChannelLost.Error()
		b.dispatch(store.SetTunnelError, store.TunnelErrorData{Session: s.Name, Error: s.LastError})
		b.setStatusLocked(s, Disconnected)
	}
}

func (b *Broker) onChannelRestored() {
	b.mu.Lock()
	pending := false
	for _, name := range b.order {
		s := b.sessions[name]
		if s.WillReconnect {
			pending = true
			b.setWillReconnectLocked(s, false)
		}
	}
	if !pending || b.reconnecting {
		b.mu.Unlock()
		return
	}
	b.reconnecting = true
	b.mu.Unlock()

	go func() {
		defer func() {
			b.mu.Lock()
			b.reconnecting = false
			b.mu.Unlock()
		}()

		b.logger.Info("Tunnel daemon is back, reconnecting tunnels")
		if err := b.Connect(b.ctx); err != nil {
			b.logger.Warn("Automatic tunnel reconnect failed", "error", err)
		}
	}()
}

func (b *Broker) setStatusLocked(s *session, status Status) {
	s.Status = status
	b.dispatch(store.SetTunnelStatus, store.TunnelStatusData{
		Session:   s.Name,
		Status:    string(status),
		LocalPort: s.LocalPort,
	})
}

func (b *Broker) setWillReconnectLocked(s *session, willReconnect bool) {
	if s.WillReconnect == willReconnect {
		return
	}
	s.WillReconnect = willReconnect
	b.dispatch(store.SetTunnelWillReconnect, store.TunnelWillReconnectData{Session: s.Name, WillReconnect: willReconnect})
}

func (b *Broker) dispatch(t store.ActionType, data any) {
	b.store.Dispatch(store.Action{Type: t, Data: data})
}

// errorMessage prefers the daemon's own message.
func errorMessage(err error) string {
	var daemonErr *DaemonError
	if errors.As(err, &daemonErr) {
		return daemonErr.Message
	}
	return err.Error()
}
