package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultRequestTimeout = 2 * time.Second
	defaultRetryInterval  = 1500 * time.Millisecond
)

var (
	ErrChannelTimeout     = errors.New("tunnel daemon did not answer in time")
	ErrChannelUnreachable = errors.New("tunnel daemon is unreachable")
	ErrChannelLost        = errors.New("connection to tunnel daemon lost")
	ErrDaemonRejected     = errors.New("tunnel daemon rejected the request")
)

// DaemonError carries the message of an "error:<id>" reply.
type DaemonError struct {
	Message string
}

func (e *DaemonError) Error() string {
	return e.Message
}

func (e *DaemonError) Is(target error) bool {
	return target == ErrDaemonRejected
}

type reply struct {
	data json.RawMessage
	err  error
}

type pendingRequest struct {
	event    string
	deadline time.Time
	ch       chan reply // Buffered, receives exactly one reply
}

// ControlClient keeps a persistent connection to the tunnel daemon and
// correlates requests with their replies.
type ControlClient struct {
	socketPath    string
	timeout       time.Duration
	retryInterval time.Duration
	logger        *slog.Logger
	newID         func() string

	writeMu sync.Mutex

	mu           sync.Mutex
	conn         net.Conn
	connected    bool
	pending      map[string]*pendingRequest
	waiters      []chan error
	onConnect    []func()
	onDisconnect []func()
}

// ControlOption configures a ControlClient.
type ControlOption func(*ControlClient)

// WithRequestTimeout sets how long a request waits for its reply.
func WithRequestTimeout(d time.Duration) ControlOption {
	return func(c *ControlClient) { c.timeout = d }
}

// WithRetryInterval sets the delay between connection attempts.
func WithRetryInterval(d time.Duration) ControlOption {
	return func(c *ControlClient) { c.retryInterval = d }
}

// WithControlLogger sets the logger.
func WithControlLogger(logger *slog.Logger) ControlOption {
	return func(c *ControlClient) { c.logger = logger }
}

// NewControlClient creates a client for the daemon listening on socketPath.
// Call Run to connect.
func NewControlClient(socketPath string, opts ...ControlOption) *ControlClient {
	c := &ControlClient{
		socketPath:    socketPath,
		timeout:       defaultRequestTimeout,
		retryInterval: defaultRetryInterval,
		newID:         newRequestID,
		pending:       make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// newRequestID returns a time-ordered unique id.
func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// OnConnect registers fn to run every time the channel comes up.
func (c *ControlClient) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// OnDisconnect registers fn to run every time an established channel drops.
func (c *ControlClient) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

// Connected reports whether the channel is currently up.
func (c *ControlClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run connects to the daemon and keeps reconnecting until ctx is done.
func (c *ControlClient) Run(ctx context.Context) {
	dialer := &net.Dialer{}
	for {
		conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
		if err != nil {
			if ctx.Err() != nil {
				c.failWaiters(ErrChannelUnreachable)
				return
			}
			c.logger.Debug("Tunnel daemon not reachable", "socket", c.socketPath, "error", err)
			c.failWaiters(fmt.Errorf("%w: %v", ErrChannelUnreachable, err))
		} else {
			c.serve(ctx, conn)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.retryInterval):
		}
	}
}

func (c *ControlClient) serve(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	waiters := c.waiters
	c.waiters = nil
	callbacks := append([]func(){}, c.onConnect...)
	c.mu.Unlock()

	c.logger.Info("Connected to tunnel daemon")
	for _, ch := range waiters {
		ch <- nil
	}
	for _, fn := range callbacks {
		fn()
	}

	c.readLoop(conn)

	c.mu.Lock()
	c.conn = nil
	c.connected = false
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	callbacks = append([]func(){}, c.onDisconnect...)
	c.mu.Unlock()

	conn.Close()
	if ctx.Err() == nil {
		c.logger.Warn("Connection to tunnel daemon lost")
	}
	for _, p := range pending {
		p.ch <- reply{err: ErrChannelLost}
	}
	for _, fn := range callbacks {
		fn()
	}
}

func (c *ControlClient) readLoop(conn net.Conn) {
	decoder := json.NewDecoder(conn)
	for {
		var msg Message
		if err := decoder.Decode(&msg); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug("Control channel read failed", "error", err)
			}
			return
		}

		id, success, ok := parseReply(msg.Type)
		if !ok {
			c.logger.Debug("Ignoring unexpected control message", "type", msg.Type)
			continue
		}
		if success {
			c.resolve(id, reply{data: msg.Data})
			continue
		}

		var text string
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &text); err != nil {
				text = string(msg.Data)
			}
		}
		if text == "" {
			text = "unknown error"
		}
		c.resolve(id, reply{err: &DaemonError{Message: text}})
	}
}

func (c *ControlClient) failWaiters(err error) {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- err
	}
}

// IsConnected returns nil once the channel is up. It waits for the next
// connection attempt and fails if that attempt does not succeed.
func (c *ControlClient) IsConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	ch := make(chan error, 1)
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolve delivers r to the pending request id, if it is still pending.
func (c *ControlClient) resolve(id string, r reply) {
	c.mu.Lock()
	p, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("Dropping reply for unknown or expired request", "id", id)
		return
	}
	p.ch <- r
}

// retire removes a pending request. It reports false when a reply already
// claimed it.
func (c *ControlClient) retire(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	return ok
}

func (c *ControlClient) request(ctx context.Context, event, id string, payload any) (json.RawMessage, error) {
	msg, err := newMessage(event, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan reply, 1)
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrChannelUnreachable
	}
	if _, exists := c.pending[id]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("duplicate request id %s", id)
	}
	c.pending[id] = &pendingRequest{event: event, deadline: time.Now().Add(c.timeout), ch: ch}
	conn := c.conn
	c.mu.Unlock()

	if err := c.write(conn, msg); err != nil {
		if c.retire(id) {
			return nil, fmt.Errorf("%w: %v", ErrChannelLost, err)
		}
		r := <-ch
		return r.data, r.err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.data, r.err
	case <-timer.C:
		if c.retire(id) {
			return nil, fmt.Errorf("%w: %s %s", ErrChannelTimeout, event, id)
		}
	case <-ctx.Done():
		if c.retire(id) {
			return nil, ctx.Err()
		}
	}
	// A reply won the race against the timer
	r := <-ch
	return r.data, r.err
}

func (c *ControlClient) write(conn net.Conn, msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return json.NewEncoder(conn).Encode(msg)
}

// CreateTunnel asks the daemon for a reverse tunnel and returns the remote
// port it confirmed.
func (c *ControlClient) CreateTunnel(ctx context.Context, req CreateTunnelRequest) (int, error) {
	req.ID = c.newID()
	req.Reverse = true
	if req.LocalHost == "" {
		req.LocalHost = DefaultLocalHost
	}

	data, err := c.request(ctx, EventCreateTunnel, req.ID, req)
	if err != nil {
		return 0, err
	}

	port := req.RemotePort
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &port); err != nil {
			return 0, fmt.Errorf("invalid remote port in reply: %w", err)
		}
	}
	return port, nil
}

// CloseTunnel asks the daemon to close the tunnel bound to localPort.
func (c *ControlClient) CloseTunnel(ctx context.Context, localPort int) error {
	id := c.newID()
	_, err := c.request(ctx, EventCloseTunnel, id, CloseTunnelRequest{ID: id, Port: localPort})
	return err
}
