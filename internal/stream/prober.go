package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"
)

const (
	defaultProbeTimeout  = time.Second
	defaultProbeInterval = time.Second
)

// Prober waits for a TCP target to become reachable and then calls onSuccess
// exactly once. It is cancellable at any point.
type Prober struct {
	target    Target
	onSuccess func()
	timeout   time.Duration
	interval  time.Duration
	logger    *slog.Logger
	dial      func(ctx context.Context, network, address string) (net.Conn, error)

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	cancelled bool
	attempts  int
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithProbeTimeout sets the per-attempt connect timeout.
func WithProbeTimeout(d time.Duration) ProberOption {
	return func(p *Prober) { p.timeout = d }
}

// WithProbeInterval sets the delay between failed attempts.
func WithProbeInterval(d time.Duration) ProberOption {
	return func(p *Prober) { p.interval = d }
}

// WithProbeLogger sets the logger.
func WithProbeLogger(logger *slog.Logger) ProberOption {
	return func(p *Prober) { p.logger = logger }
}

// NewProber creates a prober for target. Call Run to start probing.
func NewProber(target Target, onSuccess func(), opts ...ProberOption) *Prober {
	p := &Prober{
		target:    target,
		onSuccess: onSuccess,
		timeout:   defaultProbeTimeout,
		interval:  defaultProbeInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	dialer := &net.Dialer{Timeout: p.timeout}
	p.dial = dialer.DialContext
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Target returns the probed address.
func (p *Prober) Target() Target {
	return p.target
}

// Attempts returns how many connects have been tried so far.
func (p *Prober) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// Run probes until the target is reachable or the prober is cancelled. It
// blocks; callers run it in its own goroutine.
func (p *Prober) Run() {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-timer.C:
		}

		if p.probe() {
			p.mu.Lock()
			if p.cancelled {
				p.mu.Unlock()
				return
			}
			p.cancelled = true
			p.mu.Unlock()

			p.logger.Info(fmt.Sprintf("%s is reachable again", p.target))
			p.cancel()
			p.onSuccess()
			return
		}
		timer.Reset(p.interval)
	}
}

func (p *Prober) probe() bool {
	p.mu.Lock()
	p.attempts++
	attempt := p.attempts
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", p.target.Address())
	if err == nil {
		conn.Close()
		return true
	}

	// The peer accepted and dropped us: it is up, it just does not speak to
	// bare probes.
	if errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	if p.ctx.Err() == nil {
		p.logger.Debug(fmt.Sprintf("Probe %d of %s failed", attempt, p.target), "error", err)
	}
	return false
}

// Cancel stops probing. When it returns true, onSuccess will never be
// called; false means a success was already claimed.
func (p *Prober) Cancel() bool {
	p.mu.Lock()
	pending := !p.cancelled
	p.cancelled = true
	p.mu.Unlock()

	p.cancel()
	return pending
}
