// Package stream supervises the relay process: it runs the stream state
// machine, classifies crashes and drives recovery.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"go.olrik.dev/camwarden/internal/core"
	"go.olrik.dev/camwarden/internal/process"
	"go.olrik.dev/camwarden/internal/store"
)

// Phase is the supervisor's lifecycle phase.
type Phase string

const (
	Stopped  Phase = "STOPPED"
	Starting Phase = "STARTING"
	Running  Phase = "RUNNING"
	Stopping Phase = "STOPPING"
)

var (
	ErrUnconfigured     = errors.New("stream is not configured")
	ErrErrorPending     = errors.New("an error is being handled, restart to override")
	ErrRestartFailed    = errors.New("restart failed")
	ErrSnapshotInFlight = errors.New("a snapshot is already being taken")
	ErrEmptySnapshot    = errors.New("snapshot produced no data")

	errUnexpectedExit = errors.New("exited with code 0 while streaming")
)

// ConfigSource hands out configuration snapshots.
type ConfigSource interface {
	Current() *core.Configuration
}

// KeyFunc resolves the relay stream key for a configuration.
type KeyFunc func(cfg *core.Configuration) (string, error)

// ConfigKey uses the key from the configuration file.
func ConfigKey(cfg *core.Configuration) (string, error) {
	return cfg.Output.Key, nil
}

// Options configures a Supervisor.
type Options struct {
	Store        store.Dispatcher
	StreamKey    KeyFunc
	Logger       *slog.Logger
	ProbeOptions []ProberOption
}

// State is a snapshot of the supervisor's state.
type State struct {
	Phase            Phase
	ErrorCode        ErrorCode
	Recovering       *Target
	RestartRequested bool
	Pid              int
}

// Supervisor owns the single streaming process.
type Supervisor struct {
	config    ConfigSource
	store     store.Dispatcher
	streamKey KeyFunc
	logger    *slog.Logger
	probeOpts []ProberOption

	mu               sync.Mutex
	phase            Phase
	errorCode        ErrorCode
	recovering       *Prober
	restartRequested bool
	restartWaiters   []chan error
	handle           *process.Handle
	graceTimer       *time.Timer
	stopDone         chan struct{}
	retryTimer       *time.Timer
	retryGen         uint64
	snapshotting     bool
}

// NewSupervisor creates a supervisor in the STOPPED phase.
func NewSupervisor(config ConfigSource, opts Options) *Supervisor {
	s := &Supervisor{
		config:    config,
		store:     opts.Store,
		streamKey: opts.StreamKey,
		logger:    opts.Logger,
		probeOpts: opts.ProbeOptions,
		phase:     Stopped,
	}
	if s.store == nil {
		s.store = store.Discard
	}
	if s.streamKey == nil {
		s.streamKey = ConfigKey
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := State{
		Phase:            s.phase,
		ErrorCode:        s.errorCode,
		RestartRequested: s.restartRequested,
	}
	if s.recovering != nil {
		target := s.recovering.Target()
		state.Recovering = &target
	}
	if s.handle != nil {
		state.Pid = s.handle.Pid()
	}
	return state
}

// Start spawns the streaming process. It is a no-op while the process is
// starting, running or stopping.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(false)
}

func (s *Supervisor) startLocked(fromRecovery bool) error {
	cfg := s.config.Current()
	if cfg == nil || !cfg.IsConfigured() {
		return ErrUnconfigured
	}
	if s.recovering != nil && !fromRecovery {
		return fmt.Errorf("%w: %s", ErrErrorPending, s.errorCode)
	}
	if s.phase != Stopped {
		return nil
	}
	s.cancelRetryLocked()

	key, err := s.streamKey(cfg)
	if err != nil {
		return fmt.Errorf("failed to resolve stream key: %w", err)
	}

	s.phase = Starting
	s.dispatch(store.RequestStart, nil)

	classify := classifyContext(cfg)
	h, err := process.Start(process.Spec{
		Label: "stream",
		Path:  cfg.Stream.Executable,
		Args:  streamArgs(cfg, key),
		OnStderr: func(line string) {
			s.logger.Debug(redact(line, key), "source", "stream")
		},
	})
	if err != nil {
		s.phase = Stopped
		s.recordErrorLocked(Classify(err, classify), err, key)
		return err
	}

	s.handle = h
	s.phase = Running
	s.errorCode = ""
	s.recovering = nil
	s.dispatch(store.SetStarted, store.StartedData{Pid: h.Pid()})
	s.logger.Info(fmt.Sprintf("Stream started (PID %d)", h.Pid()))

	go s.watch(h, classify, key)
	return nil
}

func (s *Supervisor) watch(h *process.Handle, classify ClassifyContext, key string) {
	<-h.Done()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != h {
		return
	}
	s.handle = nil

	classify.TerminationRequested = s.phase == Stopping
	class := Classify(h.Err(), classify)

	switch s.phase {
	case Stopping:
		s.logger.Debug("Stream exited after stop request", "code", class.Code)
		s.finishStopLocked()
		if s.restartRequested {
			s.restartRequested = false
			err := s.startLocked(false)
			for _, ch := range s.restartWaiters {
				ch <- err
			}
			s.restartWaiters = nil
		}

	case Running:
		s.phase = Stopped
		err := h.Err()
		if err == nil {
			err = errUnexpectedExit
		}
		s.recordErrorLocked(class, err, key)
		s.recoverLocked(class)
	}
}

func (s *Supervisor) recordErrorLocked(class Classification, err error, key string) {
	s.errorCode = class.Code
	message := redact(err.Error(), key)
	s.logger.Error(fmt.Sprintf("Stream failed: %s", class.Code.Description()), "code", class.Code, "error", message)
	s.dispatch(store.SetError, store.ErrorData{Code: string(class.Code), Message: message})
}

func (s *Supervisor) recoverLocked(class Classification) {
	switch {
	case class.Target != nil:
		var p *Prober
		opts := append([]ProberOption{WithProbeLogger(s.logger)}, s.probeOpts...)
		p = NewProber(*class.Target, func() { s.onProbeSuccess(p) }, opts...)
		s.recovering = p
		s.dispatch(store.TryReconnect, store.ReconnectData{Host: class.Target.Host, Port: class.Target.Port})
		s.logger.Info(fmt.Sprintf("Waiting for %s before restarting the stream", class.Target))
		go p.Run()

	case class.Code == Unknown:
		delay := s.config.Current().Stream.RetryDelay
		s.retryGen++
		gen := s.retryGen
		s.retryTimer = time.AfterFunc(delay, func() { s.retryAfterCrash(gen) })
		s.logger.Info(fmt.Sprintf("Restarting stream in %v", delay))

	default:
		s.logger.Warn("Stream will not be restarted automatically", "code", class.Code)
	}
}

func (s *Supervisor) onProbeSuccess(p *Prober) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recovering != p {
		return
	}
	s.dispatch(store.SetErrorResolved, nil)
	if err := s.startLocked(true); err != nil {
		s.logger.Error("Failed to restart stream after recovery", "error", err)
	}
	if s.recovering == p {
		s.recovering = nil
	}
}

func (s *Supervisor) retryAfterCrash(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.retryGen || s.phase != Stopped {
		return
	}
	s.retryTimer = nil
	if err := s.startLocked(false); err != nil {
		s.logger.Error("Failed to restart stream", "error", err)
	}
}

// Stop terminates the streaming process, force-killing it after the grace
// window. It also cancels any pending recovery.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.cancelRecoveryLocked()
	if s.phase != Running {
		s.mu.Unlock()
		return nil
	}
	done := s.beginStopLocked()
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) beginStopLocked() <-chan struct{} {
	h := s.handle
	grace := s.config.Current().Stream.GracePeriod

	s.phase = Stopping
	s.stopDone = make(chan struct{})
	s.dispatch(store.RequestStop, nil)

	if err := h.Signal(os.Interrupt); err != nil {
		s.logger.Warn("Failed to signal stream process, forcing kill", "error", err)
		h.Kill()
	}
	s.graceTimer = time.AfterFunc(grace, func() {
		if h.Exited() {
			return
		}
		s.logger.Warn(fmt.Sprintf("Stream did not exit within %v, forcing kill", grace))
		h.Kill()
	})
	return s.stopDone
}

func (s *Supervisor) finishStopLocked() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.phase = Stopped
	s.dispatch(store.SetStopped, nil)
	s.logger.Info("Stream stopped")
	if s.stopDone != nil {
		close(s.stopDone)
		s.stopDone = nil
	}
}

// Restart cancels any recovery in progress, stops the process and starts it
// again.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.dispatch(store.RequestRestart, nil)

	s.mu.Lock()
	s.cancelRecoveryLocked()

	if s.phase == Stopping {
		ch := make(chan error, 1)
		s.restartRequested = true
		s.restartWaiters = append(s.restartWaiters, ch)
		s.mu.Unlock()

		select {
		case err := <-ch:
			if err != nil {
				return fmt.Errorf("%w: %w", ErrRestartFailed, err)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var done <-chan struct{}
	if s.phase == Running {
		done = s.beginStopLocked()
	}
	s.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrRestartFailed, err)
	}
	return nil
}

func (s *Supervisor) cancelRecoveryLocked() {
	if s.recovering != nil {
		s.recovering.Cancel()
		s.recovering = nil
		s.dispatch(store.StopErrorHandling, nil)
	}
	s.cancelRetryLocked()
}

func (s *Supervisor) cancelRetryLocked() {
	s.retryGen++
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

func (s *Supervisor) dispatch(t store.ActionType, data any) {
	s.store.Dispatch(store.Action{Type: t, Data: data})
}

func classifyContext(cfg *core.Configuration) ClassifyContext {
	return ClassifyContext{
		SourceURL:  cfg.SourceURL(),
		CameraHost: cfg.Camera.Host,
		CameraPort: cfg.Camera.Port,
		OutputURL:  cfg.Output.URL,
	}
}

func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "****")
}
