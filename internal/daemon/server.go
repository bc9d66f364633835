// Package daemon is the camwarden agent: it owns the stream supervisor and
// the tunnel broker, persists their state changes and serves the CLI over a
// unix socket.
package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.olrik.dev/camwarden/internal/core"
	"go.olrik.dev/camwarden/internal/db"
	"go.olrik.dev/camwarden/internal/master"
	"go.olrik.dev/camwarden/internal/store"
	"go.olrik.dev/camwarden/internal/stream"
	"go.olrik.dev/camwarden/internal/tunnel"
)

const (
	DaemonName = "agent"

	storeHistory      = 500
	persistBuffer     = 1024
	commandTimeout    = 30 * time.Second
	defaultEventLimit = 20
	defaultLogLines   = 20
)

var ErrNoEventLog = errors.New("event log is not available")

// Options configures the agent.
type Options struct {
	Config *core.Configuration
	Logger *slog.Logger
	Logs   *LogBroadcaster

	// Database receives every dispatched action. Optional.
	Database *db.DB

	// StreamKey resolves the relay key, defaulting to the config file.
	StreamKey stream.KeyFunc

	// TunnelSocket is the tunnel daemon's control socket.
	TunnelSocket string

	// Ports overrides the master/static remote port source.
	Ports tunnel.PortAllocator

	ControlOptions []tunnel.ControlOption
	ProbeOptions   []stream.ProberOption
}

// Daemon is the agent process. There is exactly one supervisor and one
// broker per Daemon, created in New.
type Daemon struct {
	holder     *core.Holder
	store      *store.Store
	supervisor *stream.Supervisor
	control    *tunnel.ControlClient
	broker     *tunnel.Broker
	database   *db.DB
	logs       *LogBroadcaster
	logger     *slog.Logger
	startedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc

	persistID    uint64
	persistDone  chan struct{}
	shutdownOnce sync.Once
}

// New wires the agent's components together. Nothing runs until Run.
func New(opts Options) *Daemon {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logs := opts.Logs
	if logs == nil {
		logs = NewLogBroadcaster(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		holder:   core.NewHolder(opts.Config),
		store:    store.New(storeHistory),
		database: opts.Database,
		logs:     logs,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}

	d.supervisor = stream.NewSupervisor(d.holder, stream.Options{
		Store:        d.store,
		StreamKey:    opts.StreamKey,
		Logger:       logger,
		ProbeOptions: opts.ProbeOptions,
	})

	controlOpts := append([]tunnel.ControlOption{tunnel.WithControlLogger(logger)}, opts.ControlOptions...)
	d.control = tunnel.NewControlClient(opts.TunnelSocket, controlOpts...)

	ports := opts.Ports
	if ports == nil {
		ports = master.NewAllocator(logger)
	}
	d.broker = tunnel.NewBroker(d.holder, d.control, ports, tunnel.BrokerOptions{
		Store:  d.store,
		Logger: logger,
	})
	return d
}

// Store exposes the agent's state store.
func (d *Daemon) Store() *store.Store {
	return d.store
}

// Run serves the control socket on listener until ctx is cancelled or a
// QUIT command arrives, then shuts down.
func (d *Daemon) Run(ctx context.Context, listener net.Listener) error {
	d.startedAt = time.Now()
	stop := context.AfterFunc(ctx, d.cancel)
	defer stop()

	d.publishConfig(d.holder.Current())

	if d.database != nil {
		details := fmt.Sprintf("agent started - version: %s, PID: %d", core.FormatVersion(core.Version), os.Getpid())
		if err := d.database.LogDaemonEvent(DaemonName, "start", details); err != nil {
			d.logger.Error("Failed to log agent start", "error", err)
		}
		d.persistActions()
	}

	go d.control.Run(d.ctx)
	d.watchConfig()
	d.autostart()

	go func() {
		<-d.ctx.Done()
		listener.Close()
	}()

	d.logger.Info(fmt.Sprintf("Agent listening on %s", listener.Addr()))
	for {
		conn, err := listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && d.ctx.Err() == nil {
				d.logger.Warn("Error accepting connection", "error", err)
			}
			break
		}
		go d.handleConnection(conn)
	}

	d.shutdown()
	return nil
}

// persistActions mirrors every store change into the event log.
func (d *Daemon) persistActions() {
	id, changes := d.store.SubscribeBuffered(false, persistBuffer)
	d.persistID = id
	d.persistDone = make(chan struct{})
	go func() {
		defer close(d.persistDone)
		for change := range changes {
			payload := ""
			if change.Action.Data != nil {
				if raw, err := json.Marshal(change.Action.Data); err == nil {
					payload = string(raw)
				}
			}
			if err := d.database.LogAction(string(change.Action.Type), payload, change.Action.Time); err != nil {
				d.logger.Warn("Failed to persist action", "action", change.Action.Type, "error", err)
			}
		}
	}()
}

// autostart starts the stream and connects the tunnels when configured to.
func (d *Daemon) autostart() {
	cfg := d.holder.Current()

	if cfg.Stream.Autostart && cfg.IsConfigured() {
		if err := d.supervisor.Start(d.ctx); err != nil {
			d.logger.Error("Failed to start stream", "error", err)
		}
	} else if !cfg.IsConfigured() {
		d.logger.Warn("Camera or output not configured, stream not started")
	}

	if cfg.Tunnel.Enabled && cfg.Tunnel.Autoconnect {
		go func() {
			// An unreachable tunnel daemon leaves the sessions marked for
			// reconnect, the broker connects once the channel comes up
			if err := d.broker.Connect(d.ctx); err != nil {
				d.logger.Warn("Tunnels not connected yet", "error", err)
			}
		}()
	}
}

func (d *Daemon) publishConfig(cfg *core.Configuration) {
	d.store.Dispatch(store.Action{Type: store.UpdateConfig, Data: store.ConfigData{
		Configured:     cfg.IsConfigured(),
		Source:         cfg.SourceURL(),
		Output:         cfg.Output.URL,
		TunnelsEnabled: cfg.Tunnel.Enabled,
	}})
}

// shutdown stops the stream and flushes the event log. Tunnels stay up in
// the tunnel daemon.
func (d *Daemon) shutdown() {
	d.shutdownOnce.Do(func() {
		d.logger.Info("Executing shutdown sequence...")
		d.cancel()
		d.broker.Close()

		grace := d.holder.Current().Stream.GracePeriod
		ctx, cancel := context.WithTimeout(context.Background(), grace+2*time.Second)
		defer cancel()
		if err := d.supervisor.Stop(ctx); err != nil {
			d.logger.Error("Failed to stop stream", "error", err)
		}

		if d.database == nil {
			return
		}
		if d.persistDone != nil {
			d.store.Unsubscribe(d.persistID)
			<-d.persistDone
		}
		if err := d.database.LogDaemonEvent(DaemonName, "stop", fmt.Sprintf("agent stopped - PID: %d", os.Getpid())); err != nil {
			d.logger.Error("Failed to log agent stop", "error", err)
		}
		if err := d.database.Flush(); err != nil {
			d.logger.Error("Failed to flush database during shutdown", "error", err)
		}
	})
}

func (d *Daemon) handleConnection(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		conn.Close()
		return
	}
	parts := strings.Fields(scanner.Text())
	if len(parts) == 0 {
		conn.Close()
		return
	}
	command, args := strings.ToUpper(parts[0]), parts[1:]

	if command == "LOGS" {
		d.handleLogs(conn, parseCount(args, defaultLogLines))
		conn.Close()
		return
	}

	if command != "STATUS" && command != "VERSION" {
		d.logger.Info(fmt.Sprintf("Executing command: %s", strings.Join(parts, " ")))
	}
	response := d.execute(command, args)
	conn.Write([]byte(response.ToJSON()))
	conn.Close()
}

// execute runs one control command.
func (d *Daemon) execute(command string, args []string) Response {
	ctx, cancel := context.WithTimeout(d.ctx, commandTimeout)
	defer cancel()

	var response Response
	switch command {
	case "START":
		if err := d.supervisor.Start(ctx); err != nil {
			response.AddError(err)
			break
		}
		response.AddMessage(fmt.Sprintf("Stream is %s", strings.ToLower(string(d.supervisor.State().Phase))), StatusInfo)

	case "STOP":
		if err := d.supervisor.Stop(ctx); err != nil {
			response.AddError(err)
			break
		}
		response.AddMessage("Stream stopped", StatusInfo)

	case "RESTART":
		if err := d.supervisor.Restart(ctx); err != nil {
			response.AddError(err)
			break
		}
		response.AddMessage("Stream restarted", StatusInfo)

	case "SNAPSHOT":
		image, err := d.supervisor.TakeSnapshot(ctx)
		if err != nil {
			response.AddError(err)
			break
		}
		response.AddMessage("OK", StatusInfo)
		response.AddData(SnapshotResult{Image: image, ContentType: "image/jpeg", TakenAt: time.Now()})

	case "CONNECT":
		if err := d.broker.Connect(ctx); err != nil {
			response.AddError(err)
			break
		}
		response.AddMessage("Tunnels connected", StatusInfo)

	case "DISCONNECT":
		if err := d.broker.Disconnect(ctx); err != nil {
			response.AddError(err)
			break
		}
		response.AddMessage("Tunnels disconnected", StatusInfo)

	case "RECONNECT":
		if err := d.broker.RestartTunnels(ctx); err != nil {
			response.AddError(err)
			break
		}
		response.AddMessage("Tunnels reconnected", StatusInfo)

	case "STATUS":
		response.AddMessage("OK", StatusInfo)
		response.AddData(d.status())

	case "EVENTS":
		if d.database == nil {
			response.AddError(ErrNoEventLog)
			break
		}
		events, err := d.database.GetRecentEvents(parseCount(args, defaultEventLimit))
		if err != nil {
			response.AddError(err)
			break
		}
		response.AddMessage("OK", StatusInfo)
		response.AddData(events)

	case "VERSION":
		response.AddMessage("OK", StatusInfo)
		response.AddData(map[string]any{
			"version": core.Version,
			"pid":     os.Getpid(),
		})

	case "QUIT":
		response.AddMessage("Stopping agent...", StatusInfo)
		d.cancel()

	default:
		response.AddMessage(fmt.Sprintf("Unknown command: %s", command), StatusError)
	}
	return response
}

func parseCount(args []string, fallback int) int {
	if len(args) == 0 {
		return fallback
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
