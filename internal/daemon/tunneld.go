package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"go.olrik.dev/camwarden/internal/core"
	"go.olrik.dev/camwarden/internal/db"
	"go.olrik.dev/camwarden/internal/tunnel"
)

const TunnelDaemonName = "tunneld"

// TunnelDaemonOptions configures RunTunnelDaemon.
type TunnelDaemonOptions struct {
	Config     *core.Configuration
	SocketPath string
	Logger     *slog.Logger
	Database   *db.DB // Optional tunnel event log
	Executable string // ssh binary, defaults to "ssh"
	PIDFile    string // Written once the socket is bound
}

// RunTunnelDaemon serves the tunnel daemon until ctx is done. Every tunnel
// is closed before it returns.
func RunTunnelDaemon(ctx context.Context, opts TunnelDaemonOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	listener, err := tunnel.Listen(opts.SocketPath)
	if err != nil {
		return err
	}
	if opts.PIDFile != "" {
		removePID, err := WritePIDFile(opts.PIDFile)
		if err != nil {
			logger.Warn("PID file not written", "error", err)
		}
		defer removePID()
	}

	t := opts.Config.Tunnel
	serverOpts := tunnel.ServerOptions{
		Logger:     logger,
		Executable: opts.Executable,
		Tag:        opts.Config.ProcessTag(),
		Backoff: tunnel.Backoff{
			Initial: t.InitialBackoff,
			Max:     t.MaxBackoff,
			Factor:  t.BackoffFactor,
		},
		HealthInterval: t.HealthCheckInterval,
	}
	if opts.Database != nil {
		serverOpts.Events = opts.Database
		details := fmt.Sprintf("tunnel daemon started - version: %s, PID: %d", core.FormatVersion(core.Version), os.Getpid())
		if err := opts.Database.LogDaemonEvent(TunnelDaemonName, "start", details); err != nil {
			logger.Error("Failed to log tunnel daemon start", "error", err)
		}
	}

	err = tunnel.NewServer(serverOpts).Serve(ctx, listener)

	if opts.Database != nil {
		if err := opts.Database.LogDaemonEvent(TunnelDaemonName, "stop", fmt.Sprintf("tunnel daemon stopped - PID: %d", os.Getpid())); err != nil {
			logger.Error("Failed to log tunnel daemon stop", "error", err)
		}
		opts.Database.Flush()
	}
	return err
}

// WritePIDFile records the current PID at path. The returned function
// removes the file again.
func WritePIDFile(path string) (func(), error) {
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return func() {}, fmt.Errorf("failed to write PID file: %w", err)
	}
	return func() { os.Remove(path) }, nil
}
