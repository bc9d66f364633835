package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"go.olrik.dev/camwarden/internal/core"
	"go.olrik.dev/camwarden/internal/daemon"
	"go.olrik.dev/camwarden/internal/db"
	"go.olrik.dev/camwarden/internal/keyring"
	"go.olrik.dev/camwarden/internal/stream"
	"go.olrik.dev/camwarden/internal/tunnel"
)

func NewAgentCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Run the camwarden agent in the foreground",
		Long: `Run the camwarden agent in the foreground.

The agent supervises the relay stream and drives the reverse tunnels through
the tunnel daemon. Other commands start it in the background when needed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := core.Config
			logs := daemon.NewLogBroadcaster(0)
			logger, closeLog := daemonLogger(filepath.Join(cfg.ConfigPath, core.LogFileName), cfg.Verbose, logs)
			defer closeLog()
			slog.SetDefault(logger)

			database := openDatabase(logger)
			if database != nil {
				defer database.Close()
			}

			keyFunc := stream.ConfigKey
			if cfg.Output.Key == "" {
				if store, err := keyring.Open(cfg.ConfigPath); err != nil {
					logger.Warn("Keyring unavailable, using the config file only", "error", err)
				} else {
					keyFunc = store.KeyFunc()
				}
			}

			if cfg.Tunnel.Enabled {
				if err := daemon.EnsureRunning(core.GetTunnelSocketPath(), "tunneld", logger); err != nil {
					logger.Warn("Tunnel daemon not started, tunnels connect once it is up", "error", err)
				}
			}

			listener, err := tunnel.Listen(core.GetSocketPath())
			if errors.Is(err, tunnel.ErrAlreadyRunning) {
				return errors.New("agent is already running")
			}
			if err != nil {
				return fmt.Errorf("could not create socket listener: %w", err)
			}
			removePID, err := daemon.WritePIDFile(core.GetPIDFilePath())
			if err != nil {
				logger.Warn("PID file not written", "error", err)
			}
			defer removePID()

			signal.Ignore(syscall.SIGHUP)
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			agent := daemon.New(daemon.Options{
				Config:       cfg,
				Logger:       logger,
				Logs:         logs,
				Database:     database,
				StreamKey:    keyFunc,
				TunnelSocket: core.GetTunnelSocketPath(),
			})
			return agent.Run(ctx, listener)
		},
	}
}

func NewTunnelDaemonCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tunneld",
		Short: "Run the tunnel daemon in the foreground",
		Long: `Run the tunnel daemon in the foreground.

The tunnel daemon owns the ssh processes holding the reverse tunnels open. It
keeps running when the agent restarts, so remote access survives agent
upgrades.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := core.Config
			logger, closeLog := daemonLogger(filepath.Join(cfg.ConfigPath, core.TunnelLogFileName), cfg.Verbose)
			defer closeLog()
			slog.SetDefault(logger)

			database := openDatabase(logger)
			if database != nil {
				defer database.Close()
			}

			signal.Ignore(syscall.SIGHUP)
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err := daemon.RunTunnelDaemon(ctx, daemon.TunnelDaemonOptions{
				Config:     cfg,
				SocketPath: core.GetTunnelSocketPath(),
				PIDFile:    core.GetTunnelPIDFilePath(),
				Logger:     logger,
				Database:   database,
			})
			if errors.Is(err, tunnel.ErrAlreadyRunning) {
				return errors.New("tunnel daemon is already running")
			}
			return err
		},
	}
}

// daemonLogger logs to stderr, the daemon's log file and any extra writer.
func daemonLogger(logPath string, verbose int, extra ...io.Writer) (*slog.Logger, func()) {
	writers := extra
	closeLog := func() {}
	if f, err := daemon.OpenLogFile(logPath); err != nil {
		slog.Warn("Logging to stderr only", "error", err)
	} else {
		writers = append(writers, f)
		closeLog = func() { f.Close() }
	}
	return daemon.NewLogger(verbose, writers...), closeLog
}

func openDatabase(logger *slog.Logger) *db.DB {
	path := core.GetDatabasePath()
	database, err := db.Open(path)
	if err != nil {
		logger.Error("Failed to open database, events will not be recorded", "error", err, "path", path)
		return nil
	}
	logger.Debug("Database opened", "path", path)
	return database
}
