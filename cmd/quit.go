package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"go.olrik.dev/camwarden/internal/core"
	"go.olrik.dev/camwarden/internal/daemon"
)

func NewQuitCommand() *cobra.Command {
	var tunnels bool

	quitCmd := &cobra.Command{
		Use:     "quit",
		Aliases: []string{"exit", "shutdown"},
		Short:   "Stop the stream and shut down the agent",
		Long: `Stop the stream and shut down the agent. The tunnel daemon keeps the
reverse tunnels open unless --tunnels is given.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("QUIT")
			if err != nil {
				slog.Warn("Agent is not running")
			} else {
				response.LogMessages(slog.Default())
				if !waitForExit(func() bool {
					_, err := daemon.SendCommand("VERSION")
					return err != nil
				}) {
					slog.Warn("Agent did not shut down within timeout, but quit command was sent")
				}
			}

			if tunnels {
				if err := stopTunnelDaemon(); err != nil {
					slog.Error(err.Error())
					os.Exit(1)
				}
			}
		},
	}
	quitCmd.Flags().BoolVar(&tunnels, "tunnels", false, "also stop the tunnel daemon and close the tunnels")

	return quitCmd
}

// stopTunnelDaemon sends SIGTERM to the PID in the tunnel daemon's PID file
// and waits for its socket to go away.
func stopTunnelDaemon() error {
	data, err := os.ReadFile(core.GetTunnelPIDFilePath())
	if err != nil {
		slog.Warn("Tunnel daemon is not running")
		return nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("invalid tunnel daemon PID file: %w", err)
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal tunnel daemon (PID %d): %w", pid, err)
	}
	slog.Info("Stopping tunnel daemon and closing tunnels...")

	if !waitForExit(func() bool {
		_, err := os.Stat(core.GetTunnelSocketPath())
		return err != nil
	}) {
		slog.Warn("Tunnel daemon did not shut down within timeout")
	}
	return nil
}

func waitForExit(gone func() bool) bool {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
		if gone() {
			return true
		}
	}
	return false
}
