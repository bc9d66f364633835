package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/camwarden/internal/core"
	"go.olrik.dev/camwarden/internal/daemon"
)

func NewLogsCommand() *cobra.Command {
	var lines int

	logsCmd := &cobra.Command{
		Use:     "logs",
		Aliases: []string{"log"},
		Short:   "Stream agent logs in real-time",
		Long: `Stream agent logs in real-time, starting with recent history.

Press Ctrl+C to exit. Reconnects when the agent restarts.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if _, err := daemon.SendCommand("VERSION"); err != nil {
				slog.Error(agentNotRunning)
				os.Exit(1)
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigChan
				os.Exit(0)
			}()

			history := lines
			for {
				err := daemon.StreamCommand(core.GetSocketPath(), fmt.Sprintf("LOGS %d", history), os.Stdout)
				if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					slog.Debug("Log stream ended", "error", err)
				}

				// Only new lines after a reconnect
				history = 0
				fmt.Fprintln(os.Stderr, "Agent connection lost, reconnecting...")
				for {
					time.Sleep(500 * time.Millisecond)
					if _, err := daemon.SendCommand("VERSION"); err == nil {
						break
					}
				}
			}
		},
	}
	logsCmd.Flags().IntVarP(&lines, "lines", "n", 20, "number of history lines to show")

	return logsCmd
}
