package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/camwarden/internal/core"
	"go.olrik.dev/camwarden/internal/daemon"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Long:  `Show version of both client and agent (if running)`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			clientFormatted := core.FormatVersion(core.Version)
			fmt.Fprintf(os.Stderr, "Client version: %s\n", clientFormatted)

			response, err := daemon.SendCommand("VERSION")
			if err != nil {
				fmt.Fprintln(os.Stderr, "Agent: not running")
				return
			}

			var data struct {
				Version string `json:"version"`
				Pid     int    `json:"pid"`
			}
			if err := response.DecodeData(&data); err != nil || data.Version == "" {
				return
			}
			agentFormatted := core.FormatVersion(data.Version)
			fmt.Fprintf(os.Stderr, "Agent version: %s (PID %d)\n", agentFormatted, data.Pid)

			if data.Version != core.Version {
				slog.Warn(fmt.Sprintf("Version mismatch! Client %s and agent %s differ. Consider restarting the agent.", clientFormatted, agentFormatted))
			}
		},
	}
}
