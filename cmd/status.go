package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/camwarden/internal/daemon"
)

func NewStatusCommand() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"s"},
		Short:   "Show the stream and tunnel status",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("STATUS")
			if err != nil {
				slog.Warn("Agent is not running.")
				return
			}

			var status daemon.Status
			if err := response.DecodeData(&status); err != nil {
				slog.Error(fmt.Sprintf("Failed to read status: %v", err))
				os.Exit(1)
			}

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				renderStatus(os.Stdout, status, time.Now())
			case "json":
				out, _ := json.MarshalIndent(status, "", "  ")
				fmt.Println(string(out))
			default:
				slog.Error(fmt.Sprintf("Unknown format %q", format))
				os.Exit(1)
			}
		},
	}
	statusCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return statusCmd
}

func renderStatus(w io.Writer, s daemon.Status, now time.Time) {
	fmt.Fprintf(w, "Agent: version %s, PID %d, up %s\n", s.Version, s.Pid, now.Sub(s.StartedAt).Round(time.Second))

	if !s.Configured {
		fmt.Fprintln(w, "Stream: not configured")
	} else {
		line := fmt.Sprintf("Stream: %s", s.Stream.Phase)
		if s.Stream.Pid != 0 {
			line += fmt.Sprintf(" (PID %d, up %s)", s.Stream.Pid, now.Sub(s.Stream.StartedAt).Round(time.Second))
		}
		fmt.Fprintln(w, line)
		if s.Stream.ErrorCode != "" {
			fmt.Fprintf(w, "  Error: %s: %s\n", s.Stream.ErrorCode, s.Stream.ErrorMessage)
		}
		if s.Recovering != "" {
			fmt.Fprintf(w, "  Waiting for %s before restarting\n", s.Recovering)
		}
		if s.Stream.Snapshot.Taking {
			fmt.Fprintln(w, "  Taking snapshot")
		}
	}

	channel := "connected"
	if !s.ControlChannel {
		channel = "not reachable"
	}
	fmt.Fprintf(w, "Tunnel daemon: %s\n", channel)

	if len(s.Tunnels) == 0 {
		fmt.Fprintln(w, "Tunnels: none")
		return
	}
	fmt.Fprintln(w, "Tunnels:")
	for _, t := range s.Tunnels {
		var details []string
		if t.RemotePort != 0 {
			details = append(details, fmt.Sprintf("remote port %d", t.RemotePort))
		}
		if t.WillReconnect {
			details = append(details, "will reconnect")
		}
		if t.LastError != "" {
			details = append(details, "last error: "+t.LastError)
		}
		line := fmt.Sprintf("  - %s %s:%d %s", t.Name, t.LocalHost, t.LocalPort, t.Status)
		if len(details) > 0 {
			line += " (" + strings.Join(details, ", ") + ")"
		}
		fmt.Fprintln(w, line)
	}
}
