package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/camwarden/internal/db"
)

func NewEventsCommand() *cobra.Command {
	var limit int

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent stream, tunnel and daemon events",
		Long: `Show recent events from the event log, oldest first.

Every stream state change, tunnel connect and reconnect, and daemon start and
stop is recorded.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response := runCommand(fmt.Sprintf("EVENTS %d", limit))

			var events []db.Event
			if err := response.DecodeData(&events); err != nil {
				slog.Error(fmt.Sprintf("Failed to read events: %v", err))
				os.Exit(1)
			}

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				renderEvents(os.Stdout, events)
			case "json":
				out, _ := json.MarshalIndent(events, "", "  ")
				fmt.Println(string(out))
			default:
				slog.Error(fmt.Sprintf("Unknown format %q", format))
				os.Exit(1)
			}
		},
	}
	eventsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events to show")
	eventsCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return eventsCmd
}

// renderEvents prints events oldest first. The agent returns them newest
// first.
func renderEvents(w io.Writer, events []db.Event) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events recorded")
		return
	}
	ordered := slices.Clone(events)
	slices.Reverse(ordered)

	for _, e := range ordered {
		subject := e.Source
		if e.Subject != "" {
			subject += "/" + e.Subject
		}
		line := fmt.Sprintf("%s  %-20s %s", e.Timestamp.Local().Format(time.DateTime), subject, e.EventType)
		if e.Details != "" {
			line += "  " + e.Details
		}
		fmt.Fprintln(w, line)
	}
}
