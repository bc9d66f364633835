package cmd

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/camwarden/internal/daemon"
)

func NewStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the relay stream",
		Long: `Start the relay stream, starting the agent in the background first if it
is not running.

Starting while a crash is being recovered from is refused; use 'camwarden
restart' to override the recovery.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			ensureAgent()
			runCommand("START")
		},
	}
}

func NewStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the relay stream",
		Long: `Stop the relay stream. The process gets a grace period to exit before it
is killed. Any pending crash recovery is cancelled.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			runCommand("STOP")
		},
	}
}

func NewRestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the relay stream",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			ensureAgent()
			runCommand("RESTART")
		},
	}
}

func NewSnapshotCommand() *cobra.Command {
	var output string

	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Grab a single JPEG frame from the camera",
		Long: `Grab a single JPEG frame from the camera and write it to a file.

Use '-o -' to write the image to stdout.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response := runCommand("SNAPSHOT")

			var result daemon.SnapshotResult
			if err := response.DecodeData(&result); err != nil {
				slog.Error(fmt.Sprintf("Failed to read snapshot: %v", err))
				os.Exit(1)
			}
			path, err := writeSnapshot(result, output)
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to write snapshot: %v", err))
				os.Exit(1)
			}
			if path != "-" {
				slog.Info(fmt.Sprintf("Snapshot written to %s", path))
			}
		},
	}
	snapshotCmd.Flags().StringVarP(&output, "output", "o", "", "output file (default snapshot-<time>.jpg)")

	return snapshotCmd
}

// writeSnapshot decodes the image and writes it to output, picking a
// timestamped name when output is empty.
func writeSnapshot(result daemon.SnapshotResult, output string) (string, error) {
	image, err := base64.StdEncoding.DecodeString(result.Image)
	if err != nil {
		return "", fmt.Errorf("invalid image data: %w", err)
	}
	if output == "-" {
		_, err := os.Stdout.Write(image)
		return output, err
	}
	if output == "" {
		takenAt := result.TakenAt
		if takenAt.IsZero() {
			takenAt = time.Now()
		}
		output = fmt.Sprintf("snapshot-%s.jpg", takenAt.Format("20060102-150405"))
	}
	return output, os.WriteFile(output, image, 0o644)
}
