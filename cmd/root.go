package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"go.olrik.dev/camwarden/internal/core"
	"go.olrik.dev/camwarden/internal/daemon"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	homeDir, _ := os.UserHomeDir()

	rootCmd := &cobra.Command{
		Use:   "camwarden",
		Short: "camwarden - camera relay and remote access agent",
		Long: `camwarden keeps a camera stream relayed to a streaming endpoint and
holds reverse SSH tunnels open so the device can be reached from the master
server.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := core.InitializeConfig(configPath, verbose); err != nil {
				return err
			}
			slog.SetDefault(daemon.NewLogger(core.Config.Verbose))
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config-path", filepath.Join(homeDir, core.BaseDirName),
		"config path",
	)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewAgentCommand(),
		NewTunnelDaemonCommand(),
		NewStartCommand(),
		NewStopCommand(),
		NewRestartCommand(),
		NewSnapshotCommand(),
		NewStatusCommand(),
		NewConnectCommand(),
		NewDisconnectCommand(),
		NewReconnectCommand(),
		NewLogsCommand(),
		NewEventsCommand(),
		NewKeyCommand(),
		NewQuitCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}

// agentNotRunning is shown by commands that need a running agent but do not
// start one themselves.
const agentNotRunning = "Agent is not running. Run 'camwarden agent' to start it in the foreground; 'camwarden start' also starts the stream."

// ensureAgent starts the agent in the background when it is not running.
func ensureAgent() {
	if err := daemon.EnsureRunning(core.GetSocketPath(), "agent", slog.Default()); err != nil {
		slog.Error(fmt.Sprintf("Fatal: %v", err))
		os.Exit(1)
	}
}

// runCommand sends command to the agent, logs the reply and exits non-zero
// when the agent reports an error.
func runCommand(command string) daemon.Response {
	response, err := daemon.SendCommand(command)
	if err != nil {
		slog.Error(agentNotRunning)
		os.Exit(1)
	}
	response.LogMessages(slog.Default())
	if response.Failed() {
		os.Exit(1)
	}
	return response
}
