package cmd

import (
	"github.com/spf13/cobra"
)

func NewConnectCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "connect",
		Aliases: []string{"c"},
		Short:   "Open the reverse tunnels to the master server",
		Long: `Open the ssh-control and camera-panel reverse tunnels. Remote ports come
from the master server, or from the tunnel block's remote_ports when no
master is configured.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			ensureAgent()
			runCommand("CONNECT")
		},
	}
}

func NewDisconnectCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "disconnect",
		Aliases: []string{"d"},
		Short:   "Close the reverse tunnels",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			runCommand("DISCONNECT")
		},
	}
}

func NewReconnectCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "reconnect",
		Aliases: []string{"r"},
		Short:   "Close and reopen the reverse tunnels",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			ensureAgent()
			runCommand("RECONNECT")
		},
	}
}
