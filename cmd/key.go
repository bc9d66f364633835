package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/camwarden/internal/core"
	"go.olrik.dev/camwarden/internal/keyring"
)

func NewKeyCommand() *cobra.Command {
	keyCmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the stored relay stream key",
		Long: `Store or delete the relay stream key in the system keyring. The key in
the output block of config.hcl takes precedence when set.

On devices without a keyring daemon an encrypted file in the config directory
is used; set ` + keyring.PasswordEnv + ` to unlock it non-interactively.`,
	}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Store the stream key",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			store := openKeyring()
			key, err := keyring.PromptStreamKey()
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to read stream key: %v", err))
				os.Exit(1)
			}
			if err := store.SetStreamKey(key); err != nil {
				slog.Error(fmt.Sprintf("Failed to store stream key: %v", err))
				os.Exit(1)
			}
			slog.Info("Stream key stored. Run 'camwarden restart' to use it.")
		},
	}

	deleteCmd := &cobra.Command{
		Use:     "delete",
		Aliases: []string{"del", "rm"},
		Short:   "Delete the stored stream key",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			store := openKeyring()
			if err := store.DeleteStreamKey(); err != nil {
				if errors.Is(err, keyring.ErrNoStreamKey) {
					slog.Warn("No stream key stored")
					return
				}
				slog.Error(fmt.Sprintf("Failed to delete stream key: %v", err))
				os.Exit(1)
			}
			slog.Info("Stream key deleted")
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show where the stream key comes from",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			switch {
			case core.Config.Output.Key != "":
				fmt.Println("Stream key: set in config.hcl")
			case openKeyring().HasStreamKey():
				fmt.Println("Stream key: stored in keyring")
			default:
				fmt.Println("Stream key: not set")
			}
		},
	}

	keyCmd.AddCommand(setCmd, deleteCmd, statusCmd)
	return keyCmd
}

func openKeyring() *keyring.Store {
	store, err := keyring.Open(core.Config.ConfigPath)
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	return store
}
