package commands

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/config"
)

// newKeyringCmd creates `chatrelay keyring` for managing stored secrets.
func newKeyringCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keyring",
		Short: "Manage secrets in the OS keyring",
		Long: `Store or remove the Telegram token and the AI backend key in the
OS keyring. Keyring values take priority over environment variables and
the config file.

Keys: ` + strings.Join(config.KnownKeys, ", "),
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <key>",
			Short: "Store a secret (read without echo)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				key, err := knownKey(args[0])
				if err != nil {
					return err
				}
				value, err := config.ReadSecret(key + ": ")
				if err != nil {
					return err
				}
				if value == "" {
					return errors.New("empty value, nothing stored")
				}
				if err := config.StoreKeyring(key, value); err != nil {
					return fmt.Errorf("storing %s: %w", key, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s stored in the OS keyring\n", key)
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <key>",
			Short: "Remove a stored secret",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				key, err := knownKey(args[0])
				if err != nil {
					return err
				}
				if err := config.DeleteKeyring(key); err != nil {
					return fmt.Errorf("deleting %s: %w", key, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s removed from the OS keyring\n", key)
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show which secrets are stored",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				for _, key := range config.KnownKeys {
					state := "not set"
					if config.GetKeyring(key) != "" {
						state = "stored"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%-16s %s\n", key, state)
				}
			},
		},
	)
	return cmd
}

func knownKey(key string) (string, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	if !slices.Contains(config.KnownKeys, key) {
		return "", fmt.Errorf("unknown key %q (known: %s)", key, strings.Join(config.KnownKeys, ", "))
	}
	return key, nil
}
