package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/config"
)

// newSetupCmd creates the `chatrelay setup` command for interactive configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard that writes config.yaml.
Asks for the bot name, Telegram token, AI backend key, model and the
channels the bot may answer in. Secrets can be stored in the OS keyring
so the config file only holds ${VAR} references.

Examples:
  chatrelay setup
  chatrelay setup --config ./configs/chatrelay.yaml`,
		Args: cobra.NoArgs,
		RunE: runSetup,
	}
}

// setupAnswers holds the wizard's raw input.
type setupAnswers struct {
	name       string
	token      string
	apiKey     string
	model      string
	channelIDs string
	useKeyring bool
	path       string
}

func runSetup(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = "config.yaml"
	}

	cfg := config.DefaultConfig()
	ans := setupAnswers{
		name:       cfg.Name,
		model:      cfg.API.Model,
		useKeyring: true,
		path:       path,
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("chatrelay setup").
				Description("Relay Telegram chats to an AI backend."),
			huh.NewInput().
				Title("Bot name").
				Description("Used in greetings when Telegram reports no username.").
				Value(&ans.name),
			huh.NewInput().
				Title("Telegram bot token").
				Description("From @BotFather. Leave empty to use TELEGRAM_BOT_TOKEN.").
				EchoMode(huh.EchoModePassword).
				Value(&ans.token),
			huh.NewInput().
				Title("AI backend API key").
				Description("Leave empty to use GEMINI_API_KEY.").
				EchoMode(huh.EchoModePassword).
				Value(&ans.apiKey),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Model").
				Options(huh.NewOptions("gemini-2.0-flash", "gemini-1.5-flash", "gemini-1.5-pro")...).
				Value(&ans.model),
			huh.NewInput().
				Title("Allowed channel IDs").
				Description("Comma-separated, e.g. -1001234567890. Empty disables channels.").
				Validate(func(s string) error {
					_, err := config.ParseChannelIDs(s, nil)
					return err
				}).
				Value(&ans.channelIDs),
			huh.NewConfirm().
				Title("Store secrets in the OS keyring?").
				Description("Otherwise they are written to the config file (mode 0600).").
				Value(&ans.useKeyring),
			huh.NewInput().
				Title("Config file").
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("path is required")
					}
					return nil
				}).
				Value(&ans.path),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Fprintln(cmd.ErrOrStderr(), "Setup cancelled.")
			return nil
		}
		return fmt.Errorf("setup wizard: %w", err)
	}

	if err := applySetup(cfg, ans); err != nil {
		return err
	}
	if err := config.Save(cfg, ans.path); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nConfig written to %s\n", ans.path)
	fmt.Fprintln(out, "Start the relay with: chatrelay serve")
	return nil
}

// applySetup copies the wizard answers into cfg. With the keyring enabled
// secrets go there and the file keeps ${VAR} references.
func applySetup(cfg *config.Config, ans setupAnswers) error {
	if name := strings.TrimSpace(ans.name); name != "" {
		cfg.Name = name
	}
	if ans.model != "" {
		cfg.API.Model = ans.model
	}

	ids, err := config.ParseChannelIDs(ans.channelIDs, nil)
	if err != nil {
		return err
	}
	cfg.Telegram.AllowedChannelIDs = ids

	cfg.Telegram.Token = "${" + config.EnvTelegramToken + "}"
	cfg.API.APIKey = "${" + config.EnvGeminiAPIKey + "}"

	secrets := []struct {
		value string
		key   string
		field *string
	}{
		{strings.TrimSpace(ans.token), config.KeyTelegramToken, &cfg.Telegram.Token},
		{strings.TrimSpace(ans.apiKey), config.KeyAPIKey, &cfg.API.APIKey},
	}
	for _, s := range secrets {
		if s.value == "" {
			continue
		}
		if ans.useKeyring {
			err := config.StoreKeyring(s.key, s.value)
			if err == nil {
				continue
			}
			fmt.Fprintf(os.Stderr, "  [!] keyring unavailable (%v); writing %s to the config file\n", err, s.key)
		}
		*s.field = s.value
	}
	return nil
}
