package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

// Secret resolution order, highest priority first:
//  1. OS keyring (service "chatrelay")
//  2. Environment variable (.env files are loaded into the environment)
//  3. config.yaml value
const (
	keyringService = "chatrelay"

	// KeyTelegramToken is the keyring entry for the Telegram bot token.
	KeyTelegramToken = "telegram_token"

	// KeyAPIKey is the keyring entry for the AI backend API key.
	KeyAPIKey = "api_key"
)

// KnownKeys lists the keyring entries chatrelay reads.
var KnownKeys = []string{KeyTelegramToken, KeyAPIKey}

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found or the keyring is unavailable.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// ResolveSecrets fills the bot token and API key following the
// keyring → environment → file order. Unresolved ${VAR} references are
// cleared so they are never sent as credentials.
func ResolveSecrets(cfg *Config, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg.Telegram.Token = resolveSecret("telegram token", cfg.Telegram.Token,
		KeyTelegramToken, []string{EnvTelegramToken}, logger)
	cfg.API.APIKey = resolveSecret("api key", cfg.API.APIKey,
		KeyAPIKey, []string{EnvAPIKey, EnvGeminiAPIKey}, logger)
}

func resolveSecret(label, fileValue, keyringKey string, envVars []string, logger *slog.Logger) string {
	if val := GetKeyring(keyringKey); val != "" {
		logger.Debug(label+" loaded from OS keyring")
		return val
	}
	for _, env := range envVars {
		if val := os.Getenv(env); val != "" {
			logger.Debug(label+" loaded from environment", "var", env)
			return val
		}
	}
	if fileValue != "" && !IsEnvReference(fileValue) {
		logger.Debug(label + " loaded from config file")
		return fileValue
	}
	return ""
}

// ReadSecret prompts for a secret without echo when stdin is a terminal,
// and reads a single line otherwise.
func ReadSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	var line string
	if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}
