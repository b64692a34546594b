package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables read on top of the config file.
const (
	EnvTelegramToken     = "TELEGRAM_BOT_TOKEN"
	EnvGeminiAPIKey      = "GEMINI_API_KEY"
	EnvAPIKey            = "CHATRELAY_API_KEY"
	EnvAPIBaseURL        = "CHATRELAY_API_BASE_URL"
	EnvModel             = "CHATRELAY_MODEL"
	EnvAllowedChannelIDs = "ALLOWED_CHANNEL_IDS"
	EnvPort              = "PORT"
)

// envVarPattern matches environment variable patterns in config values:
//   - ${VAR_NAME}          - simple variable
//   - ${VAR_NAME:-default} - default value if not set
//   - ${VAR_NAME:?error}   - error message if not set
//   - $VAR_NAME            - bare variable (no default/error support)
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Load reads the configuration. With an empty path the standard locations
// are searched; when no file exists the defaults are used. Environment
// overrides and secret resolution are applied in both cases.
func Load(path string, logger *slog.Logger) (*Config, string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loadEnvFiles()

	if path == "" {
		path = FindConfigFile()
	}

	cfg := DefaultConfig()
	if path != "" {
		loaded, err := LoadFile(path)
		if err != nil {
			return nil, "", err
		}
		cfg = loaded
		logger.Debug("config loaded", "path", path)
	} else {
		logger.Debug("no config file found, using defaults and environment")
	}

	applyEnvOverrides(cfg, logger)
	ResolveSecrets(cfg, logger)
	return cfg, path, nil
}

// LoadFile reads and parses a YAML configuration file, expanding
// environment variable references first.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVarsWithValidation(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	checkFilePermissions(path)
	return cfg, nil
}

// Parse parses YAML bytes into a Config, starting from the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as YAML with owner-only permissions. Secrets that match
// an environment variable are written as ${VAR} references, and an existing
// file is backed up to <path>.bak first.
func Save(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.Telegram.Token = sanitizeSecret(cfg.Telegram.Token, EnvTelegramToken)
	sanitized.API.APIKey = sanitizeSecret(cfg.API.APIKey, EnvGeminiAPIKey, EnvAPIKey)

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"chatrelay.yaml",
		"chatrelay.yml",
		"configs/config.yaml",
		"configs/chatrelay.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ParseChannelIDs parses a comma-separated list of chat IDs. Unparsable
// entries are dropped and reported in the error; non-negative IDs are kept
// but logged, since Telegram channel IDs are negative.
func ParseChannelIDs(s string, logger *slog.Logger) ([]int64, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var ids []int64
	var bad []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			bad = append(bad, part)
			continue
		}
		if id >= 0 {
			logger.Warn("channel ID is not negative; Telegram channel IDs usually are", "id", id)
		}
		ids = append(ids, id)
	}

	if len(bad) > 0 {
		return ids, fmt.Errorf("invalid channel IDs: %s", strings.Join(bad, ", "))
	}
	return ids, nil
}

// ---------- Internal ----------

// loadEnvFiles loads .env files without overwriting existing variables.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// applyEnvOverrides applies the plain (non-secret) environment overrides.
func applyEnvOverrides(cfg *Config, logger *slog.Logger) {
	if v := os.Getenv(EnvAllowedChannelIDs); v != "" {
		ids, err := ParseChannelIDs(v, logger)
		if err != nil {
			logger.Error("ALLOWED_CHANNEL_IDS contains invalid entries; they are ignored",
				"value", v, "error", err)
		}
		cfg.Telegram.AllowedChannelIDs = ids
	}
	if v := os.Getenv(EnvPort); v != "" {
		cfg.Gateway.Address = ":" + v
	}
	if v := os.Getenv(EnvAPIBaseURL); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv(EnvModel); v != "" {
		cfg.API.Model = v
	}
}

// expandEnvVars replaces ${VAR}, ${VAR:-default}, ${VAR:?error} and $VAR
// references with their environment values. Unset ${VAR:?error} references
// become an "ERROR:VAR:message" marker for expandEnvVarsWithValidation.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		varName, modifier, modValue, bareVar := sub[1], sub[2], sub[3], sub[4]

		if bareVar != "" {
			if val, ok := os.LookupEnv(bareVar); ok {
				return val
			}
			return match
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		switch modifier {
		case "?":
			if modValue == "" {
				modValue = "required environment variable not set"
			}
			return "ERROR:" + varName + ":" + modValue
		case "-":
			return modValue
		default:
			return match
		}
	})
}

// expandEnvVarsWithValidation is like expandEnvVars but fails when a
// ${VAR:?error} reference is unset.
func expandEnvVarsWithValidation(input string) (string, error) {
	result := expandEnvVars(input)
	idx := strings.Index(result, "ERROR:")
	if idx < 0 {
		return result, nil
	}

	rest := result[idx+len("ERROR:"):]
	varName, msg, ok := strings.Cut(rest, ":")
	if !ok {
		return "", fmt.Errorf("config error: malformed error marker")
	}
	if nl := strings.IndexByte(msg, '\n'); nl >= 0 {
		msg = msg[:nl]
	}
	return "", fmt.Errorf("config error: %s - %s", varName, strings.TrimSpace(msg))
}

// sanitizeSecret replaces a secret with a reference to the first env var
// holding the same value.
func sanitizeSecret(value string, envVars ...string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	for _, env := range envVars {
		if os.Getenv(env) == value {
			return "${" + env + "}"
		}
	}
	return value
}

// IsEnvReference checks if a string is an environment variable reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") || strings.HasPrefix(s, "$")
}

// checkFilePermissions warns if the config file is readable by others.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
