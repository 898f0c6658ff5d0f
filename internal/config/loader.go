package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
	envFile    string
}

// NewLoader creates a new config loader. envFile may be empty, in which
// case ".env" in the working directory is used when present.
func NewLoader(configPath, envFile string) *Loader {
	return &Loader{
		configPath: configPath,
		envFile:    envFile,
	}
}

// Load loads the configuration: .env file first, then the optional JSON
// config file, then environment variable overrides.
func (l *Loader) Load() (*Config, error) {
	l.loadDotenv()

	v := viper.New()
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	configPath := l.GetConfigPath()
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType("json")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Allowed users arrive as a comma-separated env string
	if raw := v.GetString("telegram.allowed_users_raw"); raw != "" {
		users, err := ParseAllowedUsers(raw)
		if err != nil {
			return nil, err
		}
		cfg.Telegram.AllowedUsers = users
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".courier")
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "courier.log")
	}

	return cfg, nil
}

// loadDotenv loads the .env file if one exists. Missing files are not an
// error; the environment may already carry everything.
func (l *Loader) loadDotenv() {
	envFile := l.envFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err != nil {
		return
	}
	_ = godotenv.Load(envFile)
}

// bindEnv maps the documented environment variables onto config keys
func bindEnv(v *viper.Viper) error {
	bindings := map[string]string{
		"openai.api_key":             "OPENAI_API_KEY",
		"openai.default_model":       "OPENAI_DEFAULT_MODEL",
		"openai.temperature":         "OPENAI_TEMPERATURE",
		"openai.max_tokens":          "OPENAI_MAX_TOKENS",
		"anthropic.api_key":          "ANTHROPIC_API_KEY",
		"anthropic.model":            "ANTHROPIC_MODEL",
		"proxy.command":              "MCP_PROXY_COMMAND",
		"proxy.url":                  "MCP_PROXY_URL",
		"telegram.bot_token":         "TELEGRAM_BOT_TOKEN",
		"telegram.allowed_users_raw": "TELEGRAM_ALLOWED_USERS",
		"trace_file":                 "TRACE_FILE",
		"data_dir":                   "COURIER_DATA_DIR",
		"logging.level":              "COURIER_LOG_LEVEL",
	}

	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}
	return nil
}

// ParseAllowedUsers parses a comma-separated list of Telegram user IDs
func ParseAllowedUsers(raw string) ([]int64, error) {
	parts := strings.Split(raw, ",")
	users := make([]int64, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("TELEGRAM_ALLOWED_USERS entry %q is not a valid user ID", part)
		}
		users = append(users, id)
	}
	return users, nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".courier", "courier.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath, "")
	return loader.Load()
}
