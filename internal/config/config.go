package config

import (
	"encoding/json"
	"fmt"
)

// Config is the root Courier configuration. It is built once at process
// start and passed by reference; nothing reads the process environment
// after loading.
type Config struct {
	// OpenAI holds the primary model provider settings
	OpenAI OpenAIConfig `json:"openai" mapstructure:"openai"`

	// Anthropic holds the optional fallback provider settings
	Anthropic AnthropicConfig `json:"anthropic" mapstructure:"anthropic"`

	// Proxy holds the MCP tool proxy subprocess settings
	Proxy ProxyConfig `json:"proxy" mapstructure:"proxy"`

	// Telegram holds the bot settings
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Session holds conversation persistence settings
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// TraceFile is an optional append-only trace log path
	TraceFile string `json:"trace_file" mapstructure:"trace_file"`
}

// OpenAIConfig holds OpenAI provider configuration
type OpenAIConfig struct {
	APIKey       string  `json:"api_key" mapstructure:"api_key"`
	DefaultModel string  `json:"default_model" mapstructure:"default_model"`
	Temperature  float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens    int     `json:"max_tokens" mapstructure:"max_tokens"`
}

// AnthropicConfig holds the optional Anthropic fallback profile
type AnthropicConfig struct {
	APIKey string `json:"api_key" mapstructure:"api_key"`
	Model  string `json:"model" mapstructure:"model"`
}

// ProxyConfig holds the MCP proxy subprocess configuration. The command
// is spawned with the upstream URL as its single argument.
type ProxyConfig struct {
	Command      string `json:"command" mapstructure:"command"`
	URL          string `json:"url" mapstructure:"url"`
	CacheTTLSecs int    `json:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	BotToken     string  `json:"bot_token" mapstructure:"bot_token"`
	AllowedUsers []int64 `json:"allowed_users" mapstructure:"allowed_users"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// SessionConfig holds conversation persistence settings
type SessionConfig struct {
	RetentionDays   int    `json:"retention_days" mapstructure:"retention_days"`
	CleanupSchedule string `json:"cleanup_schedule" mapstructure:"cleanup_schedule"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		OpenAI: OpenAIConfig{
			DefaultModel: "gpt-4.1-mini",
			Temperature:  0.1,
			MaxTokens:    500000,
		},
		Anthropic: AnthropicConfig{
			Model: "claude-sonnet-4",
		},
		Proxy: ProxyConfig{
			CacheTTLSecs: 300,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
		Session: SessionConfig{
			RetentionDays:   30,
			CleanupSchedule: "0 3 * * *",
		},
	}
}

// String returns a JSON representation of the config with secrets redacted
func (c *Config) String() string {
	clone := *c
	if clone.OpenAI.APIKey != "" {
		clone.OpenAI.APIKey = "[redacted]"
	}
	if clone.Anthropic.APIKey != "" {
		clone.Anthropic.APIKey = "[redacted]"
	}
	if clone.Telegram.BotToken != "" {
		clone.Telegram.BotToken = "[redacted]"
	}
	data, _ := json.MarshalIndent(&clone, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid. A missing OpenAI API
// key is fatal: callers abort before any prompt is accepted.
func (c *Config) Validate() error {
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is not set: configure it in the environment or a .env file")
	}

	if c.OpenAI.DefaultModel == "" {
		return fmt.Errorf("default model cannot be empty")
	}
	if c.OpenAI.Temperature < 0 || c.OpenAI.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %v", c.OpenAI.Temperature)
	}
	if c.OpenAI.MaxTokens < 0 {
		return fmt.Errorf("max tokens cannot be negative, got %d", c.OpenAI.MaxTokens)
	}

	if c.Proxy.Command != "" && c.Proxy.URL == "" {
		return fmt.Errorf("proxy URL is required when a proxy command is configured")
	}
	if c.Proxy.CacheTTLSecs < 0 {
		return fmt.Errorf("proxy cache TTL cannot be negative")
	}

	if c.Session.RetentionDays < 0 {
		return fmt.Errorf("session retention days cannot be negative")
	}

	return nil
}

// TelegramConfigured reports whether the bot can be started
func (c *Config) TelegramConfigured() bool {
	return c.Telegram.BotToken != ""
}

// IsAllowedUser reports whether a Telegram user may talk to the bot.
// An empty allow-list admits everyone.
func (c *Config) IsAllowedUser(userID int64) bool {
	return c.Telegram.IsAllowedUser(userID)
}

// IsAllowedUser reports whether a user passes the allow-list. An empty
// list admits everyone.
func (t TelegramConfig) IsAllowedUser(userID int64) bool {
	if len(t.AllowedUsers) == 0 {
		return true
	}
	for _, id := range t.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}
