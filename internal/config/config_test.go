package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.OpenAI.APIKey = "sk-test"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "gpt-4.1-mini", cfg.OpenAI.DefaultModel)
	assert.Equal(t, 0.1, cfg.OpenAI.Temperature)
	assert.Equal(t, 500000, cfg.OpenAI.MaxTokens)
	assert.Equal(t, 300, cfg.Proxy.CacheTTLSecs)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
}

func TestValidate_MissingAPIKey(t *testing.T) {
	cfg := DefaultConfig()

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")
}

func TestValidate_Valid(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "temperature too high",
			mutate:  func(c *Config) { c.OpenAI.Temperature = 1.5 },
			wantErr: "temperature",
		},
		{
			name:    "negative temperature",
			mutate:  func(c *Config) { c.OpenAI.Temperature = -0.1 },
			wantErr: "temperature",
		},
		{
			name:    "negative max tokens",
			mutate:  func(c *Config) { c.OpenAI.MaxTokens = -1 },
			wantErr: "max tokens",
		},
		{
			name:    "empty model",
			mutate:  func(c *Config) { c.OpenAI.DefaultModel = "" },
			wantErr: "model",
		},
		{
			name:    "proxy command without URL",
			mutate:  func(c *Config) { c.Proxy.Command = "/usr/local/bin/mcp-proxy"; c.Proxy.URL = "" },
			wantErr: "proxy URL",
		},
		{
			name:    "negative retention",
			mutate:  func(c *Config) { c.Session.RetentionDays = -1 },
			wantErr: "retention",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIsAllowedUser(t *testing.T) {
	cfg := validConfig()

	// Empty allow-list admits everyone
	assert.True(t, cfg.IsAllowedUser(42))

	cfg.Telegram.AllowedUsers = []int64{100, 200}
	assert.True(t, cfg.IsAllowedUser(100))
	assert.True(t, cfg.IsAllowedUser(200))
	assert.False(t, cfg.IsAllowedUser(42))
}

func TestTelegramConfigured(t *testing.T) {
	cfg := validConfig()
	assert.False(t, cfg.TelegramConfigured())

	cfg.Telegram.BotToken = "123:abc"
	assert.True(t, cfg.TelegramConfigured())
}

func TestString_RedactsSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Telegram.BotToken = "123:secret-token"
	cfg.Anthropic.APIKey = "sk-ant-test"

	out := cfg.String()
	assert.False(t, strings.Contains(out, "sk-test"))
	assert.False(t, strings.Contains(out, "secret-token"))
	assert.False(t, strings.Contains(out, "sk-ant-test"))
	assert.Contains(t, out, "[redacted]")
}
