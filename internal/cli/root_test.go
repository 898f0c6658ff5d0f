package cli

import (
	"bytes"
	"testing"

	"github.com/feihe/courier/internal/config"
	"github.com/feihe/courier/pkg/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"--version"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		assert.Contains(t, output.String(), "courier version")
		assert.Contains(t, output.String(), version)
	})

	t.Run("help flag", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		helpText := output.String()
		assert.Contains(t, helpText, "Courier")
		assert.Contains(t, helpText, "chat")
		assert.Contains(t, helpText, "telegram")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "", logLevelFlag.DefValue)
	})

	t.Run("chat flags", func(t *testing.T) {
		cmd := GetRootCmd()
		chat, _, err := cmd.Find([]string{"chat"})
		require.NoError(t, err)

		for _, name := range []string{"no-stream", "model", "temperature", "max-tokens"} {
			assert.NotNil(t, chat.Flags().Lookup(name), "missing flag %s", name)
		}
	})

	t.Run("telegram flags", func(t *testing.T) {
		cmd := GetRootCmd()
		tg, _, err := cmd.Find([]string{"telegram"})
		require.NoError(t, err)

		assert.NotNil(t, tg.Flags().Lookup("metrics-addr"))
	})
}

func TestBuildProfiles(t *testing.T) {
	t.Run("openai only", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.OpenAI.APIKey = "sk-test"
		cfg.OpenAI.DefaultModel = "gpt-4o"

		profiles := buildProfiles(cfg)
		require.Len(t, profiles, 1)
		assert.Equal(t, "openai-primary", profiles[0].ID)
		assert.Equal(t, agent.ProviderOpenAI, profiles[0].Provider)
		assert.Equal(t, 0, profiles[0].Priority)
	})

	t.Run("anthropic fallback", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.OpenAI.APIKey = "sk-test"
		cfg.Anthropic.APIKey = "sk-ant-test"
		cfg.Anthropic.Model = "claude-sonnet-4-0"

		profiles := buildProfiles(cfg)
		require.Len(t, profiles, 2)
		assert.Equal(t, "anthropic-fallback", profiles[1].ID)
		assert.Equal(t, agent.ProviderAnthropic, profiles[1].Provider)
		assert.Equal(t, 1, profiles[1].Priority)
	})
}
