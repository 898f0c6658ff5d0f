package cli

import (
	"os"

	"github.com/feihe/courier/internal/console"
	"github.com/spf13/cobra"
)

var (
	chatNoStream    bool
	chatModel       string
	chatTemperature float64
	chatMaxTokens   int
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive terminal conversation",
	Long: `Start a read-eval-print loop on the terminal. Responses stream
word by word unless --no-stream is given. Type 'exit' or 'quit' to
leave.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().BoolVar(&chatNoStream, "no-stream", false, "print complete responses instead of streaming")
	chatCmd.Flags().StringVar(&chatModel, "model", "", "model to use (default from config)")
	chatCmd.Flags().Float64Var(&chatTemperature, "temperature", 0, "model temperature (default from config)")
	chatCmd.Flags().IntVar(&chatMaxTokens, "max-tokens", 0, "maximum tokens (default from config)")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	app, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	model := chatModel
	if model == "" {
		model = app.Config.OpenAI.DefaultModel
	}
	temperature := chatTemperature
	if temperature == 0 {
		temperature = app.Config.OpenAI.Temperature
	}
	maxTokens := chatMaxTokens
	if maxTokens == 0 {
		maxTokens = app.Config.OpenAI.MaxTokens
	}

	repl, err := console.New(console.Config{
		Agent:       app.Runner,
		Usage:       app.Usage,
		In:          os.Stdin,
		Out:         os.Stdout,
		Logger:      app.Logger.GetZerolog(),
		Model:       model,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Streaming:   !chatNoStream,
	})
	if err != nil {
		return err
	}
	return repl.Run(ctx)
}
