package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/llmtap/llmtap/internal/application"
	"github.com/llmtap/llmtap/internal/infrastructure/config"
	"github.com/llmtap/llmtap/internal/infrastructure/logger"
)

const cliName = "llmtap"

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   cliName,
		Short: "Transparent intercepting proxy for LLM APIs",
		Long: "llmtap sits between LLM clients and their providers, forwarding\n" +
			"requests byte-for-byte while recording every interaction to SQLite.",
		RunE: runServe,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	addServeFlags(rootCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the intercepting proxy",
		RunE:  runServe,
	}
	addServeFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", cliName, application.Version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().String("host", "", "listen host")
	cmd.Flags().Int("port", 0, "listen port")
	cmd.Flags().String("db", "", "SQLite database path")
	cmd.Flags().String("openai-base-url", "", "OpenAI upstream base URL")
	cmd.Flags().String("anthropic-base-url", "", "Anthropic upstream base URL")
	cmd.Flags().String("ollama-base-url", "", "Ollama upstream base URL")
	cmd.Flags().Bool("no-stream-chunks", false, "do not persist raw stream chunks")
	cmd.Flags().Bool("no-redact", false, "store API keys unredacted")
	cmd.Flags().BoolP("verbose", "v", false, "log every proxied request")
	cmd.Flags().BoolP("quiet", "q", false, "only log warnings and errors")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	applyFlagOverrides(cmd, cfg)

	log, err := logger.NewLogger(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Quiet:  cfg.Quiet,
	})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync() //nolint:errcheck // stdout sync failure is harmless at exit

	app, err := application.NewApp(cfg, log)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return app.Stop(shutdownCtx)
}

// applyFlagOverrides lets explicit CLI flags win over file and environment
// configuration.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("db") {
		cfg.DBPath, _ = flags.GetString("db")
	}
	if flags.Changed("openai-base-url") {
		cfg.OpenAIBaseURL, _ = flags.GetString("openai-base-url")
	}
	if flags.Changed("anthropic-base-url") {
		cfg.AnthropicBaseURL, _ = flags.GetString("anthropic-base-url")
	}
	if flags.Changed("ollama-base-url") {
		cfg.OllamaBaseURL, _ = flags.GetString("ollama-base-url")
	}
	if noChunks, _ := flags.GetBool("no-stream-chunks"); noChunks {
		cfg.StoreStreamChunks = false
	}
	if noRedact, _ := flags.GetBool("no-redact"); noRedact {
		cfg.RedactAPIKeys = false
	}
	if verbose, _ := flags.GetBool("verbose"); verbose {
		cfg.Verbose = true
	}
	if quiet, _ := flags.GetBool("quiet"); quiet {
		cfg.Quiet = true
	}
}
