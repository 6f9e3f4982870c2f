package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"selfforge/internal/logging"
)

var (
	// Global flags
	cfgPath string
	verbose bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "forged",
	Short: "selfforge - self-evolving agent substrate",
	Long: `selfforge is an orchestration substrate for a self-evolving agent.

It dispatches LLM requests across a provider failover chain, runs every tool
call through a validated pipeline, persists all conversation and code context
in a durable memory engine, and promotes self-modification proposals through
an isolated dev/prod evolution loop.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.Shutdown()
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "forge.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(evolveCmd)
	rootCmd.AddCommand(toolsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
