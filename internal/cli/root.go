// Package cli provides the xiaorui command-line interface.
package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"xiaorui/internal/config"
	"xiaorui/internal/retrieval"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	configPath string

	cfg      *config.Config
	logger   *slog.Logger
	closeLog func() error

	// replaced in tests
	newEmbedder = retrieval.NewOllamaEmbedder
)

var rootCmd = &cobra.Command{
	Use:   "xiaorui",
	Short: "小锐, the conversational assistant of 锐瞳智能科技",
	Long: `xiaorui serves the 小锐 chat API: per-user conversations persisted as JSON
files, replies from a hosted chat model and answers grounded in the company
knowledge base.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger, closeLog = config.SetupLogger(cfg.Log)
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			_ = closeLog()
		}
	},
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $XIAORUI_CONFIG or ./config.json)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(indexCmd)
}
