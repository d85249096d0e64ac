package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/community-pulse/internal/config"
)

var (
	cfg            *config.Config
	shutdownTracer = func(context.Context) error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Community content acquisition and enrichment pipeline",
	Long:  "Scrapes community feeds (linux.do, Reddit, Heybox), annotates each post with a language model, and stores the results idempotently.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		shutdown, err := config.InitTracer(cmd.Context(), cfg.Tracing)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		shutdownTracer = shutdown

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if err := shutdownTracer(context.Background()); err != nil {
			zap.L().Warn("tracer shutdown", zap.Error(err))
		}
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
