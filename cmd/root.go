package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opencouncil/spendsync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "spendsync",
	Short: "Resumable enrichment and spend-data ingestion for public-sector organizations",
	Long:  "Finds official websites and register profiles for UK public-sector organizations, discovers their published spending files, and ingests the transactions into per-org summaries.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
