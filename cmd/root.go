package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/policy-engine/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "policy-engine",
	Short: "Prior-authorization policy collection and monitoring engine",
	Long:  "Collects payer prior-authorization policies through per-source circuit breakers, extracts structured requirements, versions them and watches for changes.",
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
