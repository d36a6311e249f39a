package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var monitorOnce bool

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Detect policy changes and check job health",
	Long:  "Runs change detection and job health alerting. With --once a single cycle runs and its result is printed; otherwise the check repeats every monitor.interval_mins.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, "monitor")
		if err != nil {
			return err
		}
		defer env.Close()

		if !monitorOnce {
			env.Checker.Run(ctx)
			return nil
		}

		res := env.Checker.RunOnce(ctx)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return eris.Wrap(err, "encode check result")
		}
		return nil
	},
}

func init() {
	monitorCmd.Flags().BoolVar(&monitorOnce, "once", false, "run a single check cycle and exit")
	rootCmd.AddCommand(monitorCmd)
}
