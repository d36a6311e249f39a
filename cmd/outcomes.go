package main

import (
	"encoding/json"
	"os"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/policy-engine/internal/monitoring"
	"github.com/sells-group/policy-engine/internal/outcomes"
)

var (
	outcomesFile      string
	outcomesDelimiter string
	outcomesPayer     string
)

var outcomesCmd = &cobra.Command{
	Use:   "outcomes",
	Short: "Manage prior-authorization outcome feedback",
}

var outcomesImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Bulk import outcomes from a CSV file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		opts, err := importOptions(outcomesDelimiter)
		if err != nil {
			return err
		}

		st, err := openStore(ctx, "outcomes")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		f, err := os.Open(outcomesFile)
		if err != nil {
			return eris.Wrap(err, "open outcomes file")
		}
		defer f.Close() //nolint:errcheck

		sum, err := outcomes.NewImporter(st, monitoring.NewLearner(st)).Import(ctx, f, opts)
		if err != nil {
			return eris.Wrap(err, "import outcomes")
		}

		zap.L().Info("import complete",
			zap.String("file", outcomesFile),
			zap.Int64("imported", sum.Imported),
			zap.Int("rejected", len(sum.Rejected)),
			zap.Int("patterns", len(sum.Patterns)),
		)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	},
}

var outcomesAccuracyCmd = &cobra.Command{
	Use:   "accuracy",
	Short: "Show prediction accuracy for a payer",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "outcomes")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stats, err := st.PredictionAccuracy(ctx, outcomesPayer)
		if err != nil {
			return eris.Wrap(err, "prediction accuracy")
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

func importOptions(delimiter string) (outcomes.Options, error) {
	if delimiter == "" {
		return outcomes.Options{}, nil
	}
	r, size := utf8.DecodeRuneInString(delimiter)
	if size != len(delimiter) || r == utf8.RuneError {
		return outcomes.Options{}, eris.Errorf("delimiter must be a single character, got %q", delimiter)
	}
	return outcomes.Options{Comma: r}, nil
}

func init() {
	outcomesImportCmd.Flags().StringVar(&outcomesFile, "file", "", "path to CSV file (required)")
	_ = outcomesImportCmd.MarkFlagRequired("file")
	outcomesImportCmd.Flags().StringVar(&outcomesDelimiter, "delimiter", "", "field delimiter (default ',')")

	outcomesAccuracyCmd.Flags().StringVar(&outcomesPayer, "payer", "", "payer name (required)")
	_ = outcomesAccuracyCmd.MarkFlagRequired("payer")

	outcomesCmd.AddCommand(outcomesImportCmd, outcomesAccuracyCmd)
	rootCmd.AddCommand(outcomesCmd)
}
