package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/policy-engine/internal/collector"
	"github.com/sells-group/policy-engine/internal/config"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List collection sources with their breaker settings",
	RunE: func(_ *cobra.Command, _ []string) error {
		cat, err := collector.LoadCatalog()
		if err != nil {
			return eris.Wrap(err, "load source catalog")
		}
		formatSources(os.Stdout, cat, cfg.Breakers)
		return nil
	},
}

func formatSources(out io.Writer, cat *collector.Catalog, breakers config.BreakersConfig) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tNAME\tENTITIES\tEST_MIN\tFAIL_THRESHOLD\tRESET")
	_, _ = fmt.Fprintln(w, "------\t----\t--------\t-------\t--------------\t-----")
	for _, s := range cat.Sources {
		b := breakers.For(s.ID)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%ds\n",
			s.ID,
			s.Name,
			len(s.Entities),
			collector.EstimateMinutes(s.ID),
			b.FailureThreshold,
			b.ResetTimeoutMs/1000,
		)
	}
	_ = w.Flush()
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
}
