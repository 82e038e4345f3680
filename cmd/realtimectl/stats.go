package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/darkden-lab/marketplace-realtime/internal/changefeed"
	"github.com/darkden-lab/marketplace-realtime/internal/stats"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show current marketplace totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			var agg stats.Aggregate
			if err := fetchJSON(server, "/api/realtime/stats", &agg); err != nil {
				return fmt.Errorf("failed to fetch stats: %w", err)
			}
			printStats(cmd.OutOrStdout(), agg)
			return nil
		},
	}
}

func printStats(w io.Writer, agg stats.Aggregate) {
	fmt.Fprintf(w, "Generated at %s, %d connected clients\n\n", agg.GeneratedAt.Format(time.RFC3339), agg.ConnectedClients)
	fmt.Fprintf(w, "  %-12s  %8s  %s\n", "DOMAIN", "TOTAL", "BREAKDOWN")
	fmt.Fprintf(w, "  %-12s  %8s  %s\n", "------", "-----", "---------")
	for _, d := range changefeed.Domains {
		ds, ok := agg.Domains[d]
		if !ok {
			continue
		}
		if !ds.Available {
			fmt.Fprintf(w, "  %-12s  %8s  unavailable: %s\n", d, "-", ds.Error)
			continue
		}
		fmt.Fprintf(w, "  %-12s  %8d  %s\n", d, ds.Total, formatBreakdown(ds.ByStatus))
	}
}

func formatBreakdown(byStatus map[string]int64) string {
	keys := make([]string, 0, len(byStatus))
	for k := range byStatus {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := ""
	for i, k := range keys {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%d", k, byStatus[k])
	}
	return out
}
