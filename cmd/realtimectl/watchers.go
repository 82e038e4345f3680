package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/darkden-lab/marketplace-realtime/internal/watcher"
)

type watchersResponse struct {
	Clients  int              `json:"clients"`
	Watchers []watcher.Handle `json:"watchers"`
}

func newWatchersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watchers",
		Short: "Show change feed watcher state",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp watchersResponse
			if err := fetchJSON(server, "/api/realtime/watchers", &resp); err != nil {
				return fmt.Errorf("failed to fetch watchers: %w", err)
			}
			printWatchers(cmd.OutOrStdout(), resp)
			return nil
		},
	}
}

func printWatchers(w io.Writer, resp watchersResponse) {
	fmt.Fprintf(w, "%d connected clients\n\n", resp.Clients)
	fmt.Fprintf(w, "  %-12s  %-8s  %7s  %8s  %-20s  %s\n", "DOMAIN", "STATE", "RETRIES", "EVENTS", "LAST EVENT", "LAST ERROR")
	for _, h := range resp.Watchers {
		last := "-"
		if h.LastEventAt != nil {
			last = h.LastEventAt.Format(time.RFC3339)
		}
		lastErr := h.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		fmt.Fprintf(w, "  %-12s  %-8s  %7d  %8d  %-20s  %s\n", h.Domain, h.State, h.RetryCount, h.EventsObserved, last, lastErr)
	}
}
