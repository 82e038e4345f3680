package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	server  string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "realtimectl",
		Short: "Inspect a marketplace realtime server",
		Long: `realtimectl talks to a marketplace realtime server: it prints aggregate
statistics, shows change feed watcher state and tails the live change stream.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultServer := os.Getenv("REALTIME_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&server, "server", defaultServer, "Realtime server URL")

	rootCmd.AddCommand(
		newStatsCmd(),
		newWatchersCmd(),
		newWatchCmd(),
		newVersionCmd(),
	)
	return rootCmd
}
