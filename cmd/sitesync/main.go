package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "sitesync",
		Short: "Keeps a site's live feeds connected to its document store",
		Long: `sitesync watches the connection to a remote document store, rebuilds the
client with progressively more conservative settings when the store stops
answering, retries reads through the outage and keeps the site's live feeds
subscribed on whichever client is current.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml",
		"path to the config file (yaml, toml or json)")

	cmd.AddCommand(
		newRunCommand(&cfgPath),
		newProbeCommand(&cfgPath),
		newJournalCommand(&cfgPath),
		newPutCommand(&cfgPath),
	)
	return cmd
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
