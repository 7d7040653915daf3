package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sitesync/internal/app"
	logx "sitesync/pkg/logx"
)

func newPutCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "put <path> <json>",
		Short: "Write a document to the configured sqlite store",
		Example: `  sitesync put health/sentinel '{"ok":true}'
  sitesync put 'sites/acme/pages/home' '{"title":"Home"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data map[string]any
			if err := json.Unmarshal([]byte(args[1]), &data); err != nil {
				return fmt.Errorf("document must be a JSON object: %w", err)
			}
			if err := app.PutDocument(cmd.Context(), *cfgPath, args[0], data, logx.NewConsole("warn")); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s at %s\n", args[0], time.Now().Format(time.RFC3339))
			return nil
		},
	}
}
