package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"sitesync/internal/app"
	logx "sitesync/pkg/logx"
)

func newProbeCommand(cfgPath *string) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Build every client variant once and report which can reach the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			res, policy, err := app.ProbeVariants(ctx, *cfgPath, logx.NewConsole("warn"))
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tVARIANT\tREACHABLE\tOUTCOME\tCLASS\tELAPSED\tERROR")
			reachable := 0
			for _, r := range res {
				ok := r.Reachable(policy)
				if ok {
					reachable++
				}
				errText := r.Result.ErrString()
				outcome, class := r.Result.Outcome.String(), r.Result.Class.String()
				if r.Build != nil {
					errText, outcome, class = r.Build.Error(), "build-failed", "-"
				}
				fmt.Fprintf(tw, "%d\t%s\t%v\t%s\t%s\t%s\t%s\n", r.Index, r.Variant, ok, outcome, class,
					r.Result.Elapsed.Round(time.Millisecond), errText)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if reachable == 0 {
				return fmt.Errorf("no variant reached the store")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall deadline for all probes")
	return cmd
}
