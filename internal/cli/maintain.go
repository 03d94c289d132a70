package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/civicgov/civicguard/internal/app"
)

func newMaintainCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Run one retention pass (archive then delete)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Guard.RunMaintenance(ctx)
				if err != nil {
					return err
				}
				return o.output(cmd.OutOrStdout(), res, func(w io.Writer) {
					fmt.Fprintf(w, "Archived: %d\nDeleted:  %d\nSkipped:  %d\nErrors:   %d\n",
						res.Archived, res.Deleted, res.Skipped, res.Errors)
				})
			})
		},
	}
}

func newDecayCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "decay",
		Short: "Decay IP reputation history scores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Guard.DecayReputations(ctx)
				if err != nil {
					return err
				}
				return o.output(cmd.OutOrStdout(), map[string]int{"count": n}, func(w io.Writer) {
					fmt.Fprintf(w, "Decayed %d records\n", n)
				})
			})
		},
	}
}

func newTopIPsCmd(o *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "top-ips",
		Short: "List the highest scoring IPs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 1 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				recs, err := a.Guard.GetTopMaliciousIPs(ctx, limit)
				if err != nil {
					return err
				}
				return o.output(cmd.OutOrStdout(), recs, func(w io.Writer) {
					if len(recs) == 0 {
						fmt.Fprintln(w, "No scored IPs.")
						return
					}
					for _, r := range recs {
						fmt.Fprintf(w, "%-40s %6.1f  reports=%d\n", r.IP, r.Score, r.ReportCount)
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of IPs")
	return cmd
}
