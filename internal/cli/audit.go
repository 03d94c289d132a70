package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/civicgov/civicguard/internal/app"
)

// ErrChainBroken is returned by verify when any entry fails its hash check.
var ErrChainBroken = errors.New("audit chain verification failed")

func newVerifyCmd(o *options) *cobra.Command {
	var from, to int64
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if to != 0 && to < from {
				return fmt.Errorf("--to %d precedes --from %d", to, from)
			}
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				report, err := a.Guard.VerifyAudit(ctx, from, to)
				if err != nil {
					return err
				}
				err = o.output(cmd.OutOrStdout(), report, func(w io.Writer) {
					fmt.Fprintf(w, "Entries:  %d\n", report.Total)
					fmt.Fprintf(w, "Verified: %d\n", report.Verified)
					fmt.Fprintf(w, "Invalid:  %d\n", report.Invalid)
					for _, id := range report.InvalidIDs {
						fmt.Fprintf(w, "  %s\n", id)
					}
					if report.LastHash != "" {
						fmt.Fprintf(w, "Head:     %s\n", report.LastHash)
					}
				})
				if err != nil {
					return err
				}
				if report.Invalid > 0 {
					return ErrChainBroken
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "first sequence; 0 for the chain start")
	cmd.Flags().Int64Var(&to, "to", 0, "last sequence; 0 for the chain head")
	return cmd
}
