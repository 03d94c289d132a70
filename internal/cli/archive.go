package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/civicgov/civicguard/internal/app"
)

// ErrArchiveCorrupt is returned by archive-verify when a bundle holds
// entries that fail their hash check.
var ErrArchiveCorrupt = errors.New("archive verification failed")

func newArchivesCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "archives",
		Short: "List archive bundle dates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				dates, err := a.Guard.ListArchives(ctx)
				if err != nil {
					return err
				}
				return o.output(cmd.OutOrStdout(), dates, func(w io.Writer) {
					for _, d := range dates {
						fmt.Fprintln(w, d)
					}
				})
			})
		},
	}
}

func newArchiveVerifyCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "archive-verify <date>",
		Short: "Recompute the hashes in an archive bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				report, err := a.Guard.VerifyArchive(ctx, args[0])
				if err != nil {
					return err
				}
				err = o.output(cmd.OutOrStdout(), report, func(w io.Writer) {
					fmt.Fprintf(w, "%s: %d valid, %d invalid\n", report.Date, report.ValidCount, report.InvalidCount)
				})
				if err != nil {
					return err
				}
				if report.InvalidCount > 0 {
					return ErrArchiveCorrupt
				}
				return nil
			})
		},
	}
}

func newRestoreCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <date>",
		Short: "Reinstate archived entries into the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Guard.RestoreFromArchive(ctx, o.actor, args[0])
				if err != nil {
					return err
				}
				return o.output(cmd.OutOrStdout(), res, func(w io.Writer) {
					fmt.Fprintf(w, "%s: restored %d, skipped %d, errors %d\n", res.Date, res.Restored, res.Skipped, res.Errors)
				})
			})
		},
	}
}

func newExportCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "export <date> <file>",
		Short: "Write an archive bundle to a compressed file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			date, path := args[0], args[1]
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec // operator-supplied path
				if err != nil {
					return fmt.Errorf("export: %w", err)
				}
				n, err := a.Retention.ExportBundle(ctx, date, f)
				if closeErr := f.Close(); err == nil {
					err = closeErr
				}
				if err != nil {
					_ = os.Remove(path)
					return err
				}
				return o.output(cmd.OutOrStdout(), map[string]any{"date": date, "file": path, "entries": n}, func(w io.Writer) {
					fmt.Fprintf(w, "Exported %d entries for %s to %s\n", n, date, path)
				})
			})
		},
	}
}

func newImportCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Merge an exported bundle into the archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				f, err := os.Open(path) //nolint:gosec // operator-supplied path
				if err != nil {
					return fmt.Errorf("import: %w", err)
				}
				defer f.Close()

				bundle, err := a.Retention.ImportBundle(ctx, f)
				if err != nil {
					return err
				}
				out := map[string]any{"date": bundle.Date, "entries": len(bundle.Entries)}
				return o.output(cmd.OutOrStdout(), out, func(w io.Writer) {
					fmt.Fprintf(w, "Imported %d entries into %s\n", len(bundle.Entries), bundle.Date)
				})
			})
		},
	}
}
