package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/civicgov/civicguard/internal/app"
	"github.com/civicgov/civicguard/internal/auth"
)

func newTokenCmd(o *options) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed JWT",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.env.LoadConfig()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.JWT.TokenTTL
			}
			tok, err := auth.IssueToken(cfg.JWT.Secret, subject, role, ttl)
			if err != nil {
				return err
			}
			return o.output(cmd.OutOrStdout(), map[string]string{"token": tok}, func(w io.Writer) {
				fmt.Fprintln(w, tok)
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (required)")
	cmd.Flags().StringVar(&role, "role", auth.RoleAdmin, "admin or service")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "lifetime; defaults to the configured token TTL")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newAPIKeyCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage service API keys",
	}
	cmd.AddCommand(newAPIKeyCreateCmd(o), newAPIKeyListCmd(o), newAPIKeyRevokeCmd(o))
	return cmd
}

func newAPIKeyCreateCmd(o *options) *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a key; the raw value is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				raw, key, err := a.Keys.Generate(ctx, args[0], role, ttl)
				if err != nil {
					return err
				}
				out := map[string]string{"key": raw, "prefix": key.Prefix, "name": key.Name, "role": key.Role}
				return o.output(cmd.OutOrStdout(), out, func(w io.Writer) {
					fmt.Fprintln(w, raw)
				})
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", auth.RoleService, "admin or service")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "lifetime; 0 never expires")
	return cmd
}

// keyView omits the stored hash.
type keyView struct {
	Prefix     string     `json:"prefix"`
	Name       string     `json:"name"`
	Role       string     `json:"role"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

func newAPIKeyListCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				keys, err := a.Keys.List(ctx)
				if err != nil {
					return err
				}
				views := make([]keyView, 0, len(keys))
				for _, k := range keys {
					views = append(views, keyView{
						Prefix: k.Prefix, Name: k.Name, Role: k.Role,
						CreatedAt: k.CreatedAt, ExpiresAt: k.ExpiresAt, LastUsedAt: k.LastUsedAt,
					})
				}
				return o.output(cmd.OutOrStdout(), views, func(w io.Writer) {
					for _, v := range views {
						fmt.Fprintf(w, "%s  %-8s %s\n", v.Prefix, v.Role, v.Name)
					}
				})
			})
		},
	}
}

func newAPIKeyRevokeCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <prefix>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Keys.Revoke(ctx, args[0]); err != nil {
					return err
				}
				return o.output(cmd.OutOrStdout(), map[string]string{"revoked": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "Revoked %s\n", args[0])
				})
			})
		},
	}
}
