// Package cli implements guardctl, the operator command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/civicgov/civicguard/internal/app"
	"github.com/civicgov/civicguard/internal/config"
)

// DefaultActor is recorded in the audit ledger for commands that change state.
const DefaultActor = "guardctl"

// Env supplies configuration and the service graph. Tests replace Open to
// run against an in-process store.
type Env struct {
	LoadConfig func() (*config.Config, error)
	Open       func(ctx context.Context, cfg *config.Config) (*app.App, error)
}

// DefaultEnv reads the environment and connects to the configured stores.
func DefaultEnv() Env {
	return Env{
		LoadConfig: config.Load,
		Open: func(ctx context.Context, cfg *config.Config) (*app.App, error) {
			policies, err := config.LoadPolicies(cfg.PolicyFile)
			if err != nil {
				return nil, err
			}
			return app.Build(ctx, cfg, policies)
		},
	}
}

type options struct {
	env        Env
	jsonOutput bool
	actor      string
}

// NewRootCmd builds the guardctl command tree.
func NewRootCmd(env Env) *cobra.Command {
	o := &options{env: env}
	root := &cobra.Command{
		Use:   "guardctl",
		Short: "Operate a civicguard deployment",
		Long: `guardctl runs maintenance, audit verification, archive management and
credential issuance against the stores a civicguard server uses.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&o.jsonOutput, "json", false, "output in JSON format")
	root.PersistentFlags().StringVar(&o.actor, "actor", DefaultActor, "actor recorded in the audit ledger")

	root.AddCommand(
		newVerifyCmd(o),
		newMaintainCmd(o),
		newDecayCmd(o),
		newTopIPsCmd(o),
		newArchivesCmd(o),
		newArchiveVerifyCmd(o),
		newRestoreCmd(o),
		newExportCmd(o),
		newImportCmd(o),
		newTokenCmd(o),
		newAPIKeyCmd(o),
	)
	return root
}

// withApp opens the service graph for the duration of fn.
func (o *options) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := o.env.LoadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := o.env.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// output writes v as indented JSON under --json, otherwise calls text.
func (o *options) output(w io.Writer, v any, text func(w io.Writer)) error {
	if o.jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode output: %w", err)
		}
		return nil
	}
	text(w)
	return nil
}
