package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Strob0t/AgentPR/internal/adapter/mcp"
)

// NewPolicyCommand creates the policy command.
func NewPolicyCommand(opts *RootOptions) *cobra.Command {
	var owner, repo string
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Show the effective run policy for a repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			set, err := loadPolicy(cfg.Policy)
			if err != nil {
				return WrapExitError(ExitCommandError, "load policy", err)
			}
			eff, err := set.Resolve(owner, repo)
			if err != nil {
				return WrapExitError(ExitCommandError, "resolve policy", err)
			}
			return opts.printer(cmd).Result(eff, func(w io.Writer) {
				origin := "base"
				if eff.Overridden {
					origin = "override"
				}
				fmt.Fprintf(w, "# %s (%s from %s)\n", eff.Target, origin, set.Source())
				enc := yaml.NewEncoder(w)
				enc.SetIndent(2)
				_ = enc.Encode(eff.RunPolicy)
				_ = enc.Close()
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "repository owner")
	cmd.Flags().StringVar(&repo, "repo", "", "repository name")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

// NewMCPCommand creates the mcp command.
func NewMCPCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the read-only run ledger tools over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.app(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			srv := mcp.NewServer(mcp.ServerConfig{Name: "agentpr", Version: Version},
				mcp.ServerDeps{Runs: app.Runs, Gates: app.Gates})
			if err := srv.ServeStdio(cmd.Context()); err != nil {
				return WrapExitError(ExitCommandError, "mcp", err)
			}
			return nil
		},
	}
}
