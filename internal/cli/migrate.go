package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Strob0t/AgentPR/internal/adapter/postgres"
	"github.com/Strob0t/AgentPR/internal/adapter/sqlite"
	"github.com/Strob0t/AgentPR/internal/config"
)

// NewMigrateCommand creates the migrate command group.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage ledger schema migrations",
	}
	cmd.AddCommand(newMigrateUpCommand(opts), newMigrateDownCommand(opts), newMigrateStatusCommand(opts))
	return cmd
}

func newMigrateUpCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			switch cfg.Store.Driver {
			case "postgres":
				if err := postgres.RunMigrations(cmd.Context(), cfg.Postgres.DSN); err != nil {
					return WrapExitError(ExitCommandError, "migrate up", err)
				}
			default:
				// Opening the SQLite store applies pending migrations.
				store, err := sqlite.Open(cmd.Context(), cfg.SQLite.Path)
				if err != nil {
					return WrapExitError(ExitCommandError, "migrate up", err)
				}
				_ = store.Close()
			}
			return opts.printer(cmd).Result(map[string]string{"status": "applied", "store": cfg.Store.Driver},
				func(w io.Writer) { fmt.Fprintf(w, "%s migrations applied\n", cfg.Store.Driver) })
		},
	}
}

func newMigrateDownCommand(opts *RootOptions) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (postgres only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requirePostgres(opts)
			if err != nil {
				return err
			}
			if steps < 1 {
				return NewExitError(ExitCommandError, "--steps must be at least 1")
			}
			if err := postgres.RollbackMigrations(cmd.Context(), cfg.Postgres.DSN, steps); err != nil {
				return WrapExitError(ExitCommandError, "migrate down", err)
			}
			return opts.printer(cmd).Result(map[string]int{"rolled_back": steps},
				func(w io.Writer) { fmt.Fprintf(w, "rolled back %d migration(s)\n", steps) })
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	return cmd
}

func newMigrateStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the current schema version (postgres only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requirePostgres(opts)
			if err != nil {
				return err
			}
			v, err := postgres.MigrationVersion(cmd.Context(), cfg.Postgres.DSN)
			if err != nil {
				return WrapExitError(ExitCommandError, "migrate status", err)
			}
			return opts.printer(cmd).Result(map[string]int64{"version": v},
				func(w io.Writer) { fmt.Fprintln(w, "schema version "+strconv.FormatInt(v, 10)) })
		},
	}
}

func requirePostgres(opts *RootOptions) (*config.Config, error) {
	cfg, err := opts.config()
	if err != nil {
		return nil, err
	}
	if cfg.Store.Driver != "postgres" {
		return nil, NewExitError(ExitCommandError,
			fmt.Sprintf("store driver %q does not support this operation; SQLite migrates on open", cfg.Store.Driver))
	}
	return cfg, nil
}
