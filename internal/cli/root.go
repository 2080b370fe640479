// Package cli implements the agentpr command line: run intake, operator
// commands, the human gate, the decision loop and the HTTP server.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/Strob0t/AgentPR/internal/config"
	"github.com/Strob0t/AgentPR/internal/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// Build wires the App for commands that need one. Defaults to Build.
	Build Builder
	// In is read by interactive confirmations. Defaults to os.Stdin.
	In io.Reader

	cfg       *config.Config
	log       *slog.Logger
	logCloser logger.Closer
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the agentpr CLI.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWith(&RootOptions{})
}

// NewRootCommandWith creates the root command around caller-supplied options.
func NewRootCommandWith(opts *RootOptions) *cobra.Command {
	if opts.Build == nil {
		opts.Build = Build
	}
	if opts.In == nil {
		opts.In = os.Stdin
	}

	cmd := &cobra.Command{
		Use:           "agentpr",
		Short:         "AgentPR - supervised coding agent runs",
		Long:          "Drives coding agent runs through an event-sourced state machine up to a human-approved pull request.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logCloser != nil {
				opts.logCloser.Close()
			}
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", config.DefaultConfigFile, "path to the YAML config file")

	cmd.AddCommand(
		NewCreateCommand(opts),
		NewShowCommand(opts),
		NewListCommand(opts),
		NewEventsCommand(opts),
		NewAttemptsCommand(opts),
		NewArtifactsCommand(opts),
		NewArtifactCommand(opts),
		NewVerifyCommand(opts),
	)
	for _, spec := range operatorCommands {
		cmd.AddCommand(newOperatorCommand(opts, spec))
	}
	cmd.AddCommand(
		NewRequestPRCommand(opts),
		NewApprovePRCommand(opts),
		NewReadinessCommand(opts),
		NewTickCommand(opts),
		NewLoopCommand(opts),
		NewServeCommand(opts),
		NewMigrateCommand(opts),
		NewMCPCommand(opts),
		NewPolicyCommand(opts),
	)
	return cmd
}

// config loads the configuration once per invocation.
func (o *RootOptions) config() (*config.Config, error) {
	if o.cfg != nil {
		return o.cfg, nil
	}
	cfg, err := config.LoadFrom(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	o.cfg = cfg
	return cfg, nil
}

// logger builds the process logger writing to the command's error stream.
func (o *RootOptions) logger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	if o.log != nil {
		return o.log
	}
	lc := cfg.Logging
	if o.Verbose {
		lc.Level = "debug"
	}
	o.log, o.logCloser = logger.NewWriter(lc, cmd.ErrOrStderr())
	return o.log
}

// app loads configuration and builds the App. Callers must Close it.
func (o *RootOptions) app(cmd *cobra.Command) (*App, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	a, err := o.Build(cmd.Context(), cfg, o.logger(cmd, cfg))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "initialize", err)
	}
	return a, nil
}

func (o *RootOptions) printer(cmd *cobra.Command) *Printer {
	return &Printer{Format: o.Format, Out: cmd.OutOrStdout(), Err: cmd.ErrOrStderr()}
}
