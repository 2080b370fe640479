package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Strob0t/AgentPR/internal/service"
)

// NewTickCommand creates the tick command.
func NewTickCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tick [run-id]",
		Short: "Evaluate runs once and perform the decided actions",
		Long: `Run one decision loop tick. With a run id only that run is evaluated;
otherwise every run that is not DONE. Agent attempts started by the tick are
awaited before the command exits.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.app(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			var ticks []service.RunTick
			if len(args) == 1 {
				rt, err := app.Loop.TickRun(cmd.Context(), args[0])
				if err != nil {
					if rt.Decisions == nil {
						return classify("tick "+args[0], err)
					}
					rt.Error = err.Error()
				}
				ticks = []service.RunTick{rt}
			} else {
				ticks, err = app.Loop.Tick(cmd.Context())
				if err != nil {
					return classify("tick", err)
				}
			}
			// Attempts launched by the tick finish before their results print.
			app.Exec.Wait()
			if ticks == nil {
				ticks = []service.RunTick{}
			}
			return opts.printer(cmd).Result(ticks, func(w io.Writer) { printTicks(w, ticks) })
		},
	}
}

func printTicks(w io.Writer, ticks []service.RunTick) {
	if len(ticks) == 0 {
		fmt.Fprintln(w, dimStyle.Sprint("no runs to evaluate"))
		return
	}
	for _, rt := range ticks {
		fmt.Fprintln(w, boldStyle.Sprint(rt.RunID))
		for _, d := range rt.Decisions {
			fmt.Fprintf(w, "  %-9s %s  %s\n", d.Action, stateLabel(d.State), dimStyle.Sprint(d.Reason))
		}
		if rt.Error != "" {
			fmt.Fprintf(w, "  %s %s\n", errorStyle.Sprint("error"), rt.Error)
		}
	}
}

// NewLoopCommand creates the loop command.
func NewLoopCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "loop",
		Short: "Run the decision loop until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.app(cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Loop.Run(cmd.Context())
		},
	}
}
