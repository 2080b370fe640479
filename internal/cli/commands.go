package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Strob0t/AgentPR/internal/service"
)

// operatorCommand describes one state-changing operator command.
type operatorCommand struct {
	name   string
	short  string
	target bool // takes --target-state
	reason bool // takes --reason
}

var operatorCommands = []operatorCommand{
	{name: service.CommandStart, short: "Start a QUEUED run"},
	{name: service.CommandPause, short: "Pause a run", reason: true},
	{name: service.CommandResume, short: "Resume a PAUSED run", target: true, reason: true},
	{name: service.CommandRetry, short: "Retry a NEEDS_HUMAN or FAILED run in place", target: true, reason: true},
	{name: service.CommandAbort, short: "Abort a run", reason: true},
	{name: service.CommandDone, short: "Mark a reviewed run done"},
}

func newOperatorCommand(opts *RootOptions, spec operatorCommand) *cobra.Command {
	var args service.CommandArgs
	cmd := &cobra.Command{
		Use:   spec.name + " <run-id>",
		Short: spec.short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, pos []string) error {
			app, err := opts.app(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.Runs.Command(cmd.Context(), pos[0], spec.name, args)
			if err != nil {
				return classify(spec.name+" "+pos[0], err)
			}
			return opts.printer(cmd).Result(res, func(w io.Writer) {
				if res.Duplicate {
					fmt.Fprintf(w, "%s %s: already applied (%s)\n", pos[0], spec.name, stateLabel(res.Snapshot.State))
					return
				}
				fmt.Fprintf(w, "%s %s: %s\n", pos[0], res.Event.Type, stateLabel(res.Snapshot.State))
			})
		},
	}
	if spec.target {
		cmd.Flags().StringVar(&args.TargetState, "target-state", "", "state to re-enter")
		_ = cmd.MarkFlagRequired("target-state")
	}
	if spec.reason {
		cmd.Flags().StringVar(&args.Reason, "reason", "", "reason recorded with the event")
	}
	return cmd
}
