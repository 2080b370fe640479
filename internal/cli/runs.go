package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Strob0t/AgentPR/internal/domain/run"
	"github.com/Strob0t/AgentPR/internal/port/ledger"
	"github.com/Strob0t/AgentPR/internal/service"
)

// NewCreateCommand creates the create command.
func NewCreateCommand(opts *RootOptions) *cobra.Command {
	var req service.CreateRequest
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a run in QUEUED",
		Long: `Create a run for a repository workspace. Commands are idempotent:
creating the same run id with the same request again reports the existing run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.app(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			r, res, err := app.Runs.CreateRun(cmd.Context(), req)
			if err != nil {
				return classify("create run", err)
			}
			out := struct {
				Run       *run.Run     `json:"run"`
				Snapshot  run.Snapshot `json:"snapshot"`
				Duplicate bool         `json:"duplicate"`
			}{r, res.Snapshot, res.Duplicate}
			return opts.printer(cmd).Result(out, func(w io.Writer) {
				if res.Duplicate {
					fmt.Fprintf(w, "run %s already exists (%s)\n", r.ID, stateLabel(res.Snapshot.State))
					return
				}
				fmt.Fprintf(w, "%s run %s (%s)\n", successStyle.Sprint("created"), boldStyle.Sprint(r.ID), stateLabel(res.Snapshot.State))
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.ID, "id", "", "run id (generated when empty)")
	f.StringVar(&req.Owner, "owner", "", "repository owner")
	f.StringVar(&req.Repo, "repo", "", "repository name")
	f.StringVar(&req.Workspace, "workspace", "", "local clone the agent works in")
	f.StringVar(&req.Task, "task", "", "task description handed to the agent")
	f.StringVar(&req.Instructions, "instructions", "", "extra agent instructions")
	f.StringVar(&req.PolicyProfile, "profile", "", "policy profile")
	f.StringVar(&req.RetryOf, "retry-of", "", "predecessor run id")
	for _, name := range []string{"owner", "repo", "workspace", "task"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

// NewShowCommand creates the show command.
func NewShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.app(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			v, err := app.Runs.Get(cmd.Context(), args[0])
			if err != nil {
				return classify("show run", err)
			}
			return opts.printer(cmd).Result(v, func(w io.Writer) { printRunView(w, v) })
		},
	}
}

func printRunView(w io.Writer, v ledger.RunView) {
	s := v.Snapshot
	fmt.Fprintf(w, "%s  %s\n", boldStyle.Sprint(v.Run.ID), stateLabel(s.State))
	fmt.Fprintf(w, "  repo:      %s/%s\n", v.Run.Owner, v.Run.Repo)
	fmt.Fprintf(w, "  workspace: %s\n", v.Run.Workspace)
	fmt.Fprintf(w, "  task:      %s\n", v.Run.Task)
	if v.Run.RetryOf != "" {
		fmt.Fprintf(w, "  retry of:  %s\n", v.Run.RetryOf)
	}
	if s.Branch != "" {
		fmt.Fprintf(w, "  branch:    %s\n", s.Branch)
	}
	if s.PRNumber != 0 {
		fmt.Fprintf(w, "  pr:        #%d\n", s.PRNumber)
	}
	if s.HasVerdict() {
		fmt.Fprintf(w, "  verdict:   %s %s (%s)\n", s.Grade, s.ReasonCode, s.Confidence)
	}
	if s.LastError != "" {
		fmt.Fprintf(w, "  error:     %s\n", errorStyle.Sprint(s.LastError))
	}
	fmt.Fprintf(w, "  version:   %d  updated %s\n", s.Version, s.UpdatedAt.Format(time.RFC3339))
}

// NewListCommand creates the list command.
func NewListCommand(opts *RootOptions) *cobra.Command {
	var (
		states []string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := ledger.ListFilter{Limit: limit}
			for _, raw := range states {
				st, err := run.ParseState(strings.ToUpper(strings.TrimSpace(raw)))
				if err != nil {
					return WrapExitError(ExitCommandError, "parse --state", err)
				}
				f.States = append(f.States, st)
			}

			app, err := opts.app(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			views, err := app.Runs.List(cmd.Context(), f)
			if err != nil {
				return classify("list runs", err)
			}
			if views == nil {
				views = []ledger.RunView{}
			}
			return opts.printer(cmd).Result(views, func(w io.Writer) {
				if len(views) == 0 {
					fmt.Fprintln(w, dimStyle.Sprint("no runs"))
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATE\tREPO\tPR\tUPDATED")
				for _, v := range views {
					pr := "-"
					if v.Snapshot.PRNumber != 0 {
						pr = fmt.Sprintf("#%d", v.Snapshot.PRNumber)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%s\t%s\n", v.Run.ID, v.Snapshot.State,
						v.Run.Owner, v.Run.Repo, pr, v.Snapshot.UpdatedAt.Format(time.RFC3339))
				}
				_ = tw.Flush()
			})
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "filter by state (repeatable or comma separated)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of runs (0 for all)")
	return cmd
}

// NewEventsCommand creates the events command.
func NewEventsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events <run-id>",
		Short: "Print the run's event ledger in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.app(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			events, err := app.Runs.Events(cmd.Context(), args[0])
			if err != nil {
				return classify("list events", err)
			}
			return opts.printer(cmd).Result(events, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SEQ\tTYPE\tAT\tPAYLOAD")
				for _, ev := range events {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", ev.Seq, ev.Type,
						ev.CreatedAt.Format(time.RFC3339), compactJSON(ev.Payload))
				}
				_ = tw.Flush()
			})
		},
	}
}

// NewAttemptsCommand creates the attempts command.
func NewAttemptsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "attempts <run-id>",
		Short: "List the run's step attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.app(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			attempts, err := app.Runs.Attempts(cmd.Context(), args[0])
			if err != nil {
				return classify("list attempts", err)
			}
			if attempts == nil {
				attempts = []run.StepAttempt{}
			}
			return opts.printer(cmd).Result(attempts, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "#\tSTEP\tEXIT\tDURATION\tSTARTED")
				for i := range attempts {
					a := &attempts[i]
					exit := "running"
					if a.ExitCode != nil {
						exit = fmt.Sprint(*a.ExitCode)
					} else if a.Finished() {
						exit = "-"
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", a.AttemptNo, a.Step, exit,
						time.Duration(a.DurationMS)*time.Millisecond, a.StartedAt.Format(time.RFC3339))
				}
				_ = tw.Flush()
			})
		},
	}
}

// NewArtifactsCommand creates the artifacts command.
func NewArtifactsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "artifacts <run-id>",
		Short: "List the run's artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.app(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			arts, err := app.Runs.Artifacts(cmd.Context(), args[0])
			if err != nil {
				return classify("list artifacts", err)
			}
			type entry struct {
				Ref       string    `json:"ref"`
				Type      string    `json:"type"`
				MediaType string    `json:"media_type"`
				CreatedAt time.Time `json:"created_at"`
			}
			out := make([]entry, len(arts))
			for i := range arts {
				out[i] = entry{arts[i].ContentRef(), string(arts[i].Type), arts[i].MediaType, arts[i].CreatedAt}
			}
			return opts.printer(cmd).Result(out, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TYPE\tMEDIA\tREF")
				for _, e := range out {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Type, e.MediaType, e.Ref)
				}
				_ = tw.Flush()
			})
		},
	}
}

// NewArtifactCommand creates the artifact command.
func NewArtifactCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "artifact <ref>",
		Short: "Print an artifact's content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.app(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			content, err := app.Runs.ArtifactContent(cmd.Context(), args[0])
			if err != nil {
				return classify("read artifact", err)
			}
			// Content is printed raw in both formats.
			_, err = cmd.OutOrStdout().Write(content)
			return err
		},
	}
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <run-id>",
		Short: "Replay the ledger and compare it with the stored snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.app(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			rep, err := app.Runs.Verify(cmd.Context(), args[0])
			if err != nil {
				return classify("verify run", err)
			}
			if err := opts.printer(cmd).Result(rep, func(w io.Writer) {
				if rep.Match {
					fmt.Fprintf(w, "%s %s: %d events replay to version %d\n",
						successStyle.Sprint("ok"), rep.RunID, rep.Events, rep.Replayed.Version)
					return
				}
				fmt.Fprintf(w, "%s %s: snapshot diverges from replay in %s\n",
					errorStyle.Sprint("mismatch"), rep.RunID, strings.Join(rep.Diverged, ", "))
			}); err != nil {
				return err
			}
			if !rep.Match {
				return NewExitError(ExitFailure, "snapshot does not match replay")
			}
			return nil
		},
	}
}

func compactJSON(raw json.RawMessage) string {
	var b bytes.Buffer
	if err := json.Compact(&b, raw); err != nil {
		return string(raw)
	}
	return b.String()
}
