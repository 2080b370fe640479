package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Strob0t/AgentPR/internal/domain/gate"
	"github.com/Strob0t/AgentPR/internal/service"
)

// NewRequestPRCommand creates the request-pr command.
func NewRequestPRCommand(opts *RootOptions) *cobra.Command {
	var req service.PRRequest
	cmd := &cobra.Command{
		Use:   "request-pr <run-id>",
		Short: "Request approval to open a pull request for a PUSHED run",
		Long: `Request approval to open a pull request. Prints a one-time token and
the approve-pr command that consumes it. The request is also sent to the
configured notification channels.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.app(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			p, err := app.Gates.RequestPR(cmd.Context(), args[0], req)
			if err != nil {
				return classify("request pr", err)
			}
			return opts.printer(cmd).Result(p, func(w io.Writer) {
				fmt.Fprintf(w, "pull request %q awaiting approval (expires %s)\n",
					p.Request.Action.Title, p.Request.ExpiresAt.Format(time.RFC3339))
				printReadiness(w, p.Readiness)
				fmt.Fprintf(w, "\napprove with:\n  %s\n", boldStyle.Sprint(p.Command))
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Title, "title", "", "pull request title (defaults to the task's first line)")
	f.StringVar(&req.Body, "body", "", "pull request body")
	f.StringVar(&req.Base, "base", "", "base branch (defaults to gate.base)")
	f.BoolVar(&req.Draft, "draft", false, "open as draft")
	return cmd
}

// NewApprovePRCommand creates the approve-pr command.
func NewApprovePRCommand(opts *RootOptions) *cobra.Command {
	var (
		req service.ApproveRequest
		yes bool
	)
	cmd := &cobra.Command{
		Use:   "approve-pr <run-id>",
		Short: "Approve a pending pull request with its one-time token",
		Long: `Approve a pending pull request. Without --yes the approval is confirmed
interactively; non-interactive use requires --yes. --bypass opens the pull
request even when readiness checks fail and records the bypass.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Token == "" {
				tok, err := promptSecret(opts.In, cmd.ErrOrStderr(), "Token: ")
				if err != nil {
					return WrapExitError(ExitCommandError, "--token is required", err)
				}
				req.Token = tok
			}
			req.Confirmed = yes
			if !yes {
				ok, err := confirm(opts.In, cmd.ErrOrStderr(),
					fmt.Sprintf("Open pull request for run %s? [y/N]: ", args[0]))
				if err != nil {
					return WrapExitError(ExitCommandError, "confirmation", err)
				}
				req.Confirmed = ok
			}
			if req.Operator == "" {
				req.Operator = os.Getenv("USER")
			}

			app, err := opts.app(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			ap, err := app.Gates.ApprovePR(cmd.Context(), args[0], req)
			if err != nil {
				return classify("approve pr", err)
			}
			return opts.printer(cmd).Result(ap, func(w io.Writer) {
				if ap.Status == "already_linked" {
					fmt.Fprintf(w, "run %s already linked to #%d\n", args[0], ap.PRNumber)
					return
				}
				if ap.Bypassed {
					fmt.Fprintln(w, warnStyle.Sprint("readiness checks bypassed"))
				}
				fmt.Fprintf(w, "%s #%d %s\n", successStyle.Sprint("opened"), ap.PRNumber, ap.URL)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Token, "token", "", "one-time approval token")
	f.BoolVarP(&yes, "yes", "y", false, "confirm without prompting")
	f.BoolVar(&req.Bypass, "bypass", false, "open even if readiness checks fail")
	f.StringVar(&req.Operator, "operator", "", "operator recorded with a bypass (defaults to $USER)")
	return cmd
}

// NewReadinessCommand creates the readiness command.
func NewReadinessCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "readiness <run-id>",
		Short: "Evaluate the definition of done for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.app(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			rd, err := app.Gates.Readiness(cmd.Context(), args[0])
			if err != nil {
				return classify("readiness", err)
			}
			return opts.printer(cmd).Result(rd, func(w io.Writer) { printReadiness(w, rd) })
		},
	}
}

func printReadiness(w io.Writer, rd gate.Readiness) {
	if rd.OK {
		fmt.Fprintln(w, successStyle.Sprint("ready"))
	} else {
		fmt.Fprintln(w, errorStyle.Sprint("not ready"))
	}
	for _, f := range rd.FailedChecks {
		fmt.Fprintf(w, "  %s %s: %s\n", errorStyle.Sprint("x"), f.Code, f.Message)
	}
	for _, f := range rd.Warnings {
		fmt.Fprintf(w, "  %s %s: %s\n", warnStyle.Sprint("!"), f.Code, f.Message)
	}
}

func terminalFD(r io.Reader) (int, bool) {
	f, ok := r.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) { //nolint:gosec // fd fits in int
		return 0, false
	}
	return int(f.Fd()), true //nolint:gosec // fd fits in int
}

// promptSecret reads a value from the terminal without echoing.
func promptSecret(in io.Reader, prompt io.Writer, label string) (string, error) {
	fd, ok := terminalFD(in)
	if !ok {
		return "", fmt.Errorf("not a terminal")
	}
	fmt.Fprint(prompt, label)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// confirm asks a yes/no question. Input that is not a terminal never
// confirms.
func confirm(in io.Reader, prompt io.Writer, question string) (bool, error) {
	if _, ok := terminalFD(in); !ok {
		return false, nil
	}
	fmt.Fprint(prompt, question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
