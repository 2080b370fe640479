package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/Strob0t/AgentPR/internal/domain/gate"
	"github.com/Strob0t/AgentPR/internal/domain/run"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Logic failure: illegal transition, blocked gate, failed confirmation
	ExitCommandError = 2 // Command or precondition error: bad input, missing run, store unavailable
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// classify wraps a service error with the exit code its kind maps to.
func classify(message string, err error) error {
	if err == nil {
		return nil
	}
	var (
		transition *run.TransitionError
		stale      *run.StaleStateError
		blocked    *gate.BlockedError
	)
	switch {
	case errors.As(err, &transition), errors.As(err, &stale), errors.As(err, &blocked),
		errors.Is(err, gate.ErrTokenMismatch), errors.Is(err, gate.ErrTokenExpired),
		errors.Is(err, gate.ErrTokenConsumed), errors.Is(err, gate.ErrNotConfirmed):
		return WrapExitError(ExitFailure, message, err)
	default:
		return WrapExitError(ExitCommandError, message, err)
	}
}

var (
	boldStyle    = color.New(color.Bold)
	dimStyle     = color.New(color.Faint)
	successStyle = color.New(color.FgGreen)
	warnStyle    = color.New(color.FgYellow)
	errorStyle   = color.New(color.FgRed)
	infoStyle    = color.New(color.FgCyan)
)

// stateStyle picks the colour a state is rendered in.
func stateStyle(s run.State) *color.Color {
	switch s {
	case run.StateDone:
		return successStyle
	case run.StateFailed:
		return errorStyle
	case run.StateNeedsHuman, run.StatePaused:
		return warnStyle
	case run.StateQueued:
		return dimStyle
	default:
		return infoStyle
	}
}

// Printer renders command results as text or JSON.
type Printer struct {
	Format string
	Out    io.Writer
	Err    io.Writer
}

// JSON reports whether results are printed as JSON.
func (p *Printer) JSON() bool { return p.Format == "json" }

// Result prints v as indented JSON in json mode and calls text otherwise.
func (p *Printer) Result(v any, text func(w io.Writer)) error {
	if p.JSON() {
		enc := json.NewEncoder(p.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(p.Out)
	return nil
}

// Notice writes a diagnostic line to the error stream so JSON output stays
// parseable.
func (p *Printer) Notice(format string, args ...any) {
	fmt.Fprintf(p.Err, format+"\n", args...)
}

func stateLabel(s run.State) string {
	return stateStyle(s).Sprint(string(s))
}
