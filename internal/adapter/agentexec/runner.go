// Package agentexec runs the coding agent as a local child process.
package agentexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Strob0t/AgentPR/internal/port/agent"
)

const (
	maxTranscript = 32 << 20
	stderrTail    = 8 << 10
	waitDelay     = 5 * time.Second
)

// Runner starts command with args in the run's workspace. The prompt is
// written to stdin and the JSONL transcript read from stdout.
type Runner struct {
	command string
	args    []string
	log     *slog.Logger
}

// New creates a Runner.
func New(command string, args []string, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{command: command, args: append([]string(nil), args...), log: log}
}

// Prompt renders the text handed to the agent on stdin.
func Prompt(req agent.Request) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(req.Task))
	b.WriteString("\n")
	if s := strings.TrimSpace(req.Instructions); s != "" {
		b.WriteString("\nAdditional instructions:\n")
		b.WriteString(s)
		b.WriteString("\n")
	}
	if s := strings.TrimSpace(req.Constraints); s != "" {
		b.WriteString("\nConstraints:\n")
		b.WriteString(s)
		b.WriteString("\n")
	}
	return b.String()
}

// Run executes one attempt. Agent failures, including timeouts, are
// reported in the Result; only an agent that cannot start is an error.
func (r *Runner) Run(ctx context.Context, req agent.Request) (*agent.Result, error) {
	if r.command == "" {
		return nil, errors.New("agentexec: agent command is not configured")
	}
	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.command, r.args...)
	cmd.Dir = req.Workspace
	cmd.Env = append(os.Environ(),
		"AGENTPR_RUN_ID="+req.RunID,
		"AGENTPR_ATTEMPT="+strconv.Itoa(req.AttemptNo),
		"AGENTPR_STATE="+req.State,
	)
	cmd.Stdin = strings.NewReader(Prompt(req))
	stdout := &capped{limit: maxTranscript}
	stderr := &tail{limit: stderrTail}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	res := &agent.Result{StartedAt: time.Now().UTC()}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agentexec: start %s: %w", r.command, err)
	}
	r.log.InfoContext(ctx, "agent started", "run_id", req.RunID, "attempt_no", req.AttemptNo, "pid", cmd.Process.Pid)

	err := cmd.Wait()
	res.FinishedAt = time.Now().UTC()
	res.Transcript = stdout.Bytes()
	res.Stderr = stderr.String()
	if stdout.truncated {
		r.log.WarnContext(ctx, "agent transcript truncated", "run_id", req.RunID, "limit_bytes", maxTranscript)
	}

	if ctx.Err() != nil {
		return nil, fmt.Errorf("agentexec: %w", ctx.Err())
	}
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
	case err == nil:
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("agentexec: wait: %w", err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

// capped keeps the first limit bytes written to it.
type capped struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *capped) Write(p []byte) (int, error) {
	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
			c.truncated = true
		} else {
			c.buf.Write(p)
		}
	} else if len(p) > 0 {
		c.truncated = true
	}
	return len(p), nil
}

func (c *capped) Bytes() []byte { return c.buf.Bytes() }

// tail keeps the last limit bytes written to it.
type tail struct {
	buf   []byte
	limit int
}

func (t *tail) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

// String drops a partial rune left at the front by trimming.
func (t *tail) String() string {
	b := t.buf
	for len(b) > 0 && !utf8.RuneStart(b[0]) {
		b = b[1:]
	}
	return string(b)
}
