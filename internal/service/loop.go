package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	cfotel "github.com/Strob0t/AgentPR/internal/adapter/otel"
	"github.com/Strob0t/AgentPR/internal/config"
	"github.com/Strob0t/AgentPR/internal/domain"
	"github.com/Strob0t/AgentPR/internal/domain/artifact"
	"github.com/Strob0t/AgentPR/internal/domain/decision"
	"github.com/Strob0t/AgentPR/internal/domain/event"
	"github.com/Strob0t/AgentPR/internal/domain/policy"
	"github.com/Strob0t/AgentPR/internal/domain/run"
	"github.com/Strob0t/AgentPR/internal/logger"
	"github.com/Strob0t/AgentPR/internal/port/ledger"
	"github.com/Strob0t/AgentPR/internal/port/notifier"
)

// successorNamespace derives successor run ids from their predecessor, so
// retrying a failed run twice yields the same successor.
var successorNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:agentpr:successor"))

// SuccessorID returns the id of the run created when runID is retried.
func SuccessorID(runID string) string {
	return uuid.NewSHA1(successorNamespace, []byte(runID)).String()
}

// RunTick is what one tick did to one run.
type RunTick struct {
	RunID     string              `json:"run_id"`
	Decisions []decision.Decision `json:"decisions"`
	Error     string              `json:"error,omitempty"`
}

// LoopService is the manager decision loop. Each tick evaluates every
// active run independently and performs at most one externally visible
// action per run.
type LoopService struct {
	runs    *RunService
	exec    *ExecutorService
	gates   *GateService
	advisor decision.Advisor
	notify  *NotificationService
	metrics *cfotel.Metrics
	cfg     config.Loop
	log     *slog.Logger

	mu       sync.Mutex
	failures map[string]int
}

// NewLoopService creates a LoopService.
func NewLoopService(runs *RunService, exec *ExecutorService, notify *NotificationService, cfg config.Loop, log *slog.Logger) *LoopService {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxActionsPerRun < 1 {
		cfg.MaxActionsPerRun = 4
	}
	if cfg.ConsecutiveFailureLimit < 1 {
		cfg.ConsecutiveFailureLimit = 3
	}
	return &LoopService{
		runs:     runs,
		exec:     exec,
		notify:   notify,
		cfg:      cfg,
		log:      log,
		failures: make(map[string]int),
	}
}

// SetAdvisor enables advisory composition for runs whose policy uses it.
func (s *LoopService) SetAdvisor(a decision.Advisor) { s.advisor = a }

// SetGates lets the loop open a gate request for runs reaching PUSHED.
func (s *LoopService) SetGates(g *GateService) { s.gates = g }

// SetMetrics sets the metric instruments.
func (s *LoopService) SetMetrics(m *cfotel.Metrics) { s.metrics = m }

// Run ticks every interval until ctx is done.
func (s *LoopService) Run(ctx context.Context) error {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.log.Info("decision loop started", "interval", interval, "concurrency", s.cfg.Concurrency)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.log.Info("decision loop stopped")
			return nil
		case <-t.C:
		}
	}
}

// Tick evaluates every run that is not DONE.
func (s *LoopService) Tick(ctx context.Context) ([]RunTick, error) {
	states := make([]run.State, 0, len(run.AllStates))
	for _, st := range run.AllStates {
		if st != run.StateDone {
			states = append(states, st)
		}
	}
	views, err := s.runs.List(ctx, ledger.ListFilter{States: states})
	if err != nil {
		return nil, err
	}

	out := make([]RunTick, len(views))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, v := range views {
		g.Go(func() error {
			rt, err := s.TickRun(gctx, v.Run.ID)
			if err != nil {
				rt.Error = err.Error()
			}
			out[i] = rt
			return nil
		})
	}
	_ = g.Wait()
	return out, ctx.Err()
}

// TickRun evaluates one run until it reaches an idle decision, performs an
// externally visible action, repeats a (state, action) pair or exhausts the
// per-tick action budget.
func (s *LoopService) TickRun(ctx context.Context, runID string) (rt RunTick, err error) {
	rt.RunID = runID
	ctx = logger.WithRunID(ctx, runID)
	ctx, span := cfotel.StartTickSpan(ctx, runID)
	defer func() { cfotel.End(span, err) }()
	log := logger.FromContext(ctx, s.log)

	var guard decision.Guard
	for range s.cfg.MaxActionsPerRun {
		v, err := s.runs.Get(ctx, runID)
		if err != nil {
			return rt, err
		}
		eff, err := s.runs.Policy(&v.Run)
		if err != nil {
			return rt, err
		}

		if timedOut, err := s.checkStale(ctx, v, eff); err != nil {
			return rt, s.recordFailure(ctx, runID, err)
		} else if timedOut {
			continue
		}

		d, err := s.decide(ctx, v, eff)
		if err != nil {
			return rt, err
		}
		if !guard.Observe(d) {
			log.Debug("repeated decision stops tick", "state", d.State, "action", d.Action)
			return rt, nil
		}
		rt.Decisions = append(rt.Decisions, d)
		s.metrics.Action(ctx, string(d.Action), string(d.Source))
		if d.Action.Idle() {
			if err := s.idle(ctx, v, d); err != nil {
				log.Warn("idle follow-up failed", "error", err)
			}
			return rt, nil
		}

		s.recordDecision(ctx, v.Run.ID, d)
		stop, err := s.perform(ctx, v, d)
		if err != nil {
			return rt, s.recordFailure(ctx, runID, err)
		}
		s.resetFailures(runID)
		if stop {
			return rt, nil
		}
	}
	return rt, nil
}

// decide applies the rules table and, when the run's policy enables it,
// composes advisory input on top.
func (s *LoopService) decide(ctx context.Context, v ledger.RunView, eff policy.Effective) (decision.Decision, error) {
	snap := v.Snapshot
	facts := decision.Facts{Snapshot: snap, MaxRunRetries: eff.MaxRunRetries}
	if snap.State == run.StateFailed {
		depth, err := s.runs.Store().LineageDepth(ctx, v.Run.ID)
		if err != nil {
			return decision.Decision{}, err
		}
		facts.LineageDepth = depth
	}
	d := decision.Decide(facts)

	if d.Action == decision.ActionRetry && d.Successor {
		_, err := s.runs.Store().GetRun(ctx, SuccessorID(v.Run.ID))
		switch {
		case err == nil:
			d.Action, d.Reason, d.Successor = decision.ActionNoop, "successor run already created", false
			return d, nil
		case !errors.Is(err, domain.ErrNotFound):
			return decision.Decision{}, err
		}
	}
	if s.advisor == nil || !eff.RuntimeGradingMode.UsesAdvisor() {
		return d, nil
	}

	var adv decision.Advice
	log := logger.FromContext(ctx, s.log)
	switch {
	case d.Action == decision.ActionRetry:
		rs, err := s.advisor.SuggestRetry(ctx, snap, v.Run.Task)
		if err != nil {
			log.Warn("retry advice unavailable", "error", err)
			break
		}
		adv.Retry, adv.Rationale = &rs, rs.Reason
		s.addJSON(ctx, v.Run.ID, artifact.TypeRetryStrategy, rs, map[string]any{"state": string(snap.State)})
	case d.Action == decision.ActionAdvance && snap.State == run.StateIterating:
		t, err := s.triage(ctx, v)
		if err != nil {
			log.Warn("comment triage unavailable", "error", err)
			break
		}
		if t != nil {
			adv.Triage, adv.Rationale = t, t.Reason
		}
	}
	return decision.Compose(d, adv), nil
}

// triage classifies the latest review comment of an ITERATING run. The
// outcome is cached per comment event in a review_triage artifact.
func (s *LoopService) triage(ctx context.Context, v ledger.RunView) (*decision.Triage, error) {
	events, err := s.runs.Events(ctx, v.Run.ID)
	if err != nil {
		return nil, err
	}
	var (
		comment decision.Comment
		seq     int64
	)
	for i := len(events) - 1; i >= 0 && seq == 0; i-- {
		ev := events[i]
		switch ev.Type {
		case event.TypeCommentCreated:
			var p event.CommentCreatedPayload
			if err := ev.Decode(&p); err == nil && p.Body != "" {
				comment, seq = decision.Comment{Author: p.Author, Body: p.Body}, ev.Seq
			}
		case event.TypeReviewSubmitted:
			var p event.ReviewSubmittedPayload
			if err := ev.Decode(&p); err == nil && p.Body != "" {
				comment, seq = decision.Comment{Body: p.Body}, ev.Seq
			}
		}
	}
	if seq == 0 {
		return nil, nil
	}

	cached, err := s.runs.LatestArtifact(ctx, v.Run.ID, artifact.TypeReviewTriage)
	switch {
	case err == nil && fmt.Sprint(cached.Metadata["event_seq"]) == fmt.Sprint(seq):
		var t decision.Triage
		if err := cached.Decode(&t); err == nil {
			return &t, nil
		}
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	t, err := s.advisor.TriageComment(ctx, v.Snapshot, comment)
	if err != nil {
		return nil, err
	}
	s.addJSON(ctx, v.Run.ID, artifact.TypeReviewTriage, t, map[string]any{"event_seq": seq})
	return &t, nil
}

// perform executes d. It reports whether the tick must stop because d was
// externally visible or handed work to the agent.
func (s *LoopService) perform(ctx context.Context, v ledger.RunView, d decision.Decision) (bool, error) {
	log := logger.FromContext(ctx, s.log)
	switch d.Action {
	case decision.ActionAdvance:
		if v.Snapshot.State == run.StateQueued {
			_, err := s.runs.Command(ctx, v.Run.ID, CommandStart, CommandArgs{})
			return false, err
		}
		return true, s.invoke(ctx, v, d.Instructions)

	case decision.ActionFinalize:
		return true, s.exec.Finalize(ctx, v)

	case decision.ActionRetry:
		if !d.Successor {
			return true, s.invoke(ctx, v, d.Instructions)
		}
		return true, s.createSuccessor(ctx, &v.Run, d)

	case decision.ActionEscalate:
		code := d.EscalationCode
		if code == "" {
			code = "manager_escalation"
		}
		rationale := d.Rationale
		if rationale == "" {
			rationale = d.Reason
		}
		if _, err := s.runs.Apply(ctx, v.Run.ID, event.TypeEscalated, event.EscalatedPayload{
			ReasonCode: code,
			Rationale:  rationale,
		}, "", v.Snapshot.State); err != nil {
			return true, err
		}
		s.notify.Notify(ctx, notifier.Notification{
			RunID:   v.Run.ID,
			Kind:    notifier.KindEscalation,
			Title:   "Run needs human review",
			Message: rationale,
			Level:   "warning",
			Fields: []notifier.Field{
				{Label: "Target", Value: v.Run.Target()},
				{Label: "Reason", Value: code},
			},
			Command: "agentpr show " + v.Run.ID,
		})
		log.Info("run escalated", "reason_code", code)
		return true, nil
	}
	return true, fmt.Errorf("%w: action %q is not performable", domain.ErrValidation, d.Action)
}

func (s *LoopService) invoke(ctx context.Context, v ledger.RunView, instructions string) error {
	err := s.exec.Invoke(ctx, v, instructions)
	if errBusy(err) {
		return nil
	}
	return err
}

func (s *LoopService) createSuccessor(ctx context.Context, prev *run.Run, d decision.Decision) error {
	instructions := d.Instructions
	if instructions == "" {
		instructions = prev.Instructions
	}
	next, res, err := s.runs.CreateRun(ctx, CreateRequest{
		ID:            SuccessorID(prev.ID),
		Owner:         prev.Owner,
		Repo:          prev.Repo,
		Workspace:     prev.Workspace,
		Task:          prev.Task,
		Instructions:  instructions,
		PolicyProfile: prev.PolicyProfile,
		RetryOf:       prev.ID,
	})
	if err != nil {
		return fmt.Errorf("create successor of %s: %w", prev.ID, err)
	}
	logger.FromContext(ctx, s.log).Info("successor run created", "successor_id", next.ID, "duplicate", res.Duplicate)
	return nil
}

// checkStale times out an agent attempt that has been in flight for more
// than twice its hard timeout without a live invocation in this process.
func (s *LoopService) checkStale(ctx context.Context, v ledger.RunView, eff policy.Effective) (bool, error) {
	snap := v.Snapshot
	if !snap.InFlight() || s.exec.Busy(v.Run.ID) {
		return false, nil
	}
	limit := 2 * s.exec.Timeout(eff)
	if limit <= 0 || s.runs.now().Sub(snap.AgentStartedAt) <= limit {
		return false, nil
	}
	logger.FromContext(ctx, s.log).Warn("stale agent attempt timed out",
		"attempt_no", snap.AgentAttempt, "started_at", snap.AgentStartedAt)
	_, err := s.runs.Apply(ctx, v.Run.ID, event.TypeTimeout, event.TimeoutPayload{Step: StepAgent}, "", snap.State)
	if err != nil {
		return false, err
	}
	return true, nil
}

// idle handles follow-ups of idle decisions: a PUSHED run without a gate
// request gets one.
func (s *LoopService) idle(ctx context.Context, v ledger.RunView, _ decision.Decision) error {
	if s.gates == nil || v.Snapshot.State != run.StatePushed {
		return nil
	}
	_, err := s.runs.Store().LatestGateRequest(ctx, v.Run.ID)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, domain.ErrNotFound):
		return err
	}
	_, err = s.gates.RequestPR(ctx, v.Run.ID, PRRequest{})
	return err
}

func (s *LoopService) recordDecision(ctx context.Context, runID string, d decision.Decision) {
	s.addJSON(ctx, runID, artifact.TypeManagerDecision, d, map[string]any{
		"state":  string(d.State),
		"action": string(d.Action),
		"source": string(d.Source),
	})
}

func (s *LoopService) addJSON(ctx context.Context, runID string, typ artifact.Type, v any, meta map[string]any) {
	a, err := artifact.JSON(runID, typ, v, meta)
	if err == nil {
		err = s.runs.AddArtifact(ctx, &a)
	}
	if err != nil {
		logger.FromContext(ctx, s.log).Warn("artifact not recorded", "type", typ, "error", err)
	}
}

// recordFailure counts a failed action. Conflicts with a concurrent writer
// are not counted. At the limit the run is paused and the operator told.
func (s *LoopService) recordFailure(ctx context.Context, runID string, cause error) error {
	var terr *run.TransitionError
	var serr *run.StaleStateError
	if errors.As(cause, &terr) || errors.As(cause, &serr) {
		return cause
	}

	s.mu.Lock()
	s.failures[runID]++
	n := s.failures[runID]
	if n >= s.cfg.ConsecutiveFailureLimit {
		delete(s.failures, runID)
	}
	s.mu.Unlock()

	log := logger.FromContext(ctx, s.log)
	log.Warn("manager action failed", "consecutive_failures", n, "error", cause)
	if n < s.cfg.ConsecutiveFailureLimit {
		return cause
	}

	reason := fmt.Sprintf("%d consecutive action failures", n)
	if _, err := s.runs.Command(ctx, runID, CommandPause, CommandArgs{Reason: reason}); err != nil {
		log.Error("pause after failure limit failed", "error", err)
	}
	s.notify.Notify(ctx, notifier.Notification{
		RunID:   runID,
		Kind:    notifier.KindFailureLimit,
		Title:   "Run paused after repeated failures",
		Message: cause.Error(),
		Level:   "error",
		Fields:  []notifier.Field{{Label: "Failures", Value: fmt.Sprint(n)}},
		Command: "agentpr resume " + runID + " --target-state EXECUTING",
	})
	return cause
}

func (s *LoopService) resetFailures(runID string) {
	s.mu.Lock()
	delete(s.failures, runID)
	s.mu.Unlock()
}
