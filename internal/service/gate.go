package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	cfotel "github.com/Strob0t/AgentPR/internal/adapter/otel"
	"github.com/Strob0t/AgentPR/internal/config"
	"github.com/Strob0t/AgentPR/internal/domain"
	"github.com/Strob0t/AgentPR/internal/domain/artifact"
	"github.com/Strob0t/AgentPR/internal/domain/event"
	"github.com/Strob0t/AgentPR/internal/domain/gate"
	"github.com/Strob0t/AgentPR/internal/domain/run"
	"github.com/Strob0t/AgentPR/internal/logger"
	"github.com/Strob0t/AgentPR/internal/port/notifier"
	"github.com/Strob0t/AgentPR/internal/port/workspace"
)

// GateService runs the two-phase confirmation protocol for opening a pull
// request.
type GateService struct {
	runs    *RunService
	prs     workspace.PRCreator
	notify  *NotificationService
	metrics *cfotel.Metrics
	cfg     config.Gate
	log     *slog.Logger
}

// NewGateService creates a GateService.
func NewGateService(runs *RunService, prs workspace.PRCreator, notify *NotificationService, cfg config.Gate, log *slog.Logger) *GateService {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Base == "" {
		cfg.Base = "main"
	}
	return &GateService{runs: runs, prs: prs, notify: notify, cfg: cfg, log: log}
}

// SetMetrics sets the metric instruments.
func (s *GateService) SetMetrics(m *cfotel.Metrics) { s.metrics = m }

// PRRequest is the operator's proposed pull request.
type PRRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Base  string `json:"base"`
	Draft bool   `json:"draft"`
}

// PendingGate is a created gate request with its one-time token.
type PendingGate struct {
	Request   *gate.Request  `json:"request"`
	Token     string         `json:"token"`
	Readiness gate.Readiness `json:"readiness"`
	Command   string         `json:"command"`
}

// ApproveRequest carries the approval inputs.
type ApproveRequest struct {
	Token     string `json:"token"`
	Confirmed bool   `json:"confirmed"`
	Bypass    bool   `json:"bypass"`
	Operator  string `json:"operator"`
}

// Approval is the outcome of an approve call.
type Approval struct {
	Status    string         `json:"status"` // "created" | "already_linked"
	PRNumber  int            `json:"pr_number"`
	URL       string         `json:"url,omitempty"`
	Readiness gate.Readiness `json:"readiness"`
	Bypassed  bool           `json:"bypassed,omitempty"`
}

// RequestPR binds a fresh token to the exact pull request that approve will
// open. The run must be PUSHED. The token is returned once.
func (s *GateService) RequestPR(ctx context.Context, runID string, req PRRequest) (*PendingGate, error) {
	ctx = logger.WithRunID(ctx, runID)
	v, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if v.Snapshot.State != run.StatePushed || v.Snapshot.Branch == "" {
		return nil, &run.TransitionError{Current: v.Snapshot.State, Attempted: run.StateCIWait, Event: event.TypePRLinked}
	}

	action := gate.Action{
		Title: strings.TrimSpace(req.Title),
		Body:  req.Body,
		Base:  req.Base,
		Head:  v.Snapshot.Branch,
		Draft: req.Draft,
	}
	if action.Title == "" {
		action.Title = firstLine(v.Run.Task)
	}
	if action.Base == "" {
		action.Base = s.cfg.Base
	}
	greq, token, err := gate.NewRequest(uuid.NewString(), runID, action, s.cfg.TokenTTL, s.runs.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	readiness, err := s.readiness(ctx, &v.Run)
	if err != nil {
		return nil, err
	}

	store := s.runs.Store()
	if err := store.CreateGateRequest(ctx, greq); err != nil {
		return nil, fmt.Errorf("create gate request %s: %w", runID, err)
	}
	a, err := artifact.JSON(runID, artifact.TypeGateRequest, map[string]any{
		"request":   greq,
		"readiness": readiness,
	}, map[string]any{"request_id": greq.ID})
	if err != nil {
		return nil, fmt.Errorf("encode gate request: %w", err)
	}
	if err := s.runs.AddArtifact(ctx, &a); err != nil {
		return nil, err
	}

	cmd := fmt.Sprintf("agentpr approve-pr %s --token %s --yes", runID, token)
	s.notify.Notify(ctx, notifier.Notification{
		RunID:   runID,
		Kind:    notifier.KindGateRequest,
		Title:   "Pull request awaiting approval",
		Message: action.Title,
		Level:   gateLevel(readiness),
		Fields: []notifier.Field{
			{Label: "Target", Value: v.Run.Target()},
			{Label: "Head", Value: action.Head},
			{Label: "Base", Value: action.Base},
			{Label: "Ready", Value: fmt.Sprintf("%t", readiness.OK)},
			{Label: "Expires", Value: greq.ExpiresAt.Format("2006-01-02 15:04 MST")},
		},
		Command: cmd,
	})
	s.metrics.Gate(ctx, "requested")
	logger.FromContext(ctx, s.log).Info("gate requested", "request_id", greq.ID, "ready", readiness.OK,
		"failed_checks", readiness.Codes())
	return &PendingGate{Request: greq, Token: token, Readiness: readiness, Command: cmd}, nil
}

// ApprovePR validates the token and the definition of done, then opens the
// pull request and links it to the run. The request is consumed before the
// platform call, so a failed call requires a new request. A valid request on
// a run that already has a linked pull request is consumed and reported as
// already_linked.
func (s *GateService) ApprovePR(ctx context.Context, runID string, req ApproveRequest) (*Approval, error) {
	ctx = logger.WithRunID(ctx, runID)
	log := logger.FromContext(ctx, s.log)
	if !req.Confirmed {
		s.metrics.Gate(ctx, gateOutcome(gate.ErrNotConfirmed))
		return nil, gate.ErrNotConfirmed
	}
	v, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	snap := v.Snapshot
	linked := snap.State == run.StateCIWait && snap.PRNumber > 0
	if !linked && snap.State != run.StatePushed {
		return nil, &run.TransitionError{Current: snap.State, Attempted: run.StateCIWait, Event: event.TypePRLinked}
	}

	store := s.runs.Store()
	greq, err := store.LatestGateRequest(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load gate request %s: %w", runID, err)
	}
	if err := greq.Check(req.Token, req.Confirmed, s.runs.now()); err != nil {
		s.metrics.Gate(ctx, gateOutcome(err))
		return nil, err
	}
	if linked {
		if err := s.consume(ctx, greq); err != nil {
			return nil, err
		}
		s.metrics.Gate(ctx, "already_linked")
		log.Info("gate request on linked run", "request_id", greq.ID, "pr_number", snap.PRNumber)
		return &Approval{Status: "already_linked", PRNumber: snap.PRNumber}, nil
	}

	readiness, err := s.readiness(ctx, &v.Run)
	if err != nil {
		return nil, err
	}
	if !readiness.OK && !req.Bypass {
		s.metrics.Gate(ctx, "blocked")
		return nil, &gate.BlockedError{Checks: readiness.Codes()}
	}
	if err := s.consume(ctx, greq); err != nil {
		return nil, err
	}
	if !readiness.OK {
		if err := s.recordBypass(ctx, &v.Run, greq, readiness, req.Operator); err != nil {
			return nil, err
		}
	}

	pr, err := s.prs.CreatePR(ctx, v.Run.Owner, v.Run.Repo, v.Run.Workspace, greq.Action)
	if err != nil {
		s.metrics.Gate(ctx, "create_failed")
		return nil, fmt.Errorf("create pull request %s: %w", runID, err)
	}

	a, err := artifact.JSON(runID, artifact.TypePRURL, pr, map[string]any{"request_id": greq.ID})
	if err != nil {
		return nil, fmt.Errorf("encode pr url: %w", err)
	}
	if err := s.runs.AddArtifact(ctx, &a); err != nil {
		return nil, err
	}
	if _, err := s.runs.Apply(ctx, runID, event.TypePRLinked, event.PRLinkedPayload{
		PRNumber: pr.Number,
		URL:      pr.URL,
	}, "", run.StatePushed); err != nil {
		return nil, err
	}
	s.metrics.Gate(ctx, "approved")
	log.Info("gate approved", "request_id", greq.ID, "pr_number", pr.Number, "bypassed", !readiness.OK)
	return &Approval{
		Status:    "created",
		PRNumber:  pr.Number,
		URL:       pr.URL,
		Readiness: readiness,
		Bypassed:  !readiness.OK,
	}, nil
}

func (s *GateService) consume(ctx context.Context, greq *gate.Request) error {
	if err := s.runs.Store().ConsumeGateRequest(ctx, greq.ID, s.runs.now()); err != nil {
		if errors.Is(err, gate.ErrTokenConsumed) {
			s.metrics.Gate(ctx, "consumed")
		}
		return err
	}
	return nil
}

// Readiness evaluates the definition of done for runID without changing
// anything.
func (s *GateService) Readiness(ctx context.Context, runID string) (gate.Readiness, error) {
	v, err := s.runs.Get(ctx, runID)
	if err != nil {
		return gate.Readiness{}, err
	}
	return s.readiness(ctx, &v.Run)
}

func (s *GateService) readiness(ctx context.Context, r *run.Run) (gate.Readiness, error) {
	eff, err := s.runs.Policy(r)
	if err != nil {
		return gate.Readiness{}, err
	}
	hasContract, err := s.hasArtifact(ctx, r.ID, artifact.TypeContract)
	if err != nil {
		return gate.Readiness{}, err
	}
	var digest *artifact.Digest
	a, err := s.runs.LatestArtifact(ctx, r.ID, artifact.TypeRunDigest)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return gate.Readiness{}, err
	default:
		var d artifact.Digest
		if err := a.Decode(&d); err != nil {
			return gate.Readiness{}, fmt.Errorf("decode run digest %s: %w", r.ID, err)
		}
		digest = &d
	}
	return gate.EvaluateReadiness(digest, hasContract, eff.RunPolicy), nil
}

func (s *GateService) hasArtifact(ctx context.Context, runID string, typ artifact.Type) (bool, error) {
	_, err := s.runs.LatestArtifact(ctx, runID, typ)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

func (s *GateService) recordBypass(ctx context.Context, r *run.Run, greq *gate.Request, readiness gate.Readiness, operator string) error {
	codes := readiness.Codes()
	logger.FromContext(ctx, s.log).Warn("gate readiness bypassed",
		"gate_bypass", true, "request_id", greq.ID, "failed_checks", codes, "operator", operator)

	a, err := artifact.JSON(r.ID, artifact.TypeGateBypass, map[string]any{
		"request_id": greq.ID,
		"readiness":  readiness,
		"operator":   operator,
	}, map[string]any{"request_id": greq.ID})
	if err != nil {
		return fmt.Errorf("encode gate bypass: %w", err)
	}
	if err := s.runs.AddArtifact(ctx, &a); err != nil {
		return err
	}
	if _, err := s.runs.Apply(ctx, r.ID, event.TypeGateBypass, event.GateBypassPayload{
		RequestID:    greq.ID,
		FailedChecks: codes,
		Operator:     operator,
	}, "", run.StatePushed); err != nil {
		return err
	}
	s.metrics.Gate(ctx, "bypassed")
	s.notify.Notify(ctx, notifier.Notification{
		RunID:   r.ID,
		Kind:    notifier.KindGateBypass,
		Title:   "Gate readiness bypassed",
		Message: "Emergency bypass of: " + strings.Join(codes, ", "),
		Level:   "warning",
		Fields:  []notifier.Field{{Label: "Operator", Value: operator}},
	})
	return nil
}

func gateOutcome(err error) string {
	switch {
	case errors.Is(err, gate.ErrNotConfirmed):
		return "not_confirmed"
	case errors.Is(err, gate.ErrTokenConsumed):
		return "consumed"
	case errors.Is(err, gate.ErrTokenExpired):
		return "expired"
	default:
		return "mismatch"
	}
}

func gateLevel(r gate.Readiness) string {
	if r.OK {
		return "info"
	}
	return "warning"
}

func firstLine(s string) string {
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(s), "\n", 2)[0])
	return truncate(line, 72)
}
