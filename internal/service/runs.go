package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	cfotel "github.com/Strob0t/AgentPR/internal/adapter/otel"
	"github.com/Strob0t/AgentPR/internal/domain"
	"github.com/Strob0t/AgentPR/internal/domain/artifact"
	"github.com/Strob0t/AgentPR/internal/domain/event"
	"github.com/Strob0t/AgentPR/internal/domain/policy"
	"github.com/Strob0t/AgentPR/internal/domain/run"
	"github.com/Strob0t/AgentPR/internal/logger"
	"github.com/Strob0t/AgentPR/internal/port/broadcast"
	"github.com/Strob0t/AgentPR/internal/port/ledger"
	"github.com/Strob0t/AgentPR/internal/port/messagequeue"
	"github.com/Strob0t/AgentPR/internal/port/workspace"
)

// Operator commands accepted by RunService.Command.
const (
	CommandStart  = "start"
	CommandPause  = "pause"
	CommandResume = "resume"
	CommandRetry  = "retry"
	CommandAbort  = "abort"
	CommandDone   = "done"
)

// ContentCache caches artifact content by reference.
type ContentCache interface {
	Set(ctx context.Context, key string, value []byte) error
	GetOrLoad(ctx context.Context, key string, load func(context.Context) ([]byte, error)) ([]byte, error)
}

// RunService owns the run ledger: intake, event application, operator
// commands and read access. Every state change goes through Apply.
type RunService struct {
	store        ledger.Store
	policy       *policy.Holder
	queue        messagequeue.Queue
	hub          broadcast.Broadcaster
	cache        ContentCache
	metrics      *cfotel.Metrics
	allowedRoots []string
	repo         workspace.Repo
	log          *slog.Logger
	now          func() time.Time
}

// NewRunService creates a RunService over store.
func NewRunService(store ledger.Store, pol *policy.Holder, log *slog.Logger) *RunService {
	if log == nil {
		log = slog.Default()
	}
	return &RunService{
		store:  store,
		policy: pol,
		hub:    broadcast.Nop{},
		log:    log,
		now:    clock,
	}
}

// clock truncates to the microsecond precision every store preserves, so a
// replayed projection matches the stored one.
func clock() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

// SetQueue enables state-change publication on NATS.
func (s *RunService) SetQueue(q messagequeue.Queue) { s.queue = q }

// SetBroadcaster sets the live status broadcaster.
func (s *RunService) SetBroadcaster(b broadcast.Broadcaster) { s.hub = b }

// SetCache sets the artifact content cache.
func (s *RunService) SetCache(c ContentCache) { s.cache = c }

// SetMetrics sets the metric instruments.
func (s *RunService) SetMetrics(m *cfotel.Metrics) { s.metrics = m }

// SetAllowedRoots restricts run workspaces to the given roots. Entries may
// be doublestar patterns. An empty list allows any workspace.
func (s *RunService) SetAllowedRoots(roots []string) { s.allowedRoots = roots }

// SetWorkspace makes CreateRun reject workspaces repo does not consider
// ready.
func (s *RunService) SetWorkspace(repo workspace.Repo) { s.repo = repo }

// Store returns the underlying ledger store.
func (s *RunService) Store() ledger.Store { return s.store }

// Policy returns the effective policy for r.
func (s *RunService) Policy(r *run.Run) (policy.Effective, error) {
	set := policy.Default()
	if s.policy != nil {
		set = s.policy.Current()
	}
	return set.Resolve(r.Owner, r.Repo)
}

// CreateRequest is the intake for a new run.
type CreateRequest struct {
	// ID is optional; successor runs use a derived id so creation is
	// idempotent.
	ID            string `json:"id,omitempty"`
	Owner         string `json:"owner"`
	Repo          string `json:"repo"`
	Workspace     string `json:"workspace"`
	Task          string `json:"task"`
	Instructions  string `json:"instructions,omitempty"`
	PolicyProfile string `json:"policy_profile,omitempty"`
	RetryOf       string `json:"retry_of,omitempty"`
}

// CreateRun validates req, records the run with its create event and writes
// the task contract artifact.
func (s *RunService) CreateRun(ctx context.Context, req CreateRequest) (*run.Run, ledger.Result, error) {
	if strings.TrimSpace(req.Task) == "" {
		return nil, ledger.Result{}, fmt.Errorf("create run: %w: task is required", domain.ErrValidation)
	}
	ws, err := s.checkWorkspace(req.Workspace)
	if err != nil {
		return nil, ledger.Result{}, err
	}
	if s.repo != nil {
		if err := s.repo.Ready(ctx, ws); err != nil {
			return nil, ledger.Result{}, fmt.Errorf("create run: %w: %w", domain.ErrValidation, err)
		}
	}
	now := s.now()
	r := &run.Run{
		ID:            req.ID,
		Owner:         strings.TrimSpace(req.Owner),
		Repo:          strings.TrimSpace(req.Repo),
		Workspace:     ws,
		Task:          strings.TrimSpace(req.Task),
		Instructions:  req.Instructions,
		PolicyProfile: req.PolicyProfile,
		RetryOf:       req.RetryOf,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if r.ID == "" {
		r.ID = run.NewID()
	}
	if err := r.Validate(); err != nil {
		return nil, ledger.Result{}, fmt.Errorf("create run: %w: %w", domain.ErrValidation, err)
	}
	if _, err := s.Policy(r); err != nil {
		return nil, ledger.Result{}, fmt.Errorf("create run: %w: %w", domain.ErrValidation, err)
	}

	ev, err := event.New(r.ID, event.TypeRunCreated, event.CreatePayload{
		Owner:         r.Owner,
		Repo:          r.Repo,
		Workspace:     r.Workspace,
		Task:          r.Task,
		PolicyProfile: r.PolicyProfile,
		RetryOf:       r.RetryOf,
		Instructions:  r.Instructions,
	}, "")
	if err != nil {
		return nil, ledger.Result{}, fmt.Errorf("create run: %w: %w", domain.ErrValidation, err)
	}
	ev.CreatedAt = now

	ctx, span := cfotel.StartApplySpan(ctx, r.ID, string(ev.Type))
	res, err := s.store.CreateRun(ctx, r, ev)
	cfotel.End(span, err)
	if err != nil {
		s.metrics.EventApplied(ctx, string(ev.Type), "error")
		return nil, ledger.Result{}, fmt.Errorf("create run: %w", err)
	}
	if res.Duplicate {
		s.metrics.EventApplied(ctx, string(ev.Type), "duplicate")
		stored, err := s.store.GetRun(ctx, r.ID)
		if err != nil {
			return nil, res, err
		}
		return stored, res, nil
	}
	s.metrics.EventApplied(ctx, string(ev.Type), "applied")

	contract, err := artifact.JSON(r.ID, artifact.TypeContract, artifact.Contract{
		Owner:         r.Owner,
		Repo:          r.Repo,
		Task:          r.Task,
		Instructions:  r.Instructions,
		PolicyProfile: r.PolicyProfile,
		Workspace:     r.Workspace,
		CreatedAt:     now,
	}, nil)
	if err != nil {
		return nil, res, fmt.Errorf("encode contract: %w", err)
	}
	if err := s.AddArtifact(ctx, &contract); err != nil {
		return nil, res, err
	}

	logger.FromContext(logger.WithRunID(ctx, r.ID), s.log).Info("run created",
		"owner", r.Owner, "repo", r.Repo, "retry_of", r.RetryOf)
	s.publish(ctx, r, run.Snapshot{}, res)
	return r, res, nil
}

func (s *RunService) checkWorkspace(dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return "", fmt.Errorf("create run: %w: workspace is required", domain.ErrValidation)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("create run: %w: workspace %s: %w", domain.ErrValidation, dir, err)
	}
	if len(s.allowedRoots) == 0 {
		return abs, nil
	}
	for _, root := range s.allowedRoots {
		if ok, _ := doublestar.PathMatch(root, abs); ok {
			return abs, nil
		}
		if rootAbs, err := filepath.Abs(root); err == nil {
			if rel, err := filepath.Rel(rootAbs, abs); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				return abs, nil
			}
		}
	}
	return "", fmt.Errorf("create run: %w: workspace %s is outside the allowed roots", domain.ErrValidation, abs)
}

// Apply records one event for runID. When key is empty it is derived from
// the payload. When expected is non-empty the run must currently be in
// that state.
func (s *RunService) Apply(ctx context.Context, runID string, typ event.Type, payload any, key string, expected run.State) (ledger.Result, error) {
	ev, err := event.New(runID, typ, payload, key)
	if err != nil {
		return ledger.Result{}, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	ev.CreatedAt = s.now()

	prev, err := s.store.Snapshot(ctx, runID)
	if err != nil {
		return ledger.Result{}, fmt.Errorf("apply %s to run %s: %w", typ, runID, err)
	}

	ctx, span := cfotel.StartApplySpan(ctx, runID, string(typ))
	res, err := s.store.ApplyEvent(ctx, ev, expected)
	cfotel.End(span, err)

	log := logger.FromContext(logger.WithRunID(ctx, runID), s.log)
	switch {
	case err != nil:
		s.metrics.EventApplied(ctx, string(typ), outcomeOf(err))
		log.Warn("event rejected", "event_type", typ, "state", prev.State, "error", err)
		return ledger.Result{}, fmt.Errorf("apply %s to run %s: %w", typ, runID, err)
	case res.Duplicate:
		s.metrics.EventApplied(ctx, string(typ), "duplicate")
		log.Debug("duplicate event ignored", "event_type", typ, "idempotency_key", ev.IdempotencyKey)
		return res, nil
	}
	s.metrics.EventApplied(ctx, string(typ), "applied")
	log.Info("event applied", "event_type", typ, "seq", res.Event.Seq,
		"from", prev.State, "to", res.Snapshot.State)

	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		log.Warn("run lookup for publication failed", "error", err)
		r = &run.Run{ID: runID}
	}
	s.publish(ctx, r, prev, res)
	return res, nil
}

func outcomeOf(err error) string {
	var te *run.TransitionError
	var se *run.StaleStateError
	switch {
	case errors.As(err, &te):
		return "illegal_transition"
	case errors.As(err, &se):
		return "stale"
	case errors.Is(err, domain.ErrValidation):
		return "invalid"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	}
	return "error"
}

// publish broadcasts an applied event and, when the state changed,
// publishes the transition on runs.state.<STATE>.
func (s *RunService) publish(ctx context.Context, r *run.Run, prev run.Snapshot, res ledger.Result) {
	if !res.Applied {
		return
	}
	s.hub.BroadcastEvent(ctx, r.ID, broadcast.EventApplied, res.Event)
	if prev.State == res.Snapshot.State {
		return
	}
	msg := messagequeue.StateChangedPayload{
		RunID:     r.ID,
		Owner:     r.Owner,
		Repo:      r.Repo,
		From:      string(prev.State),
		To:        string(res.Snapshot.State),
		Seq:       res.Event.Seq,
		EventType: string(res.Event.Type),
		LastError: res.Snapshot.LastError,
		PRNumber:  res.Snapshot.PRNumber,
		At:        res.Event.CreatedAt,
	}
	s.hub.BroadcastEvent(ctx, r.ID, broadcast.EventStateChanged, msg)
	if s.queue == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("encode state change", "run_id", r.ID, "error", err)
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.StateSubject(msg.To), data); err != nil {
		s.log.Warn("publish state change failed", "run_id", r.ID, "to", msg.To, "error", err)
	}
}

// CommandArgs are the optional arguments of an operator command.
type CommandArgs = messagequeue.CommandArgs

type pausePayload struct {
	Reason string `json:"reason,omitempty"`
}

// Command applies an operator command to a run. The idempotency key binds
// the command to the projection version it was issued against, so the
// same command issued twice against one version has one effect while a
// later repeat is a new event.
func (s *RunService) Command(ctx context.Context, runID, command string, args CommandArgs) (ledger.Result, error) {
	snap, err := s.store.Snapshot(ctx, runID)
	if err != nil {
		return ledger.Result{}, fmt.Errorf("%s run %s: %w", command, runID, err)
	}
	var (
		typ     event.Type
		payload any
	)
	switch command {
	case CommandStart:
		typ = event.TypeRunStarted
	case CommandPause:
		typ, payload = event.TypePause, pausePayload{Reason: args.Reason}
	case CommandResume, CommandRetry:
		if args.TargetState == "" {
			return ledger.Result{}, fmt.Errorf("%s run %s: %w: target_state is required", command, runID, domain.ErrValidation)
		}
		typ = event.TypeResume
		if command == CommandRetry {
			typ = event.TypeRetry
		}
		payload = event.TargetPayload{TargetState: strings.ToUpper(args.TargetState), Reason: args.Reason}
	case CommandAbort:
		reason := args.Reason
		if reason == "" {
			reason = "operator"
		}
		typ, payload = event.TypeAbort, event.AbortPayload{Reason: reason}
	case CommandDone:
		typ = event.TypeMarkDone
	default:
		return ledger.Result{}, fmt.Errorf("%w: unknown command %q", domain.ErrValidation, command)
	}
	key, err := commandKey(typ, runID, payload, snap.Version)
	if err != nil {
		return ledger.Result{}, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	return s.Apply(ctx, runID, typ, payload, key, snap.State)
}

func commandKey(typ event.Type, runID string, payload any, version int64) (string, error) {
	raw := json.RawMessage(`{}`)
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return "", err
		}
		raw = b
	}
	key, err := event.DeriveKey(typ, runID, raw)
	if err != nil {
		return "", err
	}
	return key + "@v" + strconv.FormatInt(version, 10), nil
}

// HandleCommand consumes a runs.commands message. Illegal or stale commands
// are logged and acknowledged; infrastructure errors are returned so the
// message is redelivered.
func (s *RunService) HandleCommand(ctx context.Context, _ string, data []byte) error {
	var msg messagequeue.CommandPayload
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	var args CommandArgs
	if len(msg.Args) > 0 {
		if err := json.Unmarshal(msg.Args, &args); err != nil {
			return fmt.Errorf("decode command args: %w", err)
		}
	}
	if msg.RequestID != "" {
		ctx = logger.WithRequestID(ctx, msg.RequestID)
	}
	log := logger.FromContext(logger.WithRunID(ctx, msg.RunID), s.log)
	_, err := s.Command(ctx, msg.RunID, msg.Command, args)
	var te *run.TransitionError
	var se *run.StaleStateError
	switch {
	case err == nil:
		log.Info("command applied", "command", msg.Command, "actor", msg.Actor)
		return nil
	case errors.As(err, &te), errors.As(err, &se),
		errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrNotFound):
		log.Warn("command rejected", "command", msg.Command, "actor", msg.Actor, "error", err)
		return nil
	}
	return err
}

// --- Reads ---

// Get returns a run and its projection.
func (s *RunService) Get(ctx context.Context, id string) (ledger.RunView, error) {
	r, err := s.store.GetRun(ctx, id)
	if err != nil {
		return ledger.RunView{}, err
	}
	snap, err := s.store.Snapshot(ctx, id)
	if err != nil {
		return ledger.RunView{}, err
	}
	return ledger.RunView{Run: *r, Snapshot: snap}, nil
}

// List returns runs matching f.
func (s *RunService) List(ctx context.Context, f ledger.ListFilter) ([]ledger.RunView, error) {
	return s.store.ListRuns(ctx, f)
}

// Events returns a run's event history in append order.
func (s *RunService) Events(ctx context.Context, id string) ([]event.Event, error) {
	if _, err := s.store.GetRun(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Events(ctx, id)
}

// Attempts returns a run's step attempts.
func (s *RunService) Attempts(ctx context.Context, id string) ([]run.StepAttempt, error) {
	return s.store.Attempts(ctx, id)
}

// Artifacts returns a run's artifacts without content.
func (s *RunService) Artifacts(ctx context.Context, id string) ([]artifact.Artifact, error) {
	arts, err := s.store.Artifacts(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := range arts {
		arts[i].Content = nil
	}
	return arts, nil
}

// LatestArtifact returns the most recent artifact of typ with content.
func (s *RunService) LatestArtifact(ctx context.Context, id string, typ artifact.Type) (*artifact.Artifact, error) {
	return s.store.LatestArtifact(ctx, id, typ)
}

// AddArtifact stores a and primes the content cache.
func (s *RunService) AddArtifact(ctx context.Context, a *artifact.Artifact) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	if err := s.store.AddArtifact(ctx, a); err != nil {
		return fmt.Errorf("add %s artifact to run %s: %w", a.Type, a.RunID, err)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, a.ContentRef(), a.Content); err != nil {
			s.log.Warn("artifact cache set failed", "run_id", a.RunID, "ref", a.ContentRef(), "error", err)
		}
	}
	return nil
}

// ArtifactContent returns the content behind a reference of the form
// "artifact:<run>:<type>:<id>".
func (s *RunService) ArtifactContent(ctx context.Context, ref string) ([]byte, error) {
	parts := strings.Split(ref, ":")
	if len(parts) != 4 || parts[0] != "artifact" {
		return nil, fmt.Errorf("%w: malformed artifact ref %q", domain.ErrValidation, ref)
	}
	runID := parts[1]
	id, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed artifact id in %q", domain.ErrValidation, ref)
	}
	load := func(ctx context.Context) ([]byte, error) {
		arts, err := s.store.Artifacts(ctx, runID)
		if err != nil {
			return nil, err
		}
		for _, a := range arts {
			if a.ID == id && string(a.Type) == parts[2] {
				return a.Content, nil
			}
		}
		return nil, fmt.Errorf("artifact %s: %w", ref, domain.ErrNotFound)
	}
	if s.cache == nil {
		return load(ctx)
	}
	return s.cache.GetOrLoad(ctx, ref, load)
}

// VerifyReport compares the stored projection with a replay of the events.
type VerifyReport struct {
	RunID    string       `json:"run_id"`
	Events   int          `json:"event_count"`
	Stored   run.Snapshot `json:"stored"`
	Replayed run.Snapshot `json:"replayed"`
	Match    bool         `json:"match"`
	// Diverged lists the snapshot fields that differ.
	Diverged []string `json:"diverged,omitempty"`
}

// Verify replays a run's events and reports any divergence from the stored
// projection.
func (s *RunService) Verify(ctx context.Context, id string) (VerifyReport, error) {
	events, err := s.Events(ctx, id)
	if err != nil {
		return VerifyReport{}, err
	}
	stored, err := s.store.Snapshot(ctx, id)
	if err != nil {
		return VerifyReport{}, err
	}
	replayed, err := run.Replay(events)
	if err != nil {
		return VerifyReport{}, fmt.Errorf("verify run %s: %w", id, err)
	}
	diverged, err := snapshotDiff(stored, replayed)
	if err != nil {
		return VerifyReport{}, err
	}
	return VerifyReport{
		RunID:    id,
		Events:   len(events),
		Stored:   stored,
		Replayed: replayed,
		Match:    len(diverged) == 0,
		Diverged: diverged,
	}, nil
}

func snapshotDiff(a, b run.Snapshot) ([]string, error) {
	am, err := asMap(a)
	if err != nil {
		return nil, err
	}
	bm, err := asMap(b)
	if err != nil {
		return nil, err
	}
	var out []string
	for k, av := range am {
		if string(av) != string(bm[k]) {
			out = append(out, k)
		}
	}
	for k := range bm {
		if _, ok := am[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func asMap(s run.Snapshot) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	err = json.Unmarshal(raw, &m)
	return m, err
}
