package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Strob0t/AgentPR/internal/domain"
	"github.com/Strob0t/AgentPR/internal/domain/run"
	"github.com/Strob0t/AgentPR/internal/port/ledger"
	"github.com/Strob0t/AgentPR/internal/service"
)

const maxListLimit = 500

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Runs    *service.RunService
	Gates   *service.GateService
	Ingress *service.IngressService
	Loop    *service.LoopService
}

// --- Runs ---

type createRunResponse struct {
	Run       *run.Run     `json:"run"`
	Snapshot  run.Snapshot `json:"snapshot"`
	Duplicate bool         `json:"duplicate"`
}

// CreateRun handles POST /api/v1/runs
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.CreateRequest](w, r)
	if !ok {
		return
	}
	created, res, err := h.Runs.CreateRun(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, createRunResponse{Run: created, Snapshot: res.Snapshot, Duplicate: res.Duplicate})
}

// ListRuns handles GET /api/v1/runs?state=EXECUTING,PAUSED&limit=50
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	var f ledger.ListFilter
	if raw := r.URL.Query().Get("state"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := run.ParseState(strings.ToUpper(strings.TrimSpace(part)))
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			f.States = append(f.States, st)
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > maxListLimit {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 0 and %d", maxListLimit))
			return
		}
		f.Limit = n
	}
	views, err := h.Runs.List(r.Context(), f)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if views == nil {
		views = []ledger.RunView{}
	}
	writeJSON(w, http.StatusOK, views)
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	v, err := h.Runs.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ListEvents handles GET /api/v1/runs/{id}/events
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Runs.Events(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// ListAttempts handles GET /api/v1/runs/{id}/attempts
func (h *Handlers) ListAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.Runs.Attempts(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	if attempts == nil {
		attempts = []run.StepAttempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

type artifactEntry struct {
	Ref       string         `json:"ref"`
	Type      string         `json:"type"`
	MediaType string         `json:"media_type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ListArtifacts handles GET /api/v1/runs/{id}/artifacts
func (h *Handlers) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	arts, err := h.Runs.Artifacts(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	out := make([]artifactEntry, len(arts))
	for i := range arts {
		a := &arts[i]
		out[i] = artifactEntry{
			Ref:       a.ContentRef(),
			Type:      string(a.Type),
			MediaType: a.MediaType,
			Metadata:  a.Metadata,
			CreatedAt: a.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// GetArtifactContent handles GET /api/v1/artifacts/{ref}
func (h *Handlers) GetArtifactContent(w http.ResponseWriter, r *http.Request) {
	content, err := h.Runs.ArtifactContent(r.Context(), urlParam(r, "ref"))
	if err != nil {
		writeDomainError(w, err, "artifact not found")
		return
	}
	ct := "text/plain; charset=utf-8"
	if json.Valid(content) {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

// VerifyRun handles GET /api/v1/runs/{id}/verify
func (h *Handlers) VerifyRun(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Runs.Verify(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// RunCommand handles POST /api/v1/runs/{id}/commands/{command}
func (h *Handlers) RunCommand(w http.ResponseWriter, r *http.Request) {
	args, ok := readJSON[service.CommandArgs](w, r)
	if !ok {
		return
	}
	res, err := h.Runs.Command(r.Context(), urlParam(r, "id"), urlParam(r, "command"), args)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Human gate ---

// RequestPR handles POST /api/v1/runs/{id}/gate/request
func (h *Handlers) RequestPR(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.PRRequest](w, r)
	if !ok {
		return
	}
	p, err := h.Gates.RequestPR(r.Context(), urlParam(r, "id"), req)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ApprovePR handles POST /api/v1/runs/{id}/gate/approve
func (h *Handlers) ApprovePR(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.ApproveRequest](w, r)
	if !ok {
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	ap, err := h.Gates.ApprovePR(r.Context(), urlParam(r, "id"), req)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	status := http.StatusCreated
	if ap.Status != "created" {
		status = http.StatusOK
	}
	writeJSON(w, status, ap)
}

// GateReadiness handles GET /api/v1/runs/{id}/gate/readiness
func (h *Handlers) GateReadiness(w http.ResponseWriter, r *http.Request) {
	rd, err := h.Gates.Readiness(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

// --- Manager loop ---

// LoopTick handles POST /api/v1/loop/tick and POST /api/v1/runs/{id}/tick
func (h *Handlers) LoopTick(w http.ResponseWriter, r *http.Request) {
	if id := urlParam(r, "id"); id != "" {
		rt, err := h.Loop.TickRun(r.Context(), id)
		if err != nil && errors.Is(err, domain.ErrNotFound) {
			writeDomainError(w, err, "run not found")
			return
		}
		// Action failures are part of the tick report.
		if err != nil && rt.Error == "" {
			rt.Error = err.Error()
		}
		writeJSON(w, http.StatusOK, rt)
		return
	}
	ticks, err := h.Loop.Tick(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if ticks == nil {
		ticks = []service.RunTick{}
	}
	writeJSON(w, http.StatusOK, ticks)
}

// --- Webhooks ---

// HandleGitHubWebhook handles POST /api/v1/webhooks/github. The signature
// and required headers are checked by middleware.
func (h *Handlers) HandleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	res, err := h.Ingress.Handle(r.Context(), r.Header.Get("X-GitHub-Event"), r.Header.Get("X-GitHub-Delivery"), body)
	if err != nil {
		if errors.Is(err, service.ErrRetryable) {
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusServiceUnavailable, "delivery not processed, retry")
			return
		}
		writeDomainError(w, err, "delivery not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
