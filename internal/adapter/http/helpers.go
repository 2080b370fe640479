package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/AgentPR/internal/agentpool"
	"github.com/Strob0t/AgentPR/internal/domain"
	"github.com/Strob0t/AgentPR/internal/domain/gate"
	"github.com/Strob0t/AgentPR/internal/domain/run"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// ---------------------------------------------------------------------------
// Request helpers
// ---------------------------------------------------------------------------

// readJSON decodes a JSON request body with a size limit. An empty body
// decodes to the zero value.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	if r.Body == nil || r.ContentLength == 0 {
		return v, true
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

// urlParam is a short alias for chi.URLParam.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

type errorResponse struct {
	Error string `json:"error"`
	// Checks lists the failed readiness checks of a blocked gate.
	Checks []string `json:"checks,omitempty"`
	// Current is the run state behind a rejected transition.
	Current run.State `json:"current_state,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeDomainError(w http.ResponseWriter, err error, fallbackMsg string) {
	var (
		transition *run.TransitionError
		stale      *run.StaleStateError
		blocked    *gate.BlockedError
	)
	switch {
	case errors.As(err, &transition):
		writeJSON(w, http.StatusConflict, errorResponse{Error: transition.Error(), Current: transition.Current})
	case errors.As(err, &stale):
		writeJSON(w, http.StatusConflict, errorResponse{Error: stale.Error(), Current: stale.Current})
	case errors.As(err, &blocked):
		writeJSON(w, http.StatusPreconditionFailed, errorResponse{Error: "gate blocked", Checks: blocked.Checks})
	case errors.Is(err, gate.ErrNotConfirmed):
		writeError(w, http.StatusBadRequest, gate.ErrNotConfirmed.Error())
	case errors.Is(err, gate.ErrTokenMismatch):
		writeError(w, http.StatusForbidden, gate.ErrTokenMismatch.Error())
	case errors.Is(err, gate.ErrTokenExpired):
		writeError(w, http.StatusGone, gate.ErrTokenExpired.Error())
	case errors.Is(err, gate.ErrTokenConsumed):
		writeError(w, http.StatusConflict, gate.ErrTokenConsumed.Error())
	case errors.Is(err, agentpool.ErrBusy):
		writeError(w, http.StatusConflict, agentpool.ErrBusy.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, fallbackMsg)
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "resource was modified by another request")
	case errors.Is(err, domain.ErrValidation):
		msg := err.Error()
		if i := strings.Index(msg, domain.ErrValidation.Error()+": "); i >= 0 {
			msg = msg[i+len(domain.ErrValidation.Error())+2:]
		}
		writeError(w, http.StatusBadRequest, msg)
	default:
		writeInternalError(w, err)
	}
}

// writeInternalError logs the actual error server-side and returns a generic message to the client.
func writeInternalError(w http.ResponseWriter, err error) {
	slog.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}
