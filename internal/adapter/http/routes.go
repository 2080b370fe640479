package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/AgentPR/internal/config"
	"github.com/Strob0t/AgentPR/internal/middleware"
	"github.com/Strob0t/AgentPR/internal/port/cache"
)

// RouteOptions carries the optional route middlewares.
type RouteOptions struct {
	Webhook config.Webhook
	// WebhookSecret overrides Webhook.GitHubSecret with a per-request lookup.
	WebhookSecret func() string
	// Limiter throttles the API group when set.
	Limiter *middleware.RateLimiter
	// Idempotency replays mutating API responses keyed by the
	// Idempotency-Key header when set.
	Idempotency cache.Cache
}

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, opts RouteOptions) {
	secret := opts.WebhookSecret
	if secret == nil {
		static := opts.Webhook.GitHubSecret
		secret = func() string { return static }
	}
	// Webhooks stay outside the rate limiter; the signature is the gate.
	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.With(
			middleware.WebhookHMACFunc(secret, "X-Hub-Signature-256", maxRequestBodySize),
			middleware.RequireHeaders("X-GitHub-Event", "X-GitHub-Delivery"),
		).Post("/github", h.HandleGitHubWebhook)
	})

	r.Route("/api/v1", func(r chi.Router) {
		if opts.Limiter != nil {
			r.Use(opts.Limiter.Handler)
		}

		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Reads
		r.Get("/runs", h.ListRuns)
		r.Get("/runs/{id}", h.GetRun)
		r.Get("/runs/{id}/events", h.ListEvents)
		r.Get("/runs/{id}/attempts", h.ListAttempts)
		r.Get("/runs/{id}/artifacts", h.ListArtifacts)
		r.Get("/runs/{id}/verify", h.VerifyRun)
		r.Get("/runs/{id}/gate/readiness", h.GateReadiness)
		r.Get("/artifacts/{ref}", h.GetArtifactContent)

		// Mutations
		r.Group(func(r chi.Router) {
			if opts.Idempotency != nil {
				r.Use(middleware.Idempotency(opts.Idempotency))
			}
			r.Post("/runs", h.CreateRun)
			r.Post("/runs/{id}/commands/{command}", h.RunCommand)
			r.Post("/runs/{id}/gate/request", h.RequestPR)
			r.Post("/runs/{id}/gate/approve", h.ApprovePR)
			r.Post("/runs/{id}/tick", h.LoopTick)
			r.Post("/loop/tick", h.LoopTick)
		})
	})
}
