package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	cfhttp "github.com/Strob0t/AgentPR/internal/adapter/http"
	"github.com/Strob0t/AgentPR/internal/adapter/mcp"
	cfnats "github.com/Strob0t/AgentPR/internal/adapter/nats"
	"github.com/Strob0t/AgentPR/internal/adapter/natskv"
	cfotel "github.com/Strob0t/AgentPR/internal/adapter/otel"
	"github.com/Strob0t/AgentPR/internal/adapter/ristretto"
	"github.com/Strob0t/AgentPR/internal/adapter/tiered"
	"github.com/Strob0t/AgentPR/internal/adapter/ws"
	"github.com/Strob0t/AgentPR/internal/middleware"
	"github.com/Strob0t/AgentPR/internal/port/cache"
	"github.com/Strob0t/AgentPR/internal/port/messagequeue"
	"github.com/Strob0t/AgentPR/internal/secrets"
)

// Version is the build version, set with -ldflags at release time.
var Version = "dev"

// Secret names read from the environment and reloaded on SIGHUP.
const (
	secretWebhook = "AGENTPR_WEBHOOK_GITHUB_SECRET"
	secretMCPKey  = "AGENTPR_MCP_API_KEY"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	noLoop  bool
	mcpAddr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var so serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, webhook ingress and decision loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts, so)
		},
	}
	cmd.Flags().BoolVar(&so.noLoop, "no-loop", false, "do not run the decision loop in this process")
	cmd.Flags().StringVar(&so.mcpAddr, "mcp-addr", "", "also serve MCP over streamable HTTP on this address")
	return cmd
}

func runServe(cmd *cobra.Command, opts *RootOptions, so serveOptions) error {
	ctx := cmd.Context()
	cfg, err := opts.config()
	if err != nil {
		return err
	}
	log := opts.logger(cmd, cfg)
	log.Info("config loaded",
		"port", cfg.Server.Port,
		"store", cfg.Store.Driver,
		"log_level", cfg.Logging.Level,
		"nats", cfg.NATS.URL != "",
		"advisor", cfg.Advisor.URL != "",
	)

	// --- Telemetry ---

	shutdownOTEL, err := cfotel.Setup(ctx, cfg.OTEL, log)
	if err != nil {
		return WrapExitError(ExitCommandError, "otel", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownOTEL(sctx); err != nil {
			log.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := cfotel.NewMetrics()
	if err != nil {
		return WrapExitError(ExitCommandError, "metrics", err)
	}

	// --- Services ---

	app, err := opts.Build(ctx, cfg, log)
	if err != nil {
		return WrapExitError(ExitCommandError, "initialize", err)
	}
	defer app.Close()

	app.Runs.SetMetrics(metrics)
	app.Exec.SetMetrics(metrics)
	app.Gates.SetMetrics(metrics)
	app.Loop.SetMetrics(metrics)
	app.Ingress.SetMetrics(metrics)

	hub := ws.NewHub(log)
	app.Runs.SetBroadcaster(hub)

	// --- Infrastructure ---

	var (
		queue *cfnats.Queue
		l2    cache.Cache
	)
	if cfg.NATS.URL != "" {
		queue, err = cfnats.Connect(ctx, cfg.NATS.URL, cfg.NATS.Stream, log)
		if err != nil {
			return WrapExitError(ExitCommandError, "nats", err)
		}
		defer func() {
			if err := queue.Drain(); err != nil {
				log.Warn("nats drain", "error", err)
			}
		}()
		app.Runs.SetQueue(queue)

		cancelCommands, err := queue.Subscribe(ctx, messagequeue.SubjectRunCommands, app.Runs.HandleCommand)
		if err != nil {
			return WrapExitError(ExitCommandError, "subscribe commands", err)
		}
		defer cancelCommands()

		kv, err := queue.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
		if err != nil {
			log.Warn("artifact L2 cache unavailable", "bucket", cfg.Cache.L2Bucket, "error", err)
		} else {
			l2 = natskv.New(kv)
		}
	}

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return WrapExitError(ExitCommandError, "cache", err)
	}
	defer l1.Close()
	content := tiered.New(l1, l2, log)
	app.Runs.SetCache(content)

	if cfg.Policy.Watch && cfg.Policy.File != "" {
		if err := app.Policy.Watch(ctx, cfg.Policy.File, log); err != nil {
			log.Warn("policy watch disabled", "path", cfg.Policy.File, "error", err)
		}
	}

	vault, err := secrets.NewVault(secrets.EnvLoader(secretWebhook, secretMCPKey))
	if err != nil {
		return WrapExitError(ExitCommandError, "secrets", err)
	}
	stopReload := reloadOnHangup(vault, log)
	defer stopReload()

	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := limiter.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
	defer stopCleanup()

	// --- HTTP ---

	handlers := &cfhttp.Handlers{
		Runs:    app.Runs,
		Gates:   app.Gates,
		Ingress: app.Ingress,
		Loop:    app.Loop,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(cfhttp.Logger(log))
	r.Use(chimw.Recoverer)
	r.Use(cfhttp.SecurityHeaders)
	r.Use(cfhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(cfotel.HTTPMiddleware(cfg.OTEL.ServiceName))

	r.Get("/health", healthHandler(queue, hub))
	r.Get("/ws", hub.HandleWS)
	cfhttp.MountRoutes(r, handlers, cfhttp.RouteOptions{
		Webhook:       cfg.Webhook,
		WebhookSecret: vault.Lookup(secretWebhook, cfg.Webhook.GitHubSecret),
		Limiter:       limiter,
		Idempotency:   content,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	var mcpSrv *mcp.Server
	if so.mcpAddr != "" {
		mcpSrv = mcp.NewServer(mcp.ServerConfig{
			Addr:    so.mcpAddr,
			Name:    "agentpr",
			Version: Version,
			APIKey:  vault.Get(secretMCPKey),
		}, mcp.ServerDeps{Runs: app.Runs, Gates: app.Gates})
		if err := mcpSrv.Start(); err != nil {
			return WrapExitError(ExitCommandError, "mcp", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if !so.noLoop {
		g.Go(func() error { return app.Loop.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if mcpSrv != nil {
			_ = mcpSrv.Stop(sctx)
		}
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitCommandError, "serve", err)
	}
	return nil
}

// reloadOnHangup reloads the vault on every SIGHUP until the returned stop
// function is called.
func reloadOnHangup(v *secrets.Vault, log *slog.Logger) func() {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-hup:
				if err := v.Reload(); err != nil {
					log.Error("secret reload failed", "error", err)
					continue
				}
				log.Info("secrets reloaded", "keys", v.Keys())
			}
		}
	}()
	return func() {
		signal.Stop(hup)
		close(done)
	}
}

// healthHandler reports process health and the state of optional
// infrastructure.
func healthHandler(queue *cfnats.Queue, hub *ws.Hub) http.HandlerFunc {
	type healthStatus struct {
		Status    string `json:"status"`
		Version   string `json:"version"`
		NATS      string `json:"nats"`
		WSClients int    `json:"ws_clients"`
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		status := healthStatus{Status: "ok", Version: Version, NATS: "disabled", WSClients: hub.ConnectionCount()}
		code := http.StatusOK
		if queue != nil {
			status.NATS = "connected"
			if !queue.IsConnected() {
				status.NATS = "disconnected"
				status.Status = "degraded"
				code = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}
