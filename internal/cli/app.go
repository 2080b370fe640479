package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Strob0t/AgentPR/internal/adapter/agentexec"
	"github.com/Strob0t/AgentPR/internal/adapter/githubpr"
	"github.com/Strob0t/AgentPR/internal/adapter/gitlocal"
	"github.com/Strob0t/AgentPR/internal/adapter/litellm"
	"github.com/Strob0t/AgentPR/internal/adapter/postgres"
	"github.com/Strob0t/AgentPR/internal/adapter/sqlite"
	"github.com/Strob0t/AgentPR/internal/agentpool"
	"github.com/Strob0t/AgentPR/internal/config"
	"github.com/Strob0t/AgentPR/internal/domain/policy"
	"github.com/Strob0t/AgentPR/internal/port/agent"
	"github.com/Strob0t/AgentPR/internal/port/ledger"
	"github.com/Strob0t/AgentPR/internal/port/notifier"
	"github.com/Strob0t/AgentPR/internal/port/workspace"
	"github.com/Strob0t/AgentPR/internal/resilience"
	"github.com/Strob0t/AgentPR/internal/service"

	// Self-registering notifiers.
	_ "github.com/Strob0t/AgentPR/internal/adapter/discord"
	_ "github.com/Strob0t/AgentPR/internal/adapter/slack"
)

// App is the wired orchestrator behind every command.
type App struct {
	Config  *config.Config
	Log     *slog.Logger
	Store   ledger.Store
	Policy  *policy.Holder
	Runs    *service.RunService
	Exec    *service.ExecutorService
	Gates   *service.GateService
	Loop    *service.LoopService
	Ingress *service.IngressService
	Notify  *service.NotificationService

	closers []func()
}

// Deps are the external collaborators an App is built from. Zero fields
// are filled from the configuration.
type Deps struct {
	Store  ledger.Store
	Runner agent.Runner
	Repo   workspace.Repo
	PRs    workspace.PRCreator
}

// Builder constructs an App from configuration.
type Builder func(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error)

// Build connects the configured store and wires the services.
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	return BuildWith(ctx, cfg, log, Deps{})
}

// BuildWith is Build with explicit collaborators.
func BuildWith(ctx context.Context, cfg *config.Config, log *slog.Logger, deps Deps) (*App, error) {
	app := &App{Config: cfg, Log: log}

	pol, err := loadPolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	app.Policy = policy.NewHolder(pol)

	if deps.Store == nil {
		deps.Store, err = openStore(ctx, cfg, app)
		if err != nil {
			return nil, err
		}
	}
	app.Store = deps.Store
	if deps.Runner == nil {
		if cfg.Agent.Command == "" {
			deps.Runner = unconfiguredRunner{}
		} else {
			deps.Runner = agentexec.New(cfg.Agent.Command, cfg.Agent.Args, log)
		}
	}
	if deps.Repo == nil {
		deps.Repo = gitlocal.NewProvider(int64(cfg.Agent.Concurrency))
	}
	if deps.PRs == nil {
		deps.PRs = githubpr.New()
	}

	notifiers, err := notifier.FromURLs(map[string]string{
		"slack":   cfg.Notify.SlackWebhookURL,
		"discord": cfg.Notify.DiscordWebhookURL,
	})
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("notifiers: %w", err)
	}
	app.Notify = service.NewNotificationService(notifiers, nil, log)

	app.Runs = service.NewRunService(app.Store, app.Policy, log)
	app.Runs.SetAllowedRoots(cfg.Agent.AllowedRoots)
	app.Runs.SetWorkspace(deps.Repo)
	app.Exec = service.NewExecutorService(app.Runs, deps.Runner, deps.Repo,
		agentpool.New(cfg.Agent.Concurrency), cfg.Agent.Timeout, log)
	app.Gates = service.NewGateService(app.Runs, deps.PRs, app.Notify, cfg.Gate, log)
	app.Loop = service.NewLoopService(app.Runs, app.Exec, app.Notify, cfg.Loop, log)
	app.Loop.SetGates(app.Gates)
	app.Ingress = service.NewIngressService(app.Runs, log)

	if cfg.Advisor.URL != "" {
		client := litellm.NewClient(cfg.Advisor.URL, cfg.Advisor.APIKey, cfg.Advisor.Model, cfg.Advisor.Timeout)
		client.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
		adv, err := litellm.NewAdvisor(client, log)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("advisor: %w", err)
		}
		app.Exec.SetReviewer(adv)
		app.Loop.SetAdvisor(adv)
	}
	return app, nil
}

// OnClose registers fn to run when the App is closed, in reverse order.
func (a *App) OnClose(fn func()) { a.closers = append(a.closers, fn) }

// Close waits for in-flight agent attempts and releases resources.
func (a *App) Close() {
	if a.Exec != nil {
		a.Exec.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func loadPolicy(cfg config.Policy) (*policy.Set, error) {
	if cfg.File == "" {
		return policy.Default(), nil
	}
	s, err := policy.LoadFromFile(cfg.File)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	return s, nil
}

func openStore(ctx context.Context, cfg *config.Config, app *App) (ledger.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		store := postgres.NewStore(pool)
		app.OnClose(func() { _ = store.Close() })
		return store, nil
	default:
		store, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		app.OnClose(func() { _ = store.Close() })
		return store, nil
	}
}

// unconfiguredRunner fails every attempt; the run records agent_launch_failed.
type unconfiguredRunner struct{}

func (unconfiguredRunner) Run(context.Context, agent.Request) (*agent.Result, error) {
	return nil, fmt.Errorf("agent command not configured (set agent.command or AGENTPR_AGENT_COMMAND)")
}
