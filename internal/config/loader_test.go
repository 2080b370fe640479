package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("expected sqlite driver, got %s", cfg.Store.Driver)
	}
	if cfg.Loop.ConsecutiveFailureLimit != 3 {
		t.Errorf("expected failure limit 3, got %d", cfg.Loop.ConsecutiveFailureLimit)
	}
	if cfg.Gate.TokenTTL != 30*time.Minute {
		t.Errorf("expected token ttl 30m, got %v", cfg.Gate.TokenTTL)
	}
	if cfg.NATS.URL != "" {
		t.Errorf("messaging should be off by default, got %s", cfg.NATS.URL)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
store:
  driver: postgres
postgres:
  max_conns: 20
agent:
  command: claude
  args: ["-p", "--output-format", "stream-json"]
  allowed_roots: ["/srv/work/**"]
loop:
  interval: 5s
logging:
  level: "debug"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("expected postgres, got %s", cfg.Store.Driver)
	}
	if cfg.Postgres.MaxConns != 20 {
		t.Errorf("expected max_conns 20, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Agent.Command != "claude" || len(cfg.Agent.Args) != 3 {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.Loop.Interval != 5*time.Second {
		t.Errorf("expected interval 5s, got %v", cfg.Loop.Interval)
	}
	// Unchanged fields keep defaults
	if cfg.Loop.Concurrency != 4 {
		t.Errorf("expected default loop concurrency, got %d", cfg.Loop.Concurrency)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	err := loadYAML(&cfg, "/nonexistent/path.yaml")
	if err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestLoadYAMLInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("AGENTPR_PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://test:test@db:5432/test")
	t.Setenv("AGENTPR_PG_MAX_CONNS", "25")
	t.Setenv("AGENTPR_LOG_LEVEL", "warn")
	t.Setenv("AGENTPR_BREAKER_TIMEOUT", "1m")
	t.Setenv("AGENTPR_AGENT_ARGS", "run, --json ,")
	t.Setenv("AGENTPR_POLICY_WATCH", "true")
	t.Setenv("AGENTPR_LOOP_CONCURRENCY", "not-a-number")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.DSN != "postgres://test:test@db:5432/test" {
		t.Errorf("expected test DSN, got %s", cfg.Postgres.DSN)
	}
	if cfg.Postgres.MaxConns != 25 {
		t.Errorf("expected max_conns 25, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Logging.Level)
	}
	if cfg.Breaker.Timeout != time.Minute {
		t.Errorf("expected breaker timeout 1m, got %v", cfg.Breaker.Timeout)
	}
	if want := []string{"run", "--json"}; !reflect.DeepEqual(cfg.Agent.Args, want) {
		t.Errorf("expected args %v, got %v", want, cfg.Agent.Args)
	}
	if !cfg.Policy.Watch {
		t.Error("expected policy watch enabled")
	}
	// Unparseable values leave the default in place.
	if cfg.Loop.Concurrency != 4 {
		t.Errorf("expected default concurrency, got %d", cfg.Loop.Concurrency)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentpr.yaml")
	if err := os.WriteFile(path, []byte("sqlite:\n  path: from-yaml.db\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AGENTPR_SQLITE_PATH", "from-env.db")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SQLite.Path != "from-env.db" {
		t.Errorf("expected env to win, got %s", cfg.SQLite.Path)
	}
}

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{
			name:   "empty port",
			modify: func(c *Config) { c.Server.Port = "" },
			errMsg: "server.port is required",
		},
		{
			name:   "unknown driver",
			modify: func(c *Config) { c.Store.Driver = "mysql" },
			errMsg: `store.driver "mysql" must be sqlite or postgres`,
		},
		{
			name:   "empty sqlite path",
			modify: func(c *Config) { c.SQLite.Path = "" },
			errMsg: "sqlite.path is required",
		},
		{
			name: "empty DSN",
			modify: func(c *Config) {
				c.Store.Driver = "postgres"
				c.Postgres.DSN = ""
			},
			errMsg: "postgres.dsn is required",
		},
		{
			name: "zero max_conns",
			modify: func(c *Config) {
				c.Store.Driver = "postgres"
				c.Postgres.MaxConns = 0
			},
			errMsg: "postgres.max_conns must be >= 1",
		},
		{
			name:   "zero breaker failures",
			modify: func(c *Config) { c.Breaker.MaxFailures = 0 },
			errMsg: "breaker.max_failures must be >= 1",
		},
		{
			name:   "zero rate burst",
			modify: func(c *Config) { c.Rate.Burst = 0 },
			errMsg: "rate.burst must be >= 1",
		},
		{
			name:   "zero failure limit",
			modify: func(c *Config) { c.Loop.ConsecutiveFailureLimit = 0 },
			errMsg: "loop.consecutive_failure_limit must be >= 1",
		},
		{
			name:   "short token ttl",
			modify: func(c *Config) { c.Gate.TokenTTL = time.Second },
			errMsg: "gate.token_ttl must be >= 1m",
		},
		{
			name:   "bad log format",
			modify: func(c *Config) { c.Logging.Format = "xml" },
			errMsg: `logging.format "xml" must be json, text or auto`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := validate(&cfg)
			if err == nil {
				t.Fatalf("expected error %q, got nil", tt.errMsg)
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := Defaults()
	if err := validate(&cfg); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}
