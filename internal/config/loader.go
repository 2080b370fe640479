package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "agentpr.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "AGENTPR_PORT")
	setString(&cfg.Server.CORSOrigin, "AGENTPR_CORS_ORIGIN")
	setString(&cfg.Store.Driver, "AGENTPR_STORE_DRIVER")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "AGENTPR_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "AGENTPR_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "AGENTPR_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "AGENTPR_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "AGENTPR_PG_HEALTH_CHECK")
	setString(&cfg.SQLite.Path, "AGENTPR_SQLITE_PATH")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "AGENTPR_NATS_STREAM")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "AGENTPR_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "AGENTPR_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "AGENTPR_CACHE_L2_TTL")

	// Telemetry
	setBool(&cfg.OTEL.Enabled, "AGENTPR_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "AGENTPR_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "AGENTPR_OTEL_SAMPLE_RATE")

	// Advisor
	setString(&cfg.Advisor.URL, "AGENTPR_ADVISOR_URL")
	setString(&cfg.Advisor.APIKey, "AGENTPR_ADVISOR_API_KEY")
	setString(&cfg.Advisor.Model, "AGENTPR_ADVISOR_MODEL")
	setDuration(&cfg.Advisor.Timeout, "AGENTPR_ADVISOR_TIMEOUT")

	setInt(&cfg.Breaker.MaxFailures, "AGENTPR_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "AGENTPR_BREAKER_TIMEOUT")
	setFloat64(&cfg.Rate.RequestsPerSecond, "AGENTPR_RATE_RPS")
	setInt(&cfg.Rate.Burst, "AGENTPR_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "AGENTPR_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "AGENTPR_RATE_MAX_IDLE_TIME")
	setString(&cfg.Webhook.GitHubSecret, "AGENTPR_WEBHOOK_GITHUB_SECRET")

	// Agent
	setString(&cfg.Agent.Command, "AGENTPR_AGENT_COMMAND")
	setList(&cfg.Agent.Args, "AGENTPR_AGENT_ARGS")
	setDuration(&cfg.Agent.Timeout, "AGENTPR_AGENT_TIMEOUT")
	setList(&cfg.Agent.AllowedRoots, "AGENTPR_AGENT_ALLOWED_ROOTS")
	setInt(&cfg.Agent.Concurrency, "AGENTPR_AGENT_CONCURRENCY")

	// Loop
	setDuration(&cfg.Loop.Interval, "AGENTPR_LOOP_INTERVAL")
	setInt(&cfg.Loop.Concurrency, "AGENTPR_LOOP_CONCURRENCY")
	setInt(&cfg.Loop.MaxActionsPerRun, "AGENTPR_LOOP_MAX_ACTIONS")
	setInt(&cfg.Loop.ConsecutiveFailureLimit, "AGENTPR_LOOP_FAILURE_LIMIT")

	setDuration(&cfg.Gate.TokenTTL, "AGENTPR_GATE_TOKEN_TTL")
	setString(&cfg.Gate.Base, "AGENTPR_GATE_BASE")
	setString(&cfg.Notify.SlackWebhookURL, "AGENTPR_SLACK_WEBHOOK_URL")
	setString(&cfg.Notify.DiscordWebhookURL, "AGENTPR_DISCORD_WEBHOOK_URL")

	setString(&cfg.Logging.Level, "AGENTPR_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AGENTPR_LOG_SERVICE")
	setString(&cfg.Logging.Format, "AGENTPR_LOG_FORMAT")
	setBool(&cfg.Logging.Async, "AGENTPR_LOG_ASYNC")

	setString(&cfg.Policy.File, "AGENTPR_POLICY_FILE")
	setBool(&cfg.Policy.Watch, "AGENTPR_POLICY_WATCH")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.SQLite.Path == "" {
			return errors.New("sqlite.path is required")
		}
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	default:
		return fmt.Errorf("store.driver %q must be sqlite or postgres", cfg.Store.Driver)
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.Loop.Concurrency < 1 {
		return errors.New("loop.concurrency must be >= 1")
	}
	if cfg.Loop.MaxActionsPerRun < 1 {
		return errors.New("loop.max_actions_per_run must be >= 1")
	}
	if cfg.Loop.ConsecutiveFailureLimit < 1 {
		return errors.New("loop.consecutive_failure_limit must be >= 1")
	}
	if cfg.Agent.Concurrency < 1 {
		return errors.New("agent.concurrency must be >= 1")
	}
	if cfg.Gate.TokenTTL < time.Minute {
		return errors.New("gate.token_ttl must be >= 1m")
	}
	switch cfg.Logging.Format {
	case "json", "text", "auto":
	default:
		return fmt.Errorf("logging.format %q must be json, text or auto", cfg.Logging.Format)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setList splits a comma-separated value.
func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
