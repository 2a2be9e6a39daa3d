// Package config loads Plan Queue Runtime configuration from environment
// variables and an optional YAML file, using github.com/spf13/viper as the
// binding layer and gopkg.in/yaml.v3 as viper's YAML codec.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	Queue     QueueConfig     `mapstructure:"queue"`
	PlanState PlanStateConfig `mapstructure:"planState"`
	Content   ContentConfig   `mapstructure:"contentCapture"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	SQLite    SQLiteConfig    `mapstructure:"sqlite"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	ToolAgent ToolAgentConfig `mapstructure:"toolAgent"`
}

// QueueConfig controls retry and initialization backoff behavior shared by
// every QueueAdapter backend (spec.md §6). Backoff fields are stored in
// milliseconds to match the QUEUE_*_BACKOFF_MS environment variable names
// verbatim; use the RetryBackoffDuration/InitBackoffDuration accessors.
type QueueConfig struct {
	// Backend is "memory" or "pulse". "pulse" requires Redis (RedisConfig).
	Backend         string `mapstructure:"backend"`
	RetryMax        int    `mapstructure:"retryMax"`
	RetryBackoffMS  int    `mapstructure:"retryBackoffMs"`
	InitMaxAttempts int    `mapstructure:"initMaxAttempts"`
	InitBackoffMS   int    `mapstructure:"initBackoffMs"`
}

// RetryBackoffDuration returns the per-retry backoff as a time.Duration.
func (q QueueConfig) RetryBackoffDuration() time.Duration {
	return time.Duration(q.RetryBackoffMS) * time.Millisecond
}

// InitBackoffDuration returns the Initialize retry loop's backoff as a
// time.Duration.
func (q QueueConfig) InitBackoffDuration() time.Duration {
	return time.Duration(q.InitBackoffMS) * time.Millisecond
}

// PlanStateConfig selects and tunes the PlanStateStore backend.
type PlanStateConfig struct {
	// Backend is "file" or "relational".
	Backend string `mapstructure:"backend"`
	// RetentionDays bounds how long terminal plan state is kept before
	// Sweep reclaims it.
	RetentionDays int `mapstructure:"retentionDays"`
}

// ContentConfig controls whether step output is persisted and published in
// event records; when disabled, output is dropped. Step input is not
// redacted.
type ContentConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// RedisConfig configures queue/pulse's connection.
type RedisConfig struct {
	Addr string `mapstructure:"addr"`
	DB   int    `mapstructure:"db"`
}

// PostgresConfig configures planstate/postgres's connection.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// SQLiteConfig configures planstate/file's database path.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// TelemetryConfig holds an OTLP exporter target. Endpoint is loaded but not
// read by the worker: no exporter is configured, and the globally
// registered OpenTelemetry providers (no-op by default) are used.
type TelemetryConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

// ToolAgentConfig configures toolagent/grpc's target address.
type ToolAgentConfig struct {
	Addr string `mapstructure:"addr"`
	// MaxDispatchRPS bounds ExecuteTool call rate against the tool agent.
	// Zero disables the limit.
	MaxDispatchRPS float64 `mapstructure:"maxDispatchRps"`
	// SchemaPath, if set, points at a JSON file mapping tool name to JSON
	// Schema document; steps whose input fails validation are rejected
	// before dispatch. Empty disables schema validation.
	SchemaPath string `mapstructure:"schemaPath"`
}

// Load reads configuration from environment variables (highest precedence),
// an optional YAML file at path (if non-empty), and built-in defaults (lowest
// precedence), and returns the resolved Config.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.retryMax", 5)
	v.SetDefault("queue.retryBackoffMs", 30000)
	v.SetDefault("queue.initMaxAttempts", 10)
	v.SetDefault("queue.initBackoffMs", 1000)
	v.SetDefault("planState.backend", "file")
	v.SetDefault("planState.retentionDays", 30)
	v.SetDefault("contentCapture.enabled", true)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("sqlite.path", "planqueue.db")
}

func bindEnv(v *viper.Viper) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	binds := map[string]string{
		"queue.backend":           "PLANQUEUE_QUEUE_BACKEND",
		"queue.retryMax":          "QUEUE_RETRY_MAX",
		"queue.retryBackoffMs":    "QUEUE_RETRY_BACKOFF_MS",
		"queue.initMaxAttempts":   "QUEUE_INIT_MAX_ATTEMPTS",
		"queue.initBackoffMs":     "QUEUE_INIT_BACKOFF_MS",
		"planState.backend":       "PLANQUEUE_PLAN_STATE_BACKEND",
		"planState.retentionDays": "PLANQUEUE_PLAN_STATE_DAYS",
		"contentCapture.enabled":  "PLANQUEUE_CONTENT_CAPTURE_ENABLED",
		"redis.addr":              "PLANQUEUE_REDIS_ADDR",
		"redis.db":                "PLANQUEUE_REDIS_DB",
		"postgres.dsn":            "PLANQUEUE_POSTGRES_DSN",
		"sqlite.path":             "PLANQUEUE_SQLITE_PATH",
		"telemetry.endpoint":      "PLANQUEUE_OTEL_ENDPOINT",
		"toolAgent.addr":          "PLANQUEUE_TOOL_AGENT_ADDR",
		"toolAgent.maxDispatchRps": "PLANQUEUE_TOOL_AGENT_MAX_RPS",
		"toolAgent.schemaPath":    "PLANQUEUE_TOOL_AGENT_SCHEMA_PATH",
	}
	for key, env := range binds {
		_ = v.BindEnv(key, env)
	}
}

// Validate checks cross-field invariants Load's defaults can't guarantee on
// their own (e.g. which PlanStateStore backend's connection fields are
// required depends on which backend is selected).
func (c Config) Validate() error {
	switch c.PlanState.Backend {
	case "file":
		if c.SQLite.Path == "" {
			return fmt.Errorf("config: sqlite.path is required when planState.backend is \"file\"")
		}
	case "relational":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("config: postgres.dsn is required when planState.backend is \"relational\"")
		}
	default:
		return fmt.Errorf("config: unknown planState.backend %q, want \"file\" or \"relational\"", c.PlanState.Backend)
	}
	switch c.Queue.Backend {
	case "memory", "pulse":
	default:
		return fmt.Errorf("config: unknown queue.backend %q, want \"memory\" or \"pulse\"", c.Queue.Backend)
	}
	if c.Queue.RetryMax < 0 {
		return fmt.Errorf("config: queue.retryMax must be >= 0")
	}
	if c.Queue.InitMaxAttempts <= 0 {
		return fmt.Errorf("config: queue.initMaxAttempts must be > 0")
	}
	return nil
}
