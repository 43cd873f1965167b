// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Version identifies the build; stamped via -ldflags at release time.
var Version = "dev"

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	// Connection strings. Absence leaves the connector un-ready; the
	// process stays alive and /health keeps answering.
	RedisURL     string   `env:"REDIS_URL"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:19092"`
	DBURL        string   `env:"DB_URL"`

	// Queue names.
	InputQueue  string `env:"AGENT_INPUT_QUEUE" envDefault:"agent.mandates"`
	StatusQueue string `env:"AGENT_STATUS_QUEUE" envDefault:"agent.status"`

	// StatusPeriod is the interval between presence refreshes and
	// heartbeat envelopes. Presence TTLs are 3x this value.
	StatusPeriod time.Duration `env:"AGENT_STATUS_TIME" envDefault:"10s"`

	// Retry tuning shared by the connectors.
	DefaultDelay   time.Duration `env:"DEFAULT_DELAY" envDefault:"2s"`
	DefaultTimeout time.Duration `env:"DEFAULT_TIMEOUT" envDefault:"5s"`
	JitterSeconds  float64       `env:"JITTER_SECONDS" envDefault:"0.5"`

	// Quota.
	DailyTickLimit int `env:"DAILY_TICK_LIMIT" envDefault:"32"`

	// Autoscaler.
	MinWorkers              int           `env:"MIN_WORKERS" envDefault:"1"`
	MaxWorkers              int           `env:"MAX_WORKERS" envDefault:"11"`
	TargetMessagesPerWorker int           `env:"TARGET_MESSAGES_PER_WORKER" envDefault:"2"`
	QueueName               string        `env:"QUEUE_NAME"`
	AutoscaleInterval       time.Duration `env:"AUTOSCALE_INTERVAL" envDefault:"60s"`

	// WorkerStatePrefix is the KV prefix for scale-in protection keys.
	WorkerStatePrefix string        `env:"WORKER_STATE_PREFIX" envDefault:"worker_state"`
	ShutdownTimeout   time.Duration `env:"AGENT_SHUTDOWN_TIMEOUT_SECONDS" envDefault:"30s"`

	// Gateway auth and limits.
	JWTSecret       string `env:"JWT_SECRET"`
	RateLimitPerMin int    `env:"RATE_LIMIT_PER_MIN" envDefault:"30"`

	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	// Write timeout stays above the intake route's resilient enqueue
	// window; per-route timeouts bound everything tighter.
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"330s"`
	HTTPIdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"agentgrid"`

	// Worker metrics listener (scrape-only).
	WorkerMetricsPort int `env:"WORKER_METRICS_PORT" envDefault:"9090"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if cfg.QueueName == "" {
		cfg.QueueName = cfg.InputQueue
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// PresenceTTL is the expiry applied to worker presence keys.
func (c Config) PresenceTTL() time.Duration { return 3 * c.StatusPeriod }

// Jitter returns the configured jitter as a duration.
func (c Config) Jitter() time.Duration {
	return time.Duration(c.JitterSeconds * float64(time.Second))
}
