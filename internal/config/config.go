package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the service and the CLI.
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	NumWorkers            int           `env:"NUM_WORKERS" envDefault:"10"`
	SchedulerPollInterval time.Duration `env:"SCHEDULER_POLL_INTERVAL" envDefault:"1m"`
	RetryPollInterval     time.Duration `env:"RETRY_POLL_INTERVAL" envDefault:"5s"`
	RetrySweepInterval    time.Duration `env:"RETRY_SWEEP_INTERVAL" envDefault:"1m"`
	// RetrySweepGrace is how long a soft bounce may sit without a queued
	// retry before the sweep treats the retry as lost.
	RetrySweepGrace time.Duration `env:"RETRY_SWEEP_GRACE" envDefault:"5m"`
	OverdueGracePeriod    time.Duration `env:"OVERDUE_GRACE_PERIOD" envDefault:"10m"`
	DispatchConcurrency   int           `env:"DISPATCH_CONCURRENCY" envDefault:"8"`

	MaxRetries          int           `env:"MAX_RETRIES" envDefault:"3"`
	RetryInitialBackoff time.Duration `env:"RETRY_INITIAL_BACKOFF" envDefault:"5m"`
	RetryMaxBackoff     time.Duration `env:"RETRY_MAX_BACKOFF" envDefault:"2h"`

	CircuitFailureThreshold int           `env:"CIRCUIT_FAILURE_THRESHOLD" envDefault:"5"`
	CircuitCooldown         time.Duration `env:"CIRCUIT_COOLDOWN" envDefault:"30s"`

	ESPProvider         string `env:"ESP_PROVIDER" envDefault:"sparkpost"`
	ESPAPIURL           string `env:"ESP_API_URL"`
	ESPAPIKey           string `env:"ESP_API_KEY"`
	ESPFromEmail        string `env:"ESP_FROM_EMAIL"`
	ESPFromName         string `env:"ESP_FROM_NAME" envDefault:"Voxxy"`
	AWSRegion           string `env:"AWS_REGION" envDefault:"us-east-1"`
	SESConfigurationSet string `env:"SES_CONFIGURATION_SET"`

	WebhookSecret string `env:"WEBHOOK_SECRET"`
	// UnsubscribeSecret signs the unsubscribe links; the server refuses to
	// start without it.
	UnsubscribeSecret string `env:"UNSUBSCRIBE_SECRET"`
	// OrgRateLimit caps sends per organization per minute; zero disables it.
	OrgRateLimit       int           `env:"ORG_RATE_LIMIT" envDefault:"0"`
	PublicBaseURL      string        `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8080"`
	MessageTTL         time.Duration `env:"MESSAGE_TTL" envDefault:"24h"`
	CORSAllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	OTelEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"campaign-engine"`
}

// Load reads an optional .env file and then the environment. Values already
// in the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required values and ranges.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.NumWorkers <= 0 {
		return fmt.Errorf("NUM_WORKERS must be positive")
	}
	if c.DispatchConcurrency <= 0 {
		return fmt.Errorf("DISPATCH_CONCURRENCY must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative")
	}
	if c.SchedulerPollInterval <= 0 || c.RetryPollInterval <= 0 || c.RetrySweepInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	switch c.ESPProvider {
	case "sparkpost", "ses":
	default:
		return fmt.Errorf("ESP_PROVIDER must be sparkpost or ses, got %q", c.ESPProvider)
	}
	return nil
}
