package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// Transport
	// ----------------------------
	Transport       string        `envconfig:"TRANSPORT" default:"provider"` // provider | smtp
	ProviderBaseURL string        `envconfig:"PROVIDER_BASE_URL" default:"https://api.resend.com"`
	ProviderAPIKey  string        `envconfig:"PROVIDER_API_KEY" default:""`
	ProviderTimeout time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"15s"`
	ProviderRate    int           `envconfig:"PROVIDER_RATE" default:"10"`
	SendAttempts    int           `envconfig:"SEND_ATTEMPTS" default:"3"`
	FromAddress     string        `envconfig:"FROM_ADDRESS" default:"noreply@mailsched.io"`

	// ----------------------------
	// SMTP (used when TRANSPORT=smtp)
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`

	// ----------------------------
	// Scheduler
	// ----------------------------
	DrainInterval       time.Duration `envconfig:"DRAIN_INTERVAL" default:"30s"`
	MaintenanceInterval time.Duration `envconfig:"MAINTENANCE_INTERVAL" default:"5m"`
	BatchSize           int           `envconfig:"BATCH_SIZE" default:"20"`
	DefaultMaxRetries   int           `envconfig:"DEFAULT_MAX_RETRIES" default:"3"`

	// ----------------------------
	// Dispatcher
	// ----------------------------
	TenantRate       float64       `envconfig:"TENANT_RATE" default:"5"`
	TenantBurst      int           `envconfig:"TENANT_BURST" default:"10"`
	MaxPending       int           `envconfig:"MAX_PENDING" default:"50"`
	BreakerThreshold float64       `envconfig:"BREAKER_THRESHOLD" default:"0.3"`
	BreakerCooldown  time.Duration `envconfig:"BREAKER_COOLDOWN" default:"1m"`

	// ----------------------------
	// Webhooks
	// ----------------------------
	WebhookSecret string `envconfig:"WEBHOOK_SECRET" required:"true"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Database
	// ----------------------------
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
}

func Load() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}
