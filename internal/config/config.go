package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const PROD_STRING = "prod"

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all application configuration loaded from environment.
type Config struct {
	AppEnv       string `envconfig:"APP_ENV" default:"dev"`
	IsProduction bool   `ignored:"true"`
	ProdOrigins  string `envconfig:"PROD_ORIGINS"`
	HTTPAddr     string `envconfig:"HTTP_ADDR" default:":8080"`

	StorageDriver string `envconfig:"STORAGE_DRIVER" default:"postgres"`
	DBDSN         string `envconfig:"DB_DSN"`
	DBAutoMigrate bool   `envconfig:"DB_AUTO_MIGRATE" default:"true"`

	JWTSecret         string        `envconfig:"JWT_SECRET" required:"true"`
	JWTAccessTokenTTL time.Duration `envconfig:"JWT_ACCESS_TOKEN_TTL" default:"15m"`

	AMQPURL         string `envconfig:"AMQP_URL"`
	AMQPExchange    string `envconfig:"AMQP_EXCHANGE" default:"booking.events"`
	AMQPIngestQueue string `envconfig:"AMQP_INGEST_QUEUE" default:"booking-engine.ingest"`

	DefaultTimezone        string `envconfig:"DEFAULT_TIMEZONE" default:"UTC"`
	DefaultMinAdvanceHours int    `envconfig:"DEFAULT_MIN_ADVANCE_HOURS" default:"1"`
	DefaultMaxAdvanceDays  int    `envconfig:"DEFAULT_MAX_ADVANCE_DAYS" default:"90"`

	RequestTimeout          time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10s"`
	OutboxPollInterval      time.Duration `envconfig:"OUTBOX_POLL_INTERVAL" default:"1s"`
	OutboxBatchSize         int           `envconfig:"OUTBOX_BATCH_SIZE" default:"100"`
	CompletionSweepInterval time.Duration `envconfig:"COMPLETION_SWEEP_INTERVAL" default:"1m"`

	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load loads configuration from .env (optional) and environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Printf("failed to load .env file: %v", err)
	}

	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.IsProduction = c.AppEnv == PROD_STRING

	switch c.StorageDriver {
	case DriverPostgres:
		// Database DSN is required for the postgres driver
		if c.DBDSN == "" {
			return fmt.Errorf("DB_DSN is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("invalid STORAGE_DRIVER %q: want %s or %s", c.StorageDriver, DriverPostgres, DriverMemory)
	}

	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return fmt.Errorf("invalid DEFAULT_TIMEZONE: %w", err)
	}
	if c.DefaultMinAdvanceHours < 0 {
		return fmt.Errorf("DEFAULT_MIN_ADVANCE_HOURS must not be negative")
	}
	if c.DefaultMaxAdvanceDays <= 0 {
		return fmt.Errorf("DEFAULT_MAX_ADVANCE_DAYS must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	if c.OutboxPollInterval <= 0 || c.CompletionSweepInterval <= 0 {
		return fmt.Errorf("OUTBOX_POLL_INTERVAL and COMPLETION_SWEEP_INTERVAL must be positive")
	}
	if c.OutboxBatchSize <= 0 {
		return fmt.Errorf("OUTBOX_BATCH_SIZE must be positive")
	}
	return nil
}

// AllowedOrigins returns the CORS origins for production.
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.ProdOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
