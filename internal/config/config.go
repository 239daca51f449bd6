package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
	"github.com/kursadbilgin/qc-engine/internal/domain"
)

type Config struct {
	DatabaseDSN       string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL       string `env:"RABBITMQ_URL,required=true"`
	RedisURL          string `env:"REDIS_URL,required=true"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY,default=4"`
	APIPort           int    `env:"API_PORT,default=8080"`
	LogLevel          string `env:"LOG_LEVEL,default=info"`

	SamplePercentage   float64       `env:"QC_SAMPLE_PERCENTAGE,default=40"`
	LeaseTTL           time.Duration `env:"QC_LEASE_TTL,default=60s"`
	AssignmentCacheTTL time.Duration `env:"QC_ASSIGNMENT_CACHE_TTL,default=5s"`
	CacheTimeout       time.Duration `env:"QC_CACHE_TIMEOUT,default=150ms"`
	CandidateLimit     int           `env:"QC_CANDIDATE_LIMIT,default=20"`
	BatchTimezone      string        `env:"QC_BATCH_TIMEZONE,default=UTC"`
	CloseInterval      time.Duration `env:"QC_CLOSE_INTERVAL,default=1m"`
	ReconcileInterval  time.Duration `env:"QC_RECONCILE_INTERVAL,default=30s"`
	LockTTL            time.Duration `env:"QC_LOCK_TTL,default=10s"`
	LockBackend        string        `env:"QC_LOCK_BACKEND,default=redis"`
	StuckProcessing    time.Duration `env:"QC_STUCK_PROCESSING_AFTER,default=10m"`

	location *time.Location
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.SamplePercentage <= 0 || c.SamplePercentage > 100 {
		return fmt.Errorf("QC_SAMPLE_PERCENTAGE must be in (0, 100], got %v", c.SamplePercentage)
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("QC_LEASE_TTL must be positive, got %s", c.LeaseTTL)
	}
	if c.CandidateLimit <= 0 {
		return fmt.Errorf("QC_CANDIDATE_LIMIT must be positive, got %d", c.CandidateLimit)
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.WorkerConcurrency)
	}

	if c.LockBackend != "redis" && c.LockBackend != "local" {
		return fmt.Errorf("QC_LOCK_BACKEND must be redis or local, got %q", c.LockBackend)
	}
	if c.StuckProcessing <= 0 {
		return fmt.Errorf("QC_STUCK_PROCESSING_AFTER must be positive, got %s", c.StuckProcessing)
	}

	loc, err := time.LoadLocation(c.BatchTimezone)
	if err != nil {
		return fmt.Errorf("invalid QC_BATCH_TIMEZONE %q: %w", c.BatchTimezone, err)
	}
	c.location = loc
	return nil
}

// Location is the timezone that defines a batch day.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// DefaultBatchConfig is the QC policy for surveys without a stored override.
func (c *Config) DefaultBatchConfig() domain.BatchConfig {
	cfg := domain.DefaultBatchConfig()
	cfg.SamplePercentage = c.SamplePercentage
	return cfg
}
