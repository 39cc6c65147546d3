package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config enumerates every tunable of the engine. Values resolve in
// priority order: explicit field set by the caller, environment variable,
// optional YAML file, built-in default.
type Config struct {
	// Redis connection
	RedisURL string `yaml:"redis_url"`
	RedisDB  int    `yaml:"redis_db"`

	// HTTP control surface
	APIAddr string `yaml:"api_addr"`

	// Queue concurrency per topic
	ExecutionConcurrency int `yaml:"execution_concurrency"`
	DelayConcurrency     int `yaml:"delay_concurrency"`
	SchedulerConcurrency int `yaml:"scheduler_concurrency"`

	// Job retry policy
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	// Locks
	SchedulerLockTTL time.Duration `yaml:"scheduler_lock_ttl"`
	DefaultLockTTL   time.Duration `yaml:"default_lock_ttl"`

	// Scheduler
	CronExpression      string `yaml:"cron_expression"`
	DelayPromotionBatch int    `yaml:"delay_promotion_batch"`

	// Trigger poll batch sizes
	SubscriptionBatchSize int `yaml:"subscription_batch_size"`
	NewsletterBatchSize   int `yaml:"newsletter_batch_size"`
	UserBatchSize         int `yaml:"user_batch_size"`

	// Retention and recovery
	Retention         time.Duration `yaml:"retention"`
	StuckRunningGrace time.Duration `yaml:"stuck_running_grace"`

	// Adapter call timeout
	AdapterTimeout time.Duration `yaml:"adapter_timeout"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		RedisURL:              "redis://localhost:6379",
		RedisDB:               0,
		APIAddr:               ":8080",
		ExecutionConcurrency:  50,
		DelayConcurrency:      30,
		SchedulerConcurrency:  1,
		RetryAttempts:         3,
		RetryBaseDelay:        2 * time.Second,
		SchedulerLockTTL:      60 * time.Second,
		DefaultLockTTL:        30 * time.Second,
		CronExpression:        "* * * * *",
		DelayPromotionBatch:   50,
		SubscriptionBatchSize: 10,
		NewsletterBatchSize:   15,
		UserBatchSize:         20,
		Retention:             30 * 24 * time.Hour,
		StuckRunningGrace:     24 * time.Hour,
		AdapterTimeout:        30 * time.Second,
	}
}

// LoadConfig resolves configuration from defaults, an optional YAML file,
// and environment variable overrides, in that order.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.RedisURL = GetEnvString("DRIPTIDE_REDIS_URL", GetEnvString("REDIS_URL", c.RedisURL))
	c.RedisDB = GetEnvInt("DRIPTIDE_REDIS_DB", c.RedisDB)
	c.APIAddr = GetEnvString("DRIPTIDE_API_ADDR", c.APIAddr)
	c.ExecutionConcurrency = GetEnvInt("DRIPTIDE_EXECUTION_CONCURRENCY", c.ExecutionConcurrency)
	c.DelayConcurrency = GetEnvInt("DRIPTIDE_DELAY_CONCURRENCY", c.DelayConcurrency)
	c.SchedulerConcurrency = GetEnvInt("DRIPTIDE_SCHEDULER_CONCURRENCY", c.SchedulerConcurrency)
	c.RetryAttempts = GetEnvInt("DRIPTIDE_RETRY_ATTEMPTS", c.RetryAttempts)
	c.RetryBaseDelay = GetEnvDuration("DRIPTIDE_RETRY_BASE_DELAY", c.RetryBaseDelay)
	c.SchedulerLockTTL = GetEnvDuration("DRIPTIDE_SCHEDULER_LOCK_TTL", c.SchedulerLockTTL)
	c.DefaultLockTTL = GetEnvDuration("DRIPTIDE_DEFAULT_LOCK_TTL", c.DefaultLockTTL)
	c.CronExpression = GetEnvString("DRIPTIDE_CRON_EXPRESSION", c.CronExpression)
	c.DelayPromotionBatch = GetEnvInt("DRIPTIDE_DELAY_PROMOTION_BATCH", c.DelayPromotionBatch)
	c.SubscriptionBatchSize = GetEnvInt("DRIPTIDE_SUBSCRIPTION_BATCH_SIZE", c.SubscriptionBatchSize)
	c.NewsletterBatchSize = GetEnvInt("DRIPTIDE_NEWSLETTER_BATCH_SIZE", c.NewsletterBatchSize)
	c.UserBatchSize = GetEnvInt("DRIPTIDE_USER_BATCH_SIZE", c.UserBatchSize)
	c.Retention = GetEnvDuration("DRIPTIDE_RETENTION", c.Retention)
	c.StuckRunningGrace = GetEnvDuration("DRIPTIDE_STUCK_RUNNING_GRACE", c.StuckRunningGrace)
	c.AdapterTimeout = GetEnvDuration("DRIPTIDE_ADAPTER_TIMEOUT", c.AdapterTimeout)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("%w: redis_url is required", ErrInvalidConfiguration)
	}
	if c.ExecutionConcurrency <= 0 || c.DelayConcurrency <= 0 || c.SchedulerConcurrency <= 0 {
		return fmt.Errorf("%w: queue concurrency must be positive", ErrInvalidConfiguration)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("%w: retry_attempts must be at least 1", ErrInvalidConfiguration)
	}
	if c.DelayPromotionBatch <= 0 {
		return fmt.Errorf("%w: delay_promotion_batch must be positive", ErrInvalidConfiguration)
	}
	if c.SchedulerLockTTL <= 0 || c.DefaultLockTTL <= 0 {
		return fmt.Errorf("%w: lock TTLs must be positive", ErrInvalidConfiguration)
	}
	return nil
}

// GetEnvString returns an environment variable value or a default.
func GetEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// GetEnvInt returns an integer environment variable value or a default.
func GetEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// GetEnvDuration returns a duration environment variable value or a default.
// Accepts Go duration syntax ("90s", "24h").
func GetEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
