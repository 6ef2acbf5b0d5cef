package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ignite/mailflow/internal/ses"
	"github.com/ignite/mailflow/internal/service/suppression"
	"github.com/ignite/mailflow/internal/storage"
)

// Config holds all configuration for the application
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Redis          RedisConfig          `yaml:"redis"`
	Queue          QueueConfig          `yaml:"queue"`
	BouncePolicies []suppression.Policy `yaml:"bounce_policies"`
	State          StateConfig          `yaml:"state"`
	Address        AddressConfig        `yaml:"address"`
	Notify         NotifyConfig         `yaml:"notify"`
	DeadLetter     storage.Config       `yaml:"deadletter"`
	SES            ses.Config           `yaml:"ses"`
	Retention      RetentionConfig      `yaml:"retention"`
	Log            LogConfig            `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
	// AllowedOrigins feeds the CORS middleware.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// MaxBodyBytes bounds feedback uploads.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr returns host:port for net/http.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// RedisConfig holds the Redis connection used by the queue and locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// QueueConfig selects the task queue backend and retry behaviour.
type QueueConfig struct {
	Backend string `yaml:"backend"` // redis | sqs
	Workers int    `yaml:"workers"`

	// Redis backend
	Prefix                   string `yaml:"prefix"`
	PollIntervalMillis       int    `yaml:"poll_interval_ms"`
	VisibilityTimeoutSeconds int    `yaml:"visibility_timeout_seconds"`

	// SQS backend
	SQSQueueURL     string `yaml:"sqs_queue_url"`
	SQSHighQueueURL string `yaml:"sqs_high_queue_url"`
	AWSRegion       string `yaml:"aws_region"`

	RetryBaseSeconds int `yaml:"retry_base_seconds"`
	RetryMaxSeconds  int `yaml:"retry_max_seconds"`
	RetryBudgetHours int `yaml:"retry_budget_hours"`
	MaxAttempts      int `yaml:"max_attempts"`
}

// PollInterval returns the idle wait of a Redis Receive.
func (c QueueConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// VisibilityTimeout returns how long a received task stays invisible.
func (c QueueConfig) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutSeconds) * time.Second
}

// StateConfig controls how a mail's current status is chosen.
type StateConfig struct {
	CurrentStatusPolicy string `yaml:"current_status_policy"` // event_time | arrival
}

// AddressConfig is the VERP grammar of this deployment.
type AddressConfig struct {
	Domain            string `yaml:"domain"`
	ReturnPrefix      string `yaml:"return_prefix"`
	UnsubscribePrefix string `yaml:"unsubscribe_prefix"`
}

// NotifyConfig configures lifecycle notifications.
type NotifyConfig struct {
	WebhookURL     string `yaml:"webhook_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Retries        int    `yaml:"retries"`
	BatchSize      int    `yaml:"batch_size"`
}

// Timeout returns the webhook request timeout.
func (c NotifyConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetentionConfig bounds how long settled rows are kept in Postgres.
// Negative values disable cleanup of that table.
type RetentionConfig struct {
	IntervalMinutes  int `yaml:"interval_minutes"`
	NotificationDays int `yaml:"notification_days"`
	DeadLetterDays   int `yaml:"dead_letter_days"`
}

// Interval returns how often the retention worker runs.
func (c RetentionConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// NotificationsTTL returns the age after which delivered notifications go.
func (c RetentionConfig) NotificationsTTL() time.Duration {
	return days(c.NotificationDays)
}

// DeadLettersTTL returns the age after which dead letters go.
func (c RetentionConfig) DeadLettersTTL() time.Duration {
	return days(c.DeadLetterDays)
}

func days(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * 24 * time.Hour
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact reports whether email addresses are masked in logs. Defaults to true.
func (c LogConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 10 << 20
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "redis"
	}
	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = 8
	}
	if cfg.Queue.Prefix == "" {
		cfg.Queue.Prefix = "mailflow:tasks"
	}
	if cfg.Queue.PollIntervalMillis == 0 {
		cfg.Queue.PollIntervalMillis = 1000
	}
	if cfg.Queue.VisibilityTimeoutSeconds == 0 {
		cfg.Queue.VisibilityTimeoutSeconds = 300
	}
	if cfg.Queue.RetryBaseSeconds == 0 {
		cfg.Queue.RetryBaseSeconds = 60
	}
	if cfg.Queue.RetryMaxSeconds == 0 {
		cfg.Queue.RetryMaxSeconds = 6 * 3600
	}
	if cfg.Queue.RetryBudgetHours == 0 {
		cfg.Queue.RetryBudgetHours = 14 * 24
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 80
	}
	if cfg.Queue.AWSRegion == "" {
		cfg.Queue.AWSRegion = "us-west-2"
	}
	if len(cfg.BouncePolicies) == 0 {
		cfg.BouncePolicies = suppression.DefaultPolicies()
	}
	if cfg.State.CurrentStatusPolicy == "" {
		cfg.State.CurrentStatusPolicy = "event_time"
	}
	if cfg.Address.ReturnPrefix == "" {
		cfg.Address.ReturnPrefix = "return"
	}
	if cfg.Address.UnsubscribePrefix == "" {
		cfg.Address.UnsubscribePrefix = "unsubscribe"
	}
	if cfg.Notify.TimeoutSeconds == 0 {
		cfg.Notify.TimeoutSeconds = 10
	}
	if cfg.Notify.Retries == 0 {
		cfg.Notify.Retries = 3
	}
	if cfg.Notify.BatchSize == 0 {
		cfg.Notify.BatchSize = 100
	}
	if cfg.DeadLetter.Type == "" {
		cfg.DeadLetter.Type = storage.TypeNone
	}
	if cfg.DeadLetter.Region == "" {
		cfg.DeadLetter.Region = cfg.Queue.AWSRegion
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-west-2"
	}
	if cfg.Retention.IntervalMinutes == 0 {
		cfg.Retention.IntervalMinutes = 60
	}
	if cfg.Retention.NotificationDays == 0 {
		cfg.Retention.NotificationDays = 30
	}
	if cfg.Retention.DeadLetterDays == 0 {
		cfg.Retention.DeadLetterDays = 90
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate reports settings that would only fail later at runtime.
func (cfg *Config) Validate() error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	switch cfg.Queue.Backend {
	case "redis":
		if cfg.Redis.URL == "" {
			return fmt.Errorf("redis.url is required for the redis queue backend")
		}
	case "sqs":
		if cfg.Queue.SQSQueueURL == "" {
			return fmt.Errorf("queue.sqs_queue_url is required for the sqs queue backend")
		}
	default:
		return fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
	if cfg.Address.Domain == "" {
		return fmt.Errorf("address.domain is required")
	}
	if err := suppression.ValidatePolicies(cfg.BouncePolicies); err != nil {
		return err
	}
	return nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("QUEUE_BACKEND"); v != "" {
		cfg.Queue.Backend = v
	}
	if v := os.Getenv("SQS_QUEUE_URL"); v != "" {
		cfg.Queue.SQSQueueURL = v
	}
	if v := os.Getenv("SQS_HIGH_QUEUE_URL"); v != "" {
		cfg.Queue.SQSHighQueueURL = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Queue.AWSRegion = v
		cfg.DeadLetter.Region = v
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.Workers = n
		}
	}
	if v := os.Getenv("MAIL_DOMAIN"); v != "" {
		cfg.Address.Domain = v
	}
	if v := os.Getenv("NOTIFY_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("DEADLETTER_S3_BUCKET"); v != "" {
		cfg.DeadLetter.Bucket = v
	}
	if v := os.Getenv("DEADLETTER_DYNAMODB_TABLE"); v != "" {
		cfg.DeadLetter.Table = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	return cfg, nil
}
