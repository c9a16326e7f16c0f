package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the gateway processes.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Queue       QueueConfig       `yaml:"queue"`
	Ingestion   IngestionConfig   `yaml:"ingestion"`
	Provider    ProviderConfig    `yaml:"provider"`
	SES         SESConfig         `yaml:"ses"`
	Limits      LimitsConfig      `yaml:"limits"`
	Security    SecurityConfig    `yaml:"security"`
	Storage     StorageConfig     `yaml:"storage"`
	Domains     DomainsConfig     `yaml:"domains"`
	Retention   RetentionConfig   `yaml:"retention"`
	Sweeper     SweeperConfig     `yaml:"sweeper"`
	Suppression SuppressionConfig `yaml:"suppression"`
	Audit       AuditConfig       `yaml:"audit"`
}

// ServerConfig holds HTTP server configuration. MetricsPort is the
// scrape/health listener for the non-API processes (worker, sweeper).
type ServerConfig struct {
	Port        int    `yaml:"port"`
	Host        string `yaml:"host"`
	MetricsPort int    `yaml:"metrics_port"`
}

// GetHost returns the server host, with container detection.
func (c ServerConfig) GetHost() string {
	// In a container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	URL                 string `yaml:"url"`
	MaxOpenConns        int    `yaml:"max_open_conns"`
	MaxIdleConns        int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMins int    `yaml:"conn_max_lifetime_mins"`
	QueryTimeoutSeconds int    `yaml:"query_timeout_seconds"`
}

// QueryTimeout returns the per-query timeout as a duration.
func (c DatabaseConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}

// RedisConfig holds the queue backing store connection.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// QueueConfig holds job queue and retry policy settings.
type QueueConfig struct {
	Name                  string  `yaml:"name"`
	Concurrency           int     `yaml:"concurrency"`
	MaxAttempts           int     `yaml:"max_attempts"`
	BaseDelayMS           int     `yaml:"base_delay_ms"`
	MaxDelayMS            int     `yaml:"max_delay_ms"`
	JitterFactor          float64 `yaml:"jitter_factor"`
	JobTTLHours           int     `yaml:"job_ttl_hours"`
	LeaseSeconds          int     `yaml:"lease_seconds"`
	MaxJobsPerTenantBatch int     `yaml:"max_jobs_per_tenant_batch"`
	DLQTTLMS              int64   `yaml:"dlq_ttl_ms"`
	DLQMaxSize            int     `yaml:"dlq_max_size"`
	MaxQueueDepth         int     `yaml:"max_queue_depth"`
	DrainTimeoutSeconds   int     `yaml:"drain_timeout_seconds"`
}

// BaseDelay returns the first-attempt retry delay.
func (c QueueConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMS) * time.Millisecond
}

// MaxDelay returns the retry delay ceiling.
func (c QueueConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMS) * time.Millisecond
}

// JobTTL returns how long an unprocessed job stays eligible.
func (c QueueConfig) JobTTL() time.Duration {
	return time.Duration(c.JobTTLHours) * time.Hour
}

// Lease returns the claim lease extended while a job is processed.
func (c QueueConfig) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// DLQTTL returns how long dead-lettered jobs are kept.
func (c QueueConfig) DLQTTL() time.Duration {
	return time.Duration(c.DLQTTLMS) * time.Millisecond
}

// DrainTimeout bounds graceful shutdown of in-flight jobs.
func (c QueueConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// IngestionConfig holds request acceptance bounds.
type IngestionConfig struct {
	MaxBodyBytes        int64 `yaml:"max_body_bytes"`
	InlineHTMLMaxBytes  int   `yaml:"inline_html_max_bytes"`
	IdempotencyTTLHours int   `yaml:"idempotency_ttl_hours"`
}

// IdempotencyTTL returns how long idempotency keys stay authoritative.
func (c IngestionConfig) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLHours) * time.Hour
}

// ProviderConfig holds dispatch driver policy shared by all drivers.
type ProviderConfig struct {
	SendTimeoutMS        int     `yaml:"send_timeout_ms"`
	CircuitOpenThreshold int     `yaml:"circuit_open_threshold"`
	CircuitCooldownMS    int     `yaml:"circuit_cooldown_ms"`
	DefaultMaxSendRate   float64 `yaml:"default_max_send_rate"`
	ValidateTimeoutMS    int     `yaml:"validate_timeout_ms"`
}

// SendTimeout returns the hard per-dispatch deadline.
func (c ProviderConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMS) * time.Millisecond
}

// CircuitCooldown returns the open-state hold before a half-open probe.
func (c ProviderConfig) CircuitCooldown() time.Duration {
	return time.Duration(c.CircuitCooldownMS) * time.Millisecond
}

// ValidateTimeout bounds the worker validation stage.
func (c ProviderConfig) ValidateTimeout() time.Duration {
	return time.Duration(c.ValidateTimeoutMS) * time.Millisecond
}

// SESConfig holds AWS SES credentials for the primary driver.
type SESConfig struct {
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// LimitsConfig holds default per-company admission limits, applied when a
// company row carries zeros.
type LimitsConfig struct {
	RatePerMinute  int `yaml:"rate_per_minute"`
	RatePerHour    int `yaml:"rate_per_hour"`
	RatePerDay     int `yaml:"rate_per_day"`
	DailyEmailCap  int `yaml:"daily_email_cap"`
	MonthlyEmailCap int `yaml:"monthly_email_cap"`
}

// SecurityConfig holds encryption key sources. When a Secrets Manager id is
// set it wins over the env key.
type SecurityConfig struct {
	FiscalKeySecretID string `yaml:"fiscal_key_secret_id"`
	FiscalKey         string `yaml:"fiscal_key"`
	DKIMKeySecretID   string `yaml:"dkim_key_secret_id"`
	DKIMKey           string `yaml:"dkim_key"`
	AWSRegion         string `yaml:"aws_region"`
	// AdminToken guards the operator surface (/v1/admin, /v1/audit).
	AdminToken string `yaml:"admin_token"`
}

// StorageConfig holds the S3 store for large HTML bodies and DLQ archives.
type StorageConfig struct {
	S3Bucket         string `yaml:"s3_bucket"`
	AWSRegion        string `yaml:"aws_region"`
	AWSProfile       string `yaml:"aws_profile"`
	HTMLPrefix       string `yaml:"html_prefix"`
	DLQArchivePrefix string `yaml:"dlq_archive_prefix"`
}

// GetAWSProfile returns the AWS profile, with environment variable override.
func (c StorageConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return ""
		}
		return envProfile
	}
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// DomainsConfig holds DKIM verification probe settings.
type DomainsConfig struct {
	CheckIntervalSeconds int    `yaml:"check_interval_seconds"`
	DNSTimeoutSeconds    int    `yaml:"dns_timeout_seconds"`
	Route53ZoneID        string `yaml:"route53_zone_id"`
	PublishRoute53       bool   `yaml:"publish_route53"`
}

// CheckInterval returns the verification loop period.
func (c DomainsConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// DNSTimeout bounds a single DNS probe.
func (c DomainsConfig) DNSTimeout() time.Duration {
	return time.Duration(c.DNSTimeoutSeconds) * time.Second
}

// RetentionConfig holds per-table retention horizons in days.
type RetentionConfig struct {
	LogsDays         int `yaml:"logs_days"`
	EventsDays       int `yaml:"events_days"`
	OutboxDays       int `yaml:"outbox_days"`
	PseudonymizeDays int `yaml:"pseudonymize_days"`
	HardDeleteDays   int `yaml:"hard_delete_days"`
}

// PseudonymizeAfter is the age at which recipient PII is scrubbed.
func (c RetentionConfig) PseudonymizeAfter() time.Duration {
	return time.Duration(c.PseudonymizeDays) * 24 * time.Hour
}

// HardDeleteAfter is the age at which outbox rows are removed entirely.
func (c RetentionConfig) HardDeleteAfter() time.Duration {
	return time.Duration(c.HardDeleteDays) * 24 * time.Hour
}

// SweeperConfig holds background maintenance settings.
type SweeperConfig struct {
	IntervalSeconds           int `yaml:"interval_seconds"`
	PendingRequeueAfterSeconds int `yaml:"pending_requeue_after_seconds"`
}

// Interval returns the sweep period.
func (c SweeperConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// PendingRequeueAfter is how stale a PENDING outbox row must be before the
// sweeper re-enqueues it.
func (c SweeperConfig) PendingRequeueAfter() time.Duration {
	return time.Duration(c.PendingRequeueAfterSeconds) * time.Second
}

// SuppressionConfig holds suppression engine settings.
type SuppressionConfig struct {
	RefreshIntervalSeconds int `yaml:"refresh_interval_seconds"`
}

// RefreshInterval returns the list reload period.
func (c SuppressionConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

// AuditConfig holds break-glass session settings.
type AuditConfig struct {
	SigningKey        string `yaml:"signing_key"`
	SessionMaxMinutes int    `yaml:"session_max_minutes"`
}

// SessionMax returns the break-glass session ceiling.
func (c AuditConfig) SessionMax() time.Duration {
	return time.Duration(c.SessionMaxMinutes) * time.Minute
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifetimeMins == 0 {
		cfg.Database.ConnMaxLifetimeMins = 5
	}
	if cfg.Database.QueryTimeoutSeconds == 0 {
		cfg.Database.QueryTimeoutSeconds = 10
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "redis://localhost:6379/0"
	}
	if cfg.Queue.Name == "" {
		cfg.Queue.Name = "email:send"
	}
	if cfg.Queue.Concurrency == 0 {
		cfg.Queue.Concurrency = 16
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 5
	}
	if cfg.Queue.BaseDelayMS == 0 {
		cfg.Queue.BaseDelayMS = 1000
	}
	if cfg.Queue.MaxDelayMS == 0 {
		cfg.Queue.MaxDelayMS = 60000
	}
	if cfg.Queue.JitterFactor == 0 {
		cfg.Queue.JitterFactor = 0.25
	}
	if cfg.Queue.JobTTLHours == 0 {
		cfg.Queue.JobTTLHours = 24
	}
	if cfg.Queue.LeaseSeconds == 0 {
		cfg.Queue.LeaseSeconds = 60
	}
	if cfg.Queue.MaxJobsPerTenantBatch == 0 {
		cfg.Queue.MaxJobsPerTenantBatch = 3
	}
	if cfg.Queue.DLQTTLMS == 0 {
		cfg.Queue.DLQTTLMS = 7 * 24 * 60 * 60 * 1000
	}
	if cfg.Queue.DLQMaxSize == 0 {
		cfg.Queue.DLQMaxSize = 10000
	}
	if cfg.Queue.MaxQueueDepth == 0 {
		cfg.Queue.MaxQueueDepth = 100000
	}
	if cfg.Queue.DrainTimeoutSeconds == 0 {
		cfg.Queue.DrainTimeoutSeconds = 30
	}
	if cfg.Ingestion.MaxBodyBytes == 0 {
		cfg.Ingestion.MaxBodyBytes = 1 << 20
	}
	if cfg.Ingestion.InlineHTMLMaxBytes == 0 {
		cfg.Ingestion.InlineHTMLMaxBytes = 64 << 10
	}
	if cfg.Ingestion.IdempotencyTTLHours == 0 {
		cfg.Ingestion.IdempotencyTTLHours = 48
	}
	if cfg.Provider.SendTimeoutMS == 0 {
		cfg.Provider.SendTimeoutMS = 30000
	}
	if cfg.Provider.CircuitOpenThreshold == 0 {
		cfg.Provider.CircuitOpenThreshold = 5
	}
	if cfg.Provider.CircuitCooldownMS == 0 {
		cfg.Provider.CircuitCooldownMS = 30000
	}
	if cfg.Provider.DefaultMaxSendRate == 0 {
		cfg.Provider.DefaultMaxSendRate = 14
	}
	if cfg.Provider.ValidateTimeoutMS == 0 {
		cfg.Provider.ValidateTimeoutMS = 5000
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.Limits.RatePerMinute == 0 {
		cfg.Limits.RatePerMinute = 60
	}
	if cfg.Limits.RatePerHour == 0 {
		cfg.Limits.RatePerHour = 1000
	}
	if cfg.Limits.RatePerDay == 0 {
		cfg.Limits.RatePerDay = 10000
	}
	if cfg.Limits.DailyEmailCap == 0 {
		cfg.Limits.DailyEmailCap = 10000
	}
	if cfg.Limits.MonthlyEmailCap == 0 {
		cfg.Limits.MonthlyEmailCap = 200000
	}
	if cfg.Storage.HTMLPrefix == "" {
		cfg.Storage.HTMLPrefix = "html"
	}
	if cfg.Storage.DLQArchivePrefix == "" {
		cfg.Storage.DLQArchivePrefix = "dlq-archive"
	}
	if cfg.Storage.AWSRegion == "" {
		cfg.Storage.AWSRegion = "us-east-1"
	}
	if cfg.Domains.CheckIntervalSeconds == 0 {
		cfg.Domains.CheckIntervalSeconds = 300
	}
	if cfg.Domains.DNSTimeoutSeconds == 0 {
		cfg.Domains.DNSTimeoutSeconds = 5
	}
	if cfg.Retention.LogsDays == 0 {
		cfg.Retention.LogsDays = 90
	}
	if cfg.Retention.EventsDays == 0 {
		cfg.Retention.EventsDays = 90
	}
	if cfg.Retention.OutboxDays == 0 {
		cfg.Retention.OutboxDays = 180
	}
	if cfg.Retention.PseudonymizeDays == 0 {
		cfg.Retention.PseudonymizeDays = 90
	}
	if cfg.Retention.HardDeleteDays == 0 {
		cfg.Retention.HardDeleteDays = 180
	}
	if cfg.Sweeper.IntervalSeconds == 0 {
		cfg.Sweeper.IntervalSeconds = 60
	}
	if cfg.Sweeper.PendingRequeueAfterSeconds == 0 {
		cfg.Sweeper.PendingRequeueAfterSeconds = 120
	}
	if cfg.Suppression.RefreshIntervalSeconds == 0 {
		cfg.Suppression.RefreshIntervalSeconds = 300
	}
	if cfg.Audit.SessionMaxMinutes == 0 || cfg.Audit.SessionMaxMinutes > 60 {
		cfg.Audit.SessionMaxMinutes = 60
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so secrets can
// live in .env locally and in real env vars in the container.
func LoadFromEnv(path string) (*Config, error) {
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
	if v := os.Getenv("QUEUE_NAME"); v != "" {
		cfg.Queue.Name = v
	}
	if v := envInt("QUEUE_CONCURRENCY"); v > 0 {
		cfg.Queue.Concurrency = v
	}
	if v := envInt("MAX_ATTEMPTS"); v > 0 {
		cfg.Queue.MaxAttempts = v
	}
	if v := envInt("BASE_DELAY_MS"); v > 0 {
		cfg.Queue.BaseDelayMS = v
	}
	if v := envInt("MAX_DELAY_MS"); v > 0 {
		cfg.Queue.MaxDelayMS = v
	}
	if v := envFloat("JITTER_FACTOR"); v > 0 {
		cfg.Queue.JitterFactor = v
	}
	if v := envInt64("DLQ_TTL_MS"); v > 0 {
		cfg.Queue.DLQTTLMS = v
	}
	if v := envInt("DLQ_MAX_SIZE"); v > 0 {
		cfg.Queue.DLQMaxSize = v
	}
	if v := envInt("MAX_JOBS_PER_TENANT_BATCH"); v > 0 {
		cfg.Queue.MaxJobsPerTenantBatch = v
	}
	if v := envInt("PROVIDER_SEND_TIMEOUT_MS"); v > 0 {
		cfg.Provider.SendTimeoutMS = v
	}
	if v := envInt("PROVIDER_CIRCUIT_OPEN_THRESHOLD"); v > 0 {
		cfg.Provider.CircuitOpenThreshold = v
	}
	if v := envInt("PROVIDER_CIRCUIT_COOLDOWN_MS"); v > 0 {
		cfg.Provider.CircuitCooldownMS = v
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
	if v := os.Getenv("FISCAL_ENCRYPTION_KEY"); v != "" {
		cfg.Security.FiscalKey = v
	}
	if v := os.Getenv("FISCAL_KEY_SECRET_ID"); v != "" {
		cfg.Security.FiscalKeySecretID = v
	}
	if v := os.Getenv("DKIM_ENCRYPTION_KEY"); v != "" {
		cfg.Security.DKIMKey = v
	}
	if v := os.Getenv("DKIM_KEY_SECRET_ID"); v != "" {
		cfg.Security.DKIMKeySecretID = v
	}
	if v := os.Getenv("AUDIT_SIGNING_KEY"); v != "" {
		cfg.Audit.SigningKey = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		cfg.Security.AdminToken = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.Storage.S3Bucket = v
	}
	if v := os.Getenv("ROUTE53_ZONE_ID"); v != "" {
		cfg.Domains.Route53ZoneID = v
		cfg.Domains.PublishRoute53 = true
	}

	return cfg, nil
}

func envInt(key string) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0
	}
	return v
}

func envInt64(key string) int64 {
	v, err := strconv.ParseInt(os.Getenv(key), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func envFloat(key string) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return 0
	}
	return v
}
