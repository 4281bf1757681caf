package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Marketsync MarketsyncConfig `yaml:"marketsync"`
	Source     SourceConfig     `yaml:"source"`
	Sink       SinkConfig       `yaml:"sink"`
	Sync       SyncConfig       `yaml:"sync"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Stream     StreamConfig     `yaml:"stream"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Backup     BackupConfig     `yaml:"backup"`
	Storage    StorageConfig    `yaml:"storage"`
	API        APIConfig        `yaml:"api"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type MarketsyncConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// SourceConfig points at the ClickHouse time-series store.
type SourceConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Database     string        `yaml:"database"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	MaxOpenConns int           `yaml:"max_open_conns"`
}

// SinkConfig points at the record store REST API.
type SinkConfig struct {
	URL            string               `yaml:"url"`
	AdminIdentity  string               `yaml:"admin_identity"`
	AdminPassword  string               `yaml:"admin_password"`
	RequestTimeout time.Duration        `yaml:"request_timeout"`
	PageSize       int                  `yaml:"page_size"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type CircuitBreakerConfig struct {
	FailureThreshold    int           `yaml:"failure_threshold"`
	RecoveryTimeout     time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxRequests int           `yaml:"half_open_max_requests"`
}

type SyncConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	Retry        RetryConfig   `yaml:"retry"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Tables       []TableMap    `yaml:"tables"`
}

// TableMap binds one source table to one sink collection.
type TableMap struct {
	Table      string `yaml:"table"`
	Collection string `yaml:"collection"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

type ProvidersConfig struct {
	Binance ProviderConfig `yaml:"binance"`
	Bybit   ProviderConfig `yaml:"bybit"`
}

type ProviderConfig struct {
	Enabled  bool     `yaml:"enabled"`
	URL      string   `yaml:"url"`
	Symbols  []string `yaml:"symbols"`
	Interval string   `yaml:"interval"`
	Window   int      `yaml:"window"`
}

type StreamConfig struct {
	Enabled     bool          `yaml:"enabled"`
	SendTimeout time.Duration `yaml:"send_timeout"`
	SendBuffer  int           `yaml:"send_buffer"`
	PingPeriod  time.Duration `yaml:"ping_period"`
}

type MonitorConfig struct {
	LivenessInterval time.Duration            `yaml:"liveness_interval"`
	CycleInterval    time.Duration            `yaml:"cycle_interval"`
	ProbeTimeout     time.Duration            `yaml:"probe_timeout"`
	LatencyWarning   map[string]time.Duration `yaml:"latency_warning"`
	QualityFloor     float64                  `yaml:"quality_floor"`
	Resources        ResourceThresholds       `yaml:"resources"`
	SampleInterval   time.Duration            `yaml:"sample_interval"`
	HistoryLimit     int                      `yaml:"history_limit"`
}

type ResourceThresholds struct {
	CPUWarningPct    float64 `yaml:"cpu_warning_pct"`
	MemoryWarningPct float64 `yaml:"memory_warning_pct"`
	DiskWarningPct   float64 `yaml:"disk_warning_pct"`
	DiskPath         string  `yaml:"disk_path"`
}

type AlertsConfig struct {
	Email      EmailAlertConfig      `yaml:"email"`
	Webhook    WebhookAlertConfig    `yaml:"webhook"`
	CloudWatch CloudWatchAlertConfig `yaml:"cloudwatch"`
}

type EmailAlertConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

type WebhookAlertConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type CloudWatchAlertConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type BackupConfig struct {
	Dir             string          `yaml:"dir"`
	RetentionWindow time.Duration   `yaml:"retention_window"`
	PageSize        int             `yaml:"page_size"`
	S3              S3UploadConfig  `yaml:"s3"`
}

type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type StorageConfig struct {
	DataDir      string `yaml:"data_dir"`
	HistoryLimit int    `yaml:"history_limit"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// LoadConfig reads, expands, defaults and validates the yaml configuration.
// `${VAR}` references in the file are expanded from the environment, and a
// handful of well-known secrets override the file outright so they never have
// to live in it. A validation failure here refuses startup.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)
	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		cfg.Source.Password = strings.TrimSpace(v)
	}
	if v := os.Getenv("SINK_ADMIN_PASSWORD"); v != "" {
		cfg.Sink.AdminPassword = strings.TrimSpace(v)
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.Alerts.Email.Password = strings.TrimSpace(v)
	}
	if cfg.Backup.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Backup.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Backup.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Backup.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Backup.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Source.Port == 0 {
		cfg.Source.Port = 9000
	}
	if cfg.Source.DialTimeout <= 0 {
		cfg.Source.DialTimeout = 10 * time.Second
	}
	if cfg.Source.QueryTimeout <= 0 {
		cfg.Source.QueryTimeout = 30 * time.Second
	}
	if cfg.Source.MaxOpenConns <= 0 {
		cfg.Source.MaxOpenConns = 10
	}

	if cfg.Sink.RequestTimeout <= 0 {
		cfg.Sink.RequestTimeout = 15 * time.Second
	}
	if cfg.Sink.PageSize <= 0 {
		cfg.Sink.PageSize = 500
	}
	if cfg.Sink.RateLimit.RequestsPerSecond <= 0 {
		cfg.Sink.RateLimit.RequestsPerSecond = 20
	}
	if cfg.Sink.RateLimit.BurstSize <= 0 {
		cfg.Sink.RateLimit.BurstSize = 40
	}
	if cfg.Sink.CircuitBreaker.FailureThreshold <= 0 {
		cfg.Sink.CircuitBreaker.FailureThreshold = 5
	}
	if cfg.Sink.CircuitBreaker.RecoveryTimeout <= 0 {
		cfg.Sink.CircuitBreaker.RecoveryTimeout = 30 * time.Second
	}
	if cfg.Sink.CircuitBreaker.HalfOpenMaxRequests <= 0 {
		cfg.Sink.CircuitBreaker.HalfOpenMaxRequests = 2
	}

	if cfg.Sync.BatchSize <= 0 {
		cfg.Sync.BatchSize = 1000
	}
	if cfg.Sync.Retry.MaxAttempts <= 0 {
		cfg.Sync.Retry.MaxAttempts = 5
	}
	if cfg.Sync.Retry.BaseDelay <= 0 {
		cfg.Sync.Retry.BaseDelay = time.Second
	}
	if cfg.Sync.Retry.MaxDelay <= 0 {
		cfg.Sync.Retry.MaxDelay = 30 * time.Second
	}
	if cfg.Sync.Retry.BackoffMultiplier <= 0 {
		cfg.Sync.Retry.BackoffMultiplier = 2
	}
	if cfg.Sync.PollInterval <= 0 {
		cfg.Sync.PollInterval = 30 * time.Second
	}

	if cfg.Stream.SendTimeout <= 0 {
		cfg.Stream.SendTimeout = 5 * time.Second
	}
	if cfg.Stream.SendBuffer <= 0 {
		cfg.Stream.SendBuffer = 64
	}
	if cfg.Stream.PingPeriod <= 0 {
		cfg.Stream.PingPeriod = 30 * time.Second
	}

	if cfg.Monitor.LivenessInterval <= 0 {
		cfg.Monitor.LivenessInterval = time.Minute
	}
	if cfg.Monitor.CycleInterval <= 0 {
		cfg.Monitor.CycleInterval = 5 * time.Minute
	}
	if cfg.Monitor.ProbeTimeout <= 0 {
		cfg.Monitor.ProbeTimeout = 10 * time.Second
	}
	if cfg.Monitor.QualityFloor <= 0 {
		cfg.Monitor.QualityFloor = 0.95
	}
	if cfg.Monitor.Resources.CPUWarningPct <= 0 {
		cfg.Monitor.Resources.CPUWarningPct = 85
	}
	if cfg.Monitor.Resources.MemoryWarningPct <= 0 {
		cfg.Monitor.Resources.MemoryWarningPct = 90
	}
	if cfg.Monitor.Resources.DiskWarningPct <= 0 {
		cfg.Monitor.Resources.DiskWarningPct = 90
	}
	if cfg.Monitor.Resources.DiskPath == "" {
		cfg.Monitor.Resources.DiskPath = "/"
	}
	if cfg.Monitor.SampleInterval <= 0 {
		cfg.Monitor.SampleInterval = time.Second
	}
	if cfg.Monitor.HistoryLimit <= 0 {
		cfg.Monitor.HistoryLimit = 200
	}

	if cfg.Backup.Dir == "" {
		cfg.Backup.Dir = "backups"
	}
	if cfg.Backup.RetentionWindow <= 0 {
		cfg.Backup.RetentionWindow = 24 * time.Hour
	}
	if cfg.Backup.PageSize <= 0 {
		cfg.Backup.PageSize = 500
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.HistoryLimit <= 0 {
		cfg.Storage.HistoryLimit = 500
	}

	if cfg.API.Address == "" {
		cfg.API.Address = ":8090"
	}

	if cfg.Alerts.Webhook.Timeout <= 0 {
		cfg.Alerts.Webhook.Timeout = 10 * time.Second
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Marketsync.Name == "" {
		return fmt.Errorf("marketsync.name is required")
	}
	if cfg.Marketsync.Version == "" {
		return fmt.Errorf("marketsync.version is required")
	}
	if cfg.Source.Host == "" {
		return fmt.Errorf("source.host is required")
	}
	if cfg.Source.Database == "" {
		return fmt.Errorf("source.database is required")
	}
	if cfg.Sink.URL == "" {
		return fmt.Errorf("sink.url is required")
	}
	if cfg.Sink.AdminIdentity == "" || cfg.Sink.AdminPassword == "" {
		return fmt.Errorf("sink admin credentials are required")
	}
	if len(cfg.Sync.Tables) == 0 {
		return fmt.Errorf("sync.tables must list at least one table mapping")
	}
	for i, tm := range cfg.Sync.Tables {
		if tm.Table == "" || tm.Collection == "" {
			return fmt.Errorf("sync.tables[%d] requires both table and collection", i)
		}
	}
	if cfg.Monitor.QualityFloor > 1 {
		return fmt.Errorf("monitor.quality_floor must be within (0, 1]")
	}
	if cfg.Alerts.Email.Enabled {
		if cfg.Alerts.Email.SMTPHost == "" || len(cfg.Alerts.Email.To) == 0 {
			return fmt.Errorf("alerts.email requires smtp_host and at least one recipient")
		}
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL == "" {
		return fmt.Errorf("alerts.webhook.url is required when webhook alerts are enabled")
	}
	if cfg.Backup.S3.Enabled && cfg.Backup.S3.Bucket == "" {
		return fmt.Errorf("backup.s3.bucket is required when s3 upload is enabled")
	}
	return nil
}
