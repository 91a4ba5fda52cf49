package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the process-wide configuration for both cmd/proxy and
// cmd/analysisworker. Only the sections a given binary needs are read;
// unused sections are harmless defaults.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Dashboard   DashboardConfig   `mapstructure:"dashboard"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Claude      ClaudeConfig      `mapstructure:"claude"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Circuit     CircuitConfig     `mapstructure:"circuit"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Compactor   CompactorConfig   `mapstructure:"compactor"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	Host              string        `mapstructure:"host"`
	RequestTimeoutMs  int           `mapstructure:"request_timeout_ms"`
	ServerTimeoutMs   int           `mapstructure:"server_timeout_ms"`
	RequestTimeout    time.Duration `mapstructure:"-"`
	ServerTimeout     time.Duration `mapstructure:"-"`
	EnableClientAuth  bool          `mapstructure:"enable_client_auth"`
	ShutdownGraceTime time.Duration `mapstructure:"shutdown_grace_time"`
}

// DatabaseConfig points at the single relational store (§3). DATABASE_URL
// is required; there is deliberately no default, matching spec §6.
type DatabaseConfig struct {
	URL          string `mapstructure:"url"`
	MaxConns     int    `mapstructure:"max_conns"`
	MinConns     int    `mapstructure:"min_conns"`
	AnalyticsURL string `mapstructure:"analytics_url"` // passed to store.Config; no separate pool is opened for it
}

type DashboardConfig struct {
	APIKey string `mapstructure:"api_key"` // DASHBOARD_API_KEY; empty => read-only mode
}

type CredentialsConfig struct {
	Dir             string        `mapstructure:"dir"`
	DescriptorTTL   time.Duration `mapstructure:"descriptor_ttl"`
	FileReadTimeout time.Duration `mapstructure:"file_read_timeout"`
	RefreshSkew     time.Duration `mapstructure:"refresh_skew"`
}

type ClaudeConfig struct {
	UpstreamURL string `mapstructure:"upstream_url"`
	APIVersion  string `mapstructure:"api_version"`
}

type StorageConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	WriterQueueLen int  `mapstructure:"writer_queue_len"`
	WriterWorkers  int  `mapstructure:"writer_workers"`
	WriterBatch    int  `mapstructure:"writer_batch"`
}

// PoolConfig holds account-pool selection configuration (spec §4.3).
type PoolConfig struct {
	WindowSeconds      int           `mapstructure:"window_seconds"`
	OutputTokenBudget  int64         `mapstructure:"output_token_budget"`
	StickyMappingTTL   time.Duration `mapstructure:"sticky_mapping_ttl"`
	StickyMappingLRU   int           `mapstructure:"sticky_mapping_lru"`
}

// CircuitConfig holds circuit breaker configuration, adapted from the
// upstream-availability tracker in §5.1.
type CircuitConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

// ConcurrencyConfig holds per-user/account slot acquisition configuration.
type ConcurrencyConfig struct {
	UserMax       int           `mapstructure:"user_max"`
	AccountMax    int           `mapstructure:"account_max"`
	MaxWaitQueue  int           `mapstructure:"max_wait_queue"`
	WaitTimeout   time.Duration `mapstructure:"wait_timeout"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	BackoffJitter float64       `mapstructure:"backoff_jitter"`
}

type RateLimitConfig struct {
	Enabled     bool      `mapstructure:"enabled"`
	AccountRPM  LimitRule `mapstructure:"account_rpm"`
	GlobalLimit LimitRule `mapstructure:"global_limit"`
}

type LimitRule struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// RetryConfig governs the forwarder's idempotent-failure retry (spec §4.6:
// retry only pre-first-byte connect/5xx errors, up to 2 attempts).
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type SchedulerConfig struct {
	Strategy string `mapstructure:"strategy"` // "least_loaded", "round_robin", "random"
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// WorkerConfig governs cmd/analysisworker (spec §4.9). PollInterval and
// JobTimeout are derived from PollIntervalMs/JobTimeoutMinutes rather
// than read directly as durations: their environment variables
// (AI_WORKER_POLL_INTERVAL_MS, AI_WORKER_JOB_TIMEOUT_MINUTES) carry bare
// numbers per spec §6, and viper's string-to-duration mapstructure hook
// rejects a bare number with no unit suffix.
type WorkerConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	PollIntervalMs     int           `mapstructure:"poll_interval_ms"`
	PollInterval       time.Duration `mapstructure:"-"`
	MaxConcurrentJobs  int           `mapstructure:"max_concurrent_jobs"`
	JobTimeoutMinutes  int           `mapstructure:"job_timeout_minutes"`
	JobTimeout         time.Duration `mapstructure:"-"`
	MaxRetries         int           `mapstructure:"max_retries"`
	WatchdogInterval   time.Duration `mapstructure:"watchdog_interval"`
	StuckTimeout       time.Duration `mapstructure:"stuck_timeout"`
	ShutdownGraceTime  time.Duration `mapstructure:"shutdown_grace_time"`
	AnalysisModelURL   string        `mapstructure:"analysis_model_url"`
	AnalysisModelRPM   int           `mapstructure:"analysis_model_rpm"`
	AnalysisCallTimeout time.Duration `mapstructure:"analysis_call_timeout"`
	MaxContextMessages int           `mapstructure:"max_context_messages"`
	MaxContextTokens   int           `mapstructure:"max_context_tokens"`
	TokenizerSafetyMargin float64    `mapstructure:"tokenizer_safety_margin"`
	HeadMessages       int           `mapstructure:"head_messages"`
	TailMessages       int           `mapstructure:"tail_messages"`
}

// NotifyConfig governs the notification-hook collaborator boundary (§4.8).
type NotifyConfig struct {
	WebhookURL   string        `mapstructure:"webhook_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	DedupLRUSize int           `mapstructure:"dedup_lru_size"`
}

// CompactorConfig governs the background api_requests body compaction job
// (spec §3.2).
type CompactorConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	CompactAge time.Duration `mapstructure:"compact_age"`
	Interval   time.Duration `mapstructure:"interval"`
	BatchSize  int           `mapstructure:"batch_size"`
}

var cfg *Config

// Load reads configuration the way the teacher does: an optional YAML file
// plus environment variables under a prefix, with SetDefault supplying
// every recognized key so a bare environment still boots cleanly except
// for the one required value (DATABASE_URL).
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.request_timeout_ms", 600000)
	viper.SetDefault("server.server_timeout_ms", 660000)
	viper.SetDefault("server.enable_client_auth", true)
	viper.SetDefault("server.shutdown_grace_time", "30s")

	viper.SetDefault("database.max_conns", 20)
	viper.SetDefault("database.min_conns", 2)

	viper.SetDefault("dashboard.api_key", "")

	viper.SetDefault("credentials.dir", "./credentials")
	viper.SetDefault("credentials.descriptor_ttl", "60s")
	viper.SetDefault("credentials.file_read_timeout", "500ms")
	viper.SetDefault("credentials.refresh_skew", "60s")

	viper.SetDefault("claude.upstream_url", "https://api.anthropic.com")
	viper.SetDefault("claude.api_version", "2023-06-01")

	viper.SetDefault("storage.enabled", true)
	viper.SetDefault("storage.writer_queue_len", 1024)
	viper.SetDefault("storage.writer_workers", 4)
	viper.SetDefault("storage.writer_batch", 100)

	viper.SetDefault("pool.window_seconds", 18000)
	viper.SetDefault("pool.output_token_budget", 140000)
	viper.SetDefault("pool.sticky_mapping_ttl", "1h")
	viper.SetDefault("pool.sticky_mapping_lru", 10000)

	viper.SetDefault("circuit.enabled", true)
	viper.SetDefault("circuit.failure_threshold", 5)
	viper.SetDefault("circuit.success_threshold", 2)
	viper.SetDefault("circuit.open_timeout", "30s")

	viper.SetDefault("concurrency.user_max", 10)
	viper.SetDefault("concurrency.account_max", 5)
	viper.SetDefault("concurrency.max_wait_queue", 20)
	viper.SetDefault("concurrency.wait_timeout", "30s")
	viper.SetDefault("concurrency.backoff_base", "100ms")
	viper.SetDefault("concurrency.backoff_max", "2s")
	viper.SetDefault("concurrency.backoff_jitter", 0.2)

	viper.SetDefault("ratelimit.enabled", true)
	viper.SetDefault("ratelimit.account_rpm.requests", 1000)
	viper.SetDefault("ratelimit.account_rpm.window", "1m")
	viper.SetDefault("ratelimit.global_limit.requests", 10000)
	viper.SetDefault("ratelimit.global_limit.window", "1m")

	viper.SetDefault("retry.max_attempts", 2)
	viper.SetDefault("retry.initial_backoff", "250ms")
	viper.SetDefault("retry.max_backoff", "1s")

	viper.SetDefault("scheduler.strategy", "least_loaded")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	viper.SetDefault("worker.enabled", false)
	viper.SetDefault("worker.poll_interval_ms", 2000)
	viper.SetDefault("worker.max_concurrent_jobs", 4)
	viper.SetDefault("worker.job_timeout_minutes", 5)
	viper.SetDefault("worker.max_retries", 3)
	viper.SetDefault("worker.watchdog_interval", "60s")
	viper.SetDefault("worker.stuck_timeout", "5m")
	viper.SetDefault("worker.shutdown_grace_time", "30s")
	viper.SetDefault("worker.analysis_model_rpm", 30)
	viper.SetDefault("worker.analysis_call_timeout", "60s")
	viper.SetDefault("worker.max_context_messages", 50)
	viper.SetDefault("worker.max_context_tokens", 855000)
	viper.SetDefault("worker.tokenizer_safety_margin", 0.05)
	viper.SetDefault("worker.head_messages", 5)
	viper.SetDefault("worker.tail_messages", 20)

	viper.SetDefault("notify.timeout", "2s")
	viper.SetDefault("notify.dedup_lru_size", 1000)

	viper.SetDefault("compactor.enabled", true)
	viper.SetDefault("compactor.compact_age", "168h")
	viper.SetDefault("compactor.interval", "24h")
	viper.SetDefault("compactor.batch_size", 100)

	viper.SetEnvPrefix("PROXY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Spec §6's recognized environment variables do not share the
	// PROXY_ prefix; bind them explicitly onto their config keys.
	bindLegacyEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	cfg.Server.RequestTimeout = time.Duration(cfg.Server.RequestTimeoutMs) * time.Millisecond
	cfg.Server.ServerTimeout = time.Duration(cfg.Server.ServerTimeoutMs) * time.Millisecond
	cfg.Worker.PollInterval = time.Duration(cfg.Worker.PollIntervalMs) * time.Millisecond
	cfg.Worker.JobTimeout = time.Duration(cfg.Worker.JobTimeoutMinutes) * time.Minute

	return cfg, nil
}

// bindLegacyEnv wires the exact environment variable names spec §6 lists,
// which do not follow the PROXY_ prefix convention used for everything
// else in this config.
func bindLegacyEnv() {
	_ = viper.BindEnv("database.url", "DATABASE_URL")
	_ = viper.BindEnv("dashboard.api_key", "DASHBOARD_API_KEY")
	_ = viper.BindEnv("credentials.dir", "CREDENTIALS_DIR")
	_ = viper.BindEnv("server.request_timeout_ms", "CLAUDE_API_TIMEOUT_MS")
	_ = viper.BindEnv("server.server_timeout_ms", "PROXY_SERVER_TIMEOUT_MS")
	_ = viper.BindEnv("server.enable_client_auth", "ENABLE_CLIENT_AUTH")
	_ = viper.BindEnv("storage.enabled", "STORAGE_ENABLED")
	_ = viper.BindEnv("worker.enabled", "AI_WORKER_ENABLED")
	_ = viper.BindEnv("worker.poll_interval_ms", "AI_WORKER_POLL_INTERVAL_MS")
	_ = viper.BindEnv("worker.max_concurrent_jobs", "AI_WORKER_MAX_CONCURRENT_JOBS")
	_ = viper.BindEnv("worker.job_timeout_minutes", "AI_WORKER_JOB_TIMEOUT_MINUTES")
	_ = viper.BindEnv("worker.max_retries", "AI_WORKER_MAX_RETRIES")
	_ = viper.BindEnv("worker.max_context_tokens", "AI_MAX_CONTEXT_TOKENS")
	_ = viper.BindEnv("worker.tokenizer_safety_margin", "AI_TOKENIZER_SAFETY_MARGIN")
	_ = viper.BindEnv("worker.head_messages", "AI_HEAD_MESSAGES")
	_ = viper.BindEnv("worker.tail_messages", "AI_TAIL_MESSAGES")
	_ = viper.BindEnv("pool.window_seconds", "POOL_WINDOW_SECONDS")
	_ = viper.BindEnv("pool.output_token_budget", "POOL_OUTPUT_TOKEN_BUDGET")
}

func Get() *Config {
	if cfg == nil {
		cfg, _ = Load()
	}
	return cfg
}
