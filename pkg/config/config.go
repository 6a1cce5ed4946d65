package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

const (
	// AppName is used for the env prefix and the default data directory.
	AppName = "urlanalyzer"

	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// URLANALYZER_CLOUDFLARE_API_TOKEN.
	EnvPrefix = "URLANALYZER"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default API listen address.
	DefaultListen = ":8080"

	// DefaultCloudflareBaseURL is the Cloudflare API v4 base URL.
	DefaultCloudflareBaseURL = "https://api.cloudflare.com/client/v4"

	// DefaultAIModel is the Workers AI model used for the ai_verdict stage.
	DefaultAIModel = "@cf/meta/llama-3.3-70b-instruct-fp8-fast"

	// DefaultAIMaxTokens bounds the AI response length.
	DefaultAIMaxTokens = 256

	// DefaultScanVisibility is the URL Scanner visibility for submitted scans.
	DefaultScanVisibility = "Unlisted"

	// DefaultRequestsPerMinute throttles outbound Cloudflare API calls.
	DefaultRequestsPerMinute = 240

	// DefaultMaxResponseSize caps the size of an external API response.
	DefaultMaxResponseSize = "4MB"

	// DefaultWorkerConcurrency is the number of runs driven in parallel.
	DefaultWorkerConcurrency = 4

	// DefaultRecoveryInterval is how often incomplete runs are re-enqueued.
	DefaultRecoveryInterval = "30s"

	// DefaultStaleAfter is how long a running run may go without a write
	// before recovery re-enqueues it.
	DefaultStaleAfter = "2m"

	// DefaultRedisKey is the Redis list used as the run queue.
	DefaultRedisKey = "urlanalyzer:runs"

	// DefaultSubmitRequestsPerMinute limits run submissions per client IP.
	DefaultSubmitRequestsPerMinute = 30
)

// Config is the root configuration for urlanalyzer.
type Config struct {
	Global     GlobalConfig     `yaml:"global" mapstructure:"global"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Cloudflare CloudflareConfig `yaml:"cloudflare" mapstructure:"cloudflare"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Archive    ArchiveConfig    `yaml:"archive" mapstructure:"archive"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// Load reads and merges the given configuration files in order, applies
// environment overrides and defaults. With no paths, only defaults and the
// environment are used.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// setDefaults registers every scalar key with viper so that AutomaticEnv
// can override keys that are absent from the config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)

	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("server.rate_limit.enabled", true)
	v.SetDefault("server.rate_limit.submit.requests_per_minute", DefaultSubmitRequestsPerMinute)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", "")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", AppName)
	v.SetDefault("database.postgres.ssl_mode", "disable")

	v.SetDefault("worker.concurrency", DefaultWorkerConcurrency)
	v.SetDefault("worker.recovery_interval", DefaultRecoveryInterval)
	v.SetDefault("worker.stale_after", DefaultStaleAfter)
	v.SetDefault("worker.queue.driver", "memory")
	v.SetDefault("worker.queue.redis.addr", "localhost:6379")
	v.SetDefault("worker.queue.redis.password", "")
	v.SetDefault("worker.queue.redis.db", 0)
	v.SetDefault("worker.queue.redis.key", DefaultRedisKey)

	v.SetDefault("cloudflare.base_url", DefaultCloudflareBaseURL)
	v.SetDefault("cloudflare.account_id", "")
	v.SetDefault("cloudflare.api_token", "")
	v.SetDefault("cloudflare.requests_per_minute", DefaultRequestsPerMinute)
	v.SetDefault("cloudflare.max_response_size", DefaultMaxResponseSize)
	v.SetDefault("cloudflare.scan_visibility", DefaultScanVisibility)
	v.SetDefault("cloudflare.ai_model", DefaultAIModel)
	v.SetDefault("cloudflare.ai_max_tokens", DefaultAIMaxTokens)

	v.SetDefault("archive.s3.enabled", false)
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.prefix", "")
	v.SetDefault("archive.s3.region", "")
	v.SetDefault("archive.s3.endpoint_url", "")
	v.SetDefault("archive.s3.access_key_id", "")
	v.SetDefault("archive.s3.secret_access_key", "")
	v.SetDefault("archive.s3.force_path_style", false)
}

// applyDefaults sets default values that depend on the environment or are
// not expressible as viper defaults.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath()
	}

	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = DefaultWorkerConcurrency
	}

	if c.Cloudflare.RequestsPerMinute <= 0 {
		c.Cloudflare.RequestsPerMinute = DefaultRequestsPerMinute
	}

	if c.Pipeline.Stages == nil {
		c.Pipeline.Stages = make(map[string]StageConfig, 5)
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if _, err := c.Server.TrustedProxyPrefixes(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if _, err := c.Worker.RecoveryIntervalDuration(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	if _, err := c.Worker.StaleAfterDuration(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	switch c.Worker.Queue.Driver {
	case "memory":
	case "redis":
		if c.Worker.Queue.Redis.Addr == "" {
			return fmt.Errorf("worker.queue.redis.addr is required for the redis queue")
		}
	default:
		return fmt.Errorf("unsupported queue driver: %s", c.Worker.Queue.Driver)
	}

	if _, err := c.Cloudflare.MaxResponseBytes(); err != nil {
		return fmt.Errorf("cloudflare: %w", err)
	}

	for name, stage := range c.Pipeline.Stages {
		if !isValidStage(name) {
			return fmt.Errorf("pipeline.stages: unknown stage %q", name)
		}

		if err := stage.Validate(); err != nil {
			return fmt.Errorf("pipeline.stages.%s: %w", name, err)
		}
	}

	if c.Archive.S3 != nil && c.Archive.S3.Enabled && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive.s3.bucket is required when the s3 archive is enabled")
	}

	return nil
}

// ValidateCloudflare checks that the credentials needed to reach the
// external services are present.
func (c *Config) ValidateCloudflare() error {
	if c.Cloudflare.AccountID == "" {
		return fmt.Errorf("cloudflare.account_id is required")
	}

	if c.Cloudflare.APIToken == "" {
		return fmt.Errorf("cloudflare.api_token is required")
	}

	return nil
}

// DefaultSQLitePath returns the default database location under the XDG
// data directory.
func DefaultSQLitePath() string {
	return filepath.Join(xdg.DataHome, AppName, "runs.db")
}

// parseDuration parses an optional duration string.
func parseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}

	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", value)
	}

	return d, nil
}

// parseSize parses a human readable size such as "4MB".
func parseSize(value string) (int64, error) {
	size, err := units.FromHumanSize(value)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", value, err)
	}

	return size, nil
}
