package config

import (
	"fmt"
	"time"
)

// Stage names accepted under pipeline.stages.
var validStages = map[string]struct{}{
	"metadata":   {},
	"scan":       {},
	"reputation": {},
	"ai_verdict": {},
}

func isValidStage(name string) bool {
	_, ok := validStages[name]

	return ok
}

// WorkerConfig configures run dispatch.
type WorkerConfig struct {
	Concurrency      int         `yaml:"concurrency" mapstructure:"concurrency"`
	RecoveryInterval string      `yaml:"recovery_interval,omitempty" mapstructure:"recovery_interval"`
	StaleAfter       string      `yaml:"stale_after,omitempty" mapstructure:"stale_after"`
	Queue            QueueConfig `yaml:"queue" mapstructure:"queue"`
}

// RecoveryIntervalDuration returns the parsed recovery interval.
func (c *WorkerConfig) RecoveryIntervalDuration() (time.Duration, error) {
	d, err := parseDuration(c.RecoveryInterval, 30*time.Second)
	if err != nil {
		return 0, fmt.Errorf("recovery_interval: %w", err)
	}

	return d, nil
}

// StaleAfterDuration returns how long a running run may go without a write
// before recovery hands it to another worker.
func (c *WorkerConfig) StaleAfterDuration() (time.Duration, error) {
	d, err := parseDuration(c.StaleAfter, 2*time.Minute)
	if err != nil {
		return 0, fmt.Errorf("stale_after: %w", err)
	}

	return d, nil
}

// QueueConfig selects the run queue backend.
type QueueConfig struct {
	Driver string      `yaml:"driver" mapstructure:"driver"`
	Redis  RedisConfig `yaml:"redis,omitempty" mapstructure:"redis"`
}

// RedisConfig contains Redis connection settings for the queue.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password,omitempty" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	Key      string `yaml:"key" mapstructure:"key"`
}

// CloudflareConfig contains credentials and tuning for the external
// services (URL Scanner, Intel, Workers AI).
type CloudflareConfig struct {
	BaseURL           string `yaml:"base_url" mapstructure:"base_url"`
	AccountID         string `yaml:"account_id" mapstructure:"account_id"`
	APIToken          string `yaml:"api_token" mapstructure:"api_token"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxResponseSize   string `yaml:"max_response_size" mapstructure:"max_response_size"`
	ScanVisibility    string `yaml:"scan_visibility" mapstructure:"scan_visibility"`
	AIModel           string `yaml:"ai_model" mapstructure:"ai_model"`
	AIMaxTokens       int    `yaml:"ai_max_tokens" mapstructure:"ai_max_tokens"`
}

// MaxResponseBytes returns the parsed response size cap.
func (c *CloudflareConfig) MaxResponseBytes() (int64, error) {
	value := c.MaxResponseSize
	if value == "" {
		value = DefaultMaxResponseSize
	}

	size, err := parseSize(value)
	if err != nil {
		return 0, fmt.Errorf("max_response_size: %w", err)
	}

	return size, nil
}

// PipelineConfig holds per-stage retry policy overrides.
type PipelineConfig struct {
	Stages map[string]StageConfig `yaml:"stages,omitempty" mapstructure:"stages"`
}

// StageConfig overrides the retry policy of a single stage. Zero values
// keep the built-in defaults.
type StageConfig struct {
	MaxAttempts int    `yaml:"max_attempts,omitempty" mapstructure:"max_attempts"`
	Timeout     string `yaml:"timeout,omitempty" mapstructure:"timeout"`
	BaseDelay   string `yaml:"base_delay,omitempty" mapstructure:"base_delay"`
	MaxDelay    string `yaml:"max_delay,omitempty" mapstructure:"max_delay"`
	Critical    *bool  `yaml:"critical,omitempty" mapstructure:"critical"`
}

// Validate checks the stage overrides.
func (c *StageConfig) Validate() error {
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative")
	}

	for key, value := range map[string]string{
		"timeout":    c.Timeout,
		"base_delay": c.BaseDelay,
		"max_delay":  c.MaxDelay,
	} {
		if _, err := parseDuration(value, 0); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	return nil
}

// Durations returns the parsed timeout, base delay and max delay, using
// zero for unset values.
func (c *StageConfig) Durations() (timeout, baseDelay, maxDelay time.Duration, err error) {
	if timeout, err = parseDuration(c.Timeout, 0); err != nil {
		return 0, 0, 0, fmt.Errorf("timeout: %w", err)
	}

	if baseDelay, err = parseDuration(c.BaseDelay, 0); err != nil {
		return 0, 0, 0, fmt.Errorf("base_delay: %w", err)
	}

	if maxDelay, err = parseDuration(c.MaxDelay, 0); err != nil {
		return 0, 0, 0, fmt.Errorf("max_delay: %w", err)
	}

	return timeout, baseDelay, maxDelay, nil
}

// ArchiveConfig configures where finished verdicts are archived.
type ArchiveConfig struct {
	S3 *S3Config `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3Config contains S3 settings for the verdict archive.
type S3Config struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}
