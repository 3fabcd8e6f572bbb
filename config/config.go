package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tradeindex TradeindexConfig `yaml:"tradeindex"`
	Index      IndexConfig      `yaml:"index"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Storage    StorageConfig    `yaml:"storage"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Publisher  PublisherConfig  `yaml:"publisher"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type TradeindexConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type IndexConfig struct {
	NearestToleranceMs int64 `yaml:"nearest_tolerance_ms"`
	LookbackMs         int64 `yaml:"lookback_ms"`
	LookaheadMs        int64 `yaml:"lookahead_ms"`
}

type IngestConfig struct {
	Prefix            string  `yaml:"prefix"`
	PollingIntervalMs int64   `yaml:"polling_interval_ms"`
	ReceiveMaxMsgs    int32   `yaml:"receive_max_messages"`
	ReceiveWaitSecs   int32   `yaml:"receive_wait_seconds"`
	BackoffMs         int64   `yaml:"backoff_ms"`
	ListRateLimit     float64 `yaml:"list_rate_limit"`
	ListRateBurst     int     `yaml:"list_rate_burst"`
}

type StorageConfig struct {
	S3  S3Config  `yaml:"s3"`
	SQS SQSConfig `yaml:"sqs"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type SQSConfig struct {
	QueueURL string `yaml:"queue_url"`
}

type ChannelsConfig struct {
	TradeBuffer int `yaml:"trade_buffer"`
}

type PublisherConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Collector string `yaml:"collector"`
	WindowSec int64  `yaml:"window_seconds"`
}

type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

// Defaults applied when the config file leaves a knob unset.
const (
	DefaultPollingIntervalMs = 30_000
	DefaultReceiveMaxMsgs    = 10
	DefaultReceiveWaitSecs   = 20
	DefaultBackoffMs         = 5_000
	DefaultNearestTolMs      = 60_000
	DefaultLookbackMs        = 3_600_000
	DefaultLookaheadMs       = 3_600_000
)

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)

	// Override AWS settings from environment variables if available
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		config.Storage.S3.Region = strings.TrimSpace(v)
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		config.Storage.S3.Bucket = strings.TrimSpace(v)
	}
	if v := os.Getenv("SQS_QUEUE_URL"); v != "" {
		config.Storage.SQS.QueueURL = strings.TrimSpace(v)
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Ingest.PollingIntervalMs <= 0 {
		cfg.Ingest.PollingIntervalMs = DefaultPollingIntervalMs
	}
	if cfg.Ingest.ReceiveMaxMsgs <= 0 {
		cfg.Ingest.ReceiveMaxMsgs = DefaultReceiveMaxMsgs
	}
	if cfg.Ingest.ReceiveWaitSecs <= 0 {
		cfg.Ingest.ReceiveWaitSecs = DefaultReceiveWaitSecs
	}
	if cfg.Ingest.BackoffMs <= 0 {
		cfg.Ingest.BackoffMs = DefaultBackoffMs
	}
	if cfg.Index.NearestToleranceMs <= 0 {
		cfg.Index.NearestToleranceMs = DefaultNearestTolMs
	}
	if cfg.Index.LookbackMs <= 0 {
		cfg.Index.LookbackMs = DefaultLookbackMs
	}
	if cfg.Index.LookaheadMs <= 0 {
		cfg.Index.LookaheadMs = DefaultLookaheadMs
	}
	if cfg.Channels.TradeBuffer <= 0 {
		cfg.Channels.TradeBuffer = 1000
	}
	if cfg.Publisher.WindowSec <= 0 {
		cfg.Publisher.WindowSec = 300
	}
}

// EventDriven reports whether incremental discovery should use the
// notification queue instead of polling.
func (c *Config) EventDriven() bool {
	return c.Storage.SQS.QueueURL != ""
}

func validateConfig(cfg *Config) error {
	if cfg.Tradeindex.Name == "" {
		return fmt.Errorf("tradeindex.name is required")
	}

	if cfg.Tradeindex.Version == "" {
		return fmt.Errorf("tradeindex.version is required")
	}

	if cfg.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required")
	}
	if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
		return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
	}
	if cfg.Storage.S3.Region == "" {
		return fmt.Errorf("storage.s3.region is required")
	}

	if cfg.Publisher.Enabled && cfg.Publisher.Collector == "" {
		return fmt.Errorf("publisher.collector is required when the publisher is enabled")
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
