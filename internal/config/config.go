package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to run the sentinel service.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Warehouse    WarehouseConfig    `yaml:"warehouse"`
	Blob         BlobConfig         `yaml:"blob"`
	Bus          BusConfig          `yaml:"bus"`
	Cache        CacheConfig        `yaml:"cache"`
	Alerts       AlertsConfig       `yaml:"alerts"`
	Freshness    []FreshnessSource  `yaml:"freshness"`
	Gaps         []GapSource        `yaml:"gaps"`
	Stalls       []StageConfig      `yaml:"stalls"`
	Coverage     CoverageConfig     `yaml:"coverage"`
	Completeness CompletenessConfig `yaml:"completeness"`
	Latency      LatencyConfig      `yaml:"latency"`
	Backfill     BackfillConfig     `yaml:"backfill"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	// CheckTimeout bounds a single detector run so a stuck dependency
	// cannot stack scheduled invocations.
	CheckTimeout time.Duration `yaml:"checkTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// WarehouseConfig configures the analytics warehouse connection.
type WarehouseConfig struct {
	DSN          string        `yaml:"dsn"`
	QueryTimeout time.Duration `yaml:"queryTimeout"`
}

// BlobConfig configures the raw object store scanned for gap detection.
type BlobConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"useSSL"`
}

// BusConfig configures NATS subjects and dead-letter streams.
type BusConfig struct {
	URL               string        `yaml:"url"`
	CompletionSubject string        `yaml:"completionSubject"`
	GapSubject        string        `yaml:"gapSubject"`
	DLQ               DLQConfig     `yaml:"dlq"`
	ConnectTimeout    time.Duration `yaml:"connectTimeout"`
}

// DLQConfig lists dead-letter streams to watch.
type DLQConfig struct {
	Streams   []string      `yaml:"streams"`
	PeekLimit int           `yaml:"peekLimit"`
	Cooldown  time.Duration `yaml:"cooldown"`
	FetchWait time.Duration `yaml:"fetchWait"`
}

// CacheConfig controls the optional Valkey-backed create-guard and cooldown marks.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	LockTTL      time.Duration `yaml:"lockTTL"`
}

// AlertsConfig controls rate limiting, batching, and outbound channels.
type AlertsConfig struct {
	RateLimitWindow     time.Duration `yaml:"rateLimitWindow"`
	MaxPerWindow        int           `yaml:"maxPerWindow"`
	FlushInterval       time.Duration `yaml:"flushInterval"`
	PrimaryWebhookURL   string        `yaml:"primaryWebhookURL"`
	SecondaryWebhookURL string        `yaml:"secondaryWebhookURL"`
	WebhookTimeout      time.Duration `yaml:"webhookTimeout"`
}

// FreshnessSource configures one data-age check.
type FreshnessSource struct {
	Name            string  `yaml:"name"`
	Table           string  `yaml:"table"`
	TimestampColumn string  `yaml:"timestampColumn"`
	WarningHours    float64 `yaml:"warningHours"`
	CriticalHours   float64 `yaml:"criticalHours"`
}

// GapSource configures one blob-vs-warehouse comparison.
type GapSource struct {
	Name       string `yaml:"name"`
	GapType    string `yaml:"gapType"`
	Prefix     string `yaml:"prefix"`
	Table      string `yaml:"table"`
	DateColumn string `yaml:"dateColumn"`
}

// StageConfig configures stall detection for one pipeline stage.
type StageConfig struct {
	Key             string  `yaml:"key"`
	ExpectedMinutes float64 `yaml:"expectedMinutes"`
	StallMinutes    float64 `yaml:"stallMinutes"`
	DependsOn       string  `yaml:"dependsOn"`
}

// CoverageConfig configures the prediction coverage check. Thresholds apply to
// the missing-coverage ratio (1 - produced/expected), breach inclusive.
type CoverageConfig struct {
	WarningMissing  float64 `yaml:"warningMissing"`
	CriticalMissing float64 `yaml:"criticalMissing"`
}

// CompletenessConfig configures the event-driven completeness check.
type CompletenessConfig struct {
	// StageKey is the pipeline stage completion signals are recorded under.
	StageKey           string        `yaml:"stageKey"`
	ExpectedProcessors []string      `yaml:"expectedProcessors"`
	Lookback           time.Duration `yaml:"lookback"`
}

// LatencyTransition is a per-transition stage-to-stage threshold.
type LatencyTransition struct {
	From       string  `yaml:"from"`
	To         string  `yaml:"to"`
	MaxMinutes float64 `yaml:"maxMinutes"`
}

// LatencyConfig configures stage latency tracking and history.
type LatencyConfig struct {
	Transitions       []LatencyTransition `yaml:"transitions"`
	EndToEndWarning   float64             `yaml:"endToEndWarningMinutes"`
	EndToEndCritical  float64             `yaml:"endToEndCriticalMinutes"`
	HistoryWindow     time.Duration       `yaml:"historyWindow"`
	AnomalyP95Factor  float64             `yaml:"anomalyP95Factor"`
	AnomalyMinSamples int                 `yaml:"anomalyMinSamples"`
}

// BackfillConfig configures recovery triggering.
type BackfillConfig struct {
	Cooldown           time.Duration       `yaml:"cooldown"`
	MaxGamesPerRequest int                 `yaml:"maxGamesPerRequest"`
	Endpoints          map[string]string   `yaml:"endpoints"`
	Processors         map[string][]string `yaml:"processors"`
	Token              string              `yaml:"token"`
	RequestTimeout     time.Duration       `yaml:"requestTimeout"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("SENTINEL_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			GracefulTimeout: 10 * time.Second,
			RequestTimeout:  60 * time.Second,
			CheckTimeout:    45 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Warehouse: WarehouseConfig{
			QueryTimeout: 30 * time.Second,
		},
		Bus: BusConfig{
			CompletionSubject: "pipeline.completion",
			GapSubject:        "pipeline.gaps",
			ConnectTimeout:    5 * time.Second,
			DLQ: DLQConfig{
				PeekLimit: 10,
				Cooldown:  time.Hour,
				FetchWait: 2 * time.Second,
			},
		},
		Cache: CacheConfig{
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			LockTTL:      30 * time.Second,
		},
		Alerts: AlertsConfig{
			RateLimitWindow: time.Hour,
			MaxPerWindow:    10,
			WebhookTimeout:  10 * time.Second,
		},
		Coverage: CoverageConfig{
			WarningMissing:  0.10,
			CriticalMissing: 0.30,
		},
		Completeness: CompletenessConfig{
			StageKey: "raw-load",
			Lookback: 12 * time.Hour,
		},
		Latency: LatencyConfig{
			EndToEndWarning:   240,
			EndToEndCritical:  480,
			HistoryWindow:     30 * 24 * time.Hour,
			AnomalyP95Factor:  1.5,
			AnomalyMinSamples: 20,
		},
		Backfill: BackfillConfig{
			Cooldown:           4 * time.Hour,
			MaxGamesPerRequest: 50,
			RequestTimeout:     30 * time.Second,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SENTINEL_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("SENTINEL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SENTINEL_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("SENTINEL_WAREHOUSE_DSN"); v != "" {
		cfg.Warehouse.DSN = v
	}
	if v := os.Getenv("SENTINEL_BUS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv("SENTINEL_BLOB_ENDPOINT"); v != "" {
		cfg.Blob.Endpoint = v
	}
	if v := os.Getenv("SENTINEL_BLOB_ACCESS_KEY"); v != "" {
		cfg.Blob.AccessKey = v
	}
	if v := os.Getenv("SENTINEL_BLOB_SECRET_KEY"); v != "" {
		cfg.Blob.SecretKey = v
	}
	if v := os.Getenv("SENTINEL_BLOB_BUCKET"); v != "" {
		cfg.Blob.Bucket = v
	}
	if v := os.Getenv("SENTINEL_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("SENTINEL_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("SENTINEL_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("SENTINEL_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("SENTINEL_PRIMARY_WEBHOOK_URL"); v != "" {
		cfg.Alerts.PrimaryWebhookURL = v
	}
	if v := os.Getenv("SENTINEL_SECONDARY_WEBHOOK_URL"); v != "" {
		cfg.Alerts.SecondaryWebhookURL = v
	}
	if v := os.Getenv("SENTINEL_RECOVERY_TOKEN"); v != "" {
		cfg.Backfill.Token = v
	}
	if v := os.Getenv("SENTINEL_BACKFILL_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Backfill.Cooldown = d
		}
	}
	if v := os.Getenv("SENTINEL_ALERT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Alerts.RateLimitWindow = d
		}
	}
	if v := os.Getenv("SENTINEL_ALERT_MAX_PER_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Alerts.MaxPerWindow = n
		}
	}
}

// Stage looks up a stall stage by key.
func (c *Config) Stage(key string) (StageConfig, bool) {
	for _, s := range c.Stalls {
		if s.Key == key {
			return s, true
		}
	}
	return StageConfig{}, false
}
