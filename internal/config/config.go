// Package config provides application configuration management.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/Rorqualx/crawlpool/internal/crawlerrors"
)

// Bounds that Validate enforces on resource-shaping options and on the
// API key length.
const (
	maxMaxConcurrency = 10000
	maxTabsPerBrowser  = 500
	minAPIKeyLength    = 16
)

// Config holds every option the scheduler core consumes. Environment
// variables set the initial value; a YAML file layered on top overrides
// anything it sets; Tunable fields can additionally be hot-reloaded from
// that file while the process runs (see Watcher).
type Config struct {
	// Server settings
	Host string
	Port int

	// Browser settings
	Headless         bool
	BrowserPath      string
	ProxyURL         string
	IgnoreCertErrors bool

	// BrowserPool settings
	MaxTabsPerBrowser      int
	KillInstanceAfter      time.Duration
	InstanceKillerInterval time.Duration
	ProcessKillTimeout     time.Duration

	// AutoscaledPool settings (the bounds, ratios and LoggingInterval are
	// also read from the config file; see fileOverrides)
	MinConcurrency          int
	MaxConcurrency          int
	DesiredConcurrency      int
	DesiredConcurrencyRatio float64
	ScaleUpStepRatio        float64
	ScaleDownStepRatio      float64
	MaybeRunInterval        time.Duration
	AutoscaleInterval       time.Duration
	LoggingInterval         time.Duration

	// Snapshotter / SystemStatus settings
	MaxMemoryMB             int
	MemorySampleInterval    time.Duration
	EventLoopSampleInterval time.Duration
	SamplingHistory         time.Duration
	MinFreeMemoryRatio      float64
	MaxBlockedRatio         float64
	CurrentHistory          time.Duration
	MaxMemoryOverloadedRatio    float64
	MaxEventLoopOverloadedRatio float64
	MaxCPUOverloadedRatio       float64
	MaxClientOverloadedRatio    float64

	// Logging
	LogLevel string

	// Metrics / health surface
	MetricsEnabled bool
	MetricsAddr    string

	// API key settings. Validate requires a key of at least
	// minAPIKeyLength characters when APIKeyEnabled is set; the HTTP
	// server in cmd/crawlpool does not check the key on requests.
	APIKeyEnabled bool
	APIKey        string

	// ConfigFile, when set, is layered over the environment defaults and
	// watched for hot-reload of Tunable fields.
	ConfigFile string
}

// Load builds a Config from environment variables, then layers a YAML
// file on top if CONFIG_FILE is set.
func Load() (*Config, error) {
	cfg := &Config{
		Host: getEnvString("HOST", "127.0.0.1"),
		Port: getEnvInt("PORT", 8080),

		Headless:         getEnvBool("HEADLESS", true),
		BrowserPath:      getEnvString("BROWSER_PATH", ""),
		ProxyURL:         getEnvString("PROXY_URL", ""),
		IgnoreCertErrors: getEnvBool("IGNORE_CERT_ERRORS", false),

		MaxTabsPerBrowser:      getEnvInt("MAX_TABS_PER_BROWSER", 50),
		KillInstanceAfter:      getEnvDuration("KILL_INSTANCE_AFTER", 5*time.Minute),
		InstanceKillerInterval: getEnvDuration("INSTANCE_KILLER_INTERVAL", 60*time.Second),
		ProcessKillTimeout:     getEnvDuration("PROCESS_KILL_TIMEOUT", 5*time.Second),

		MinConcurrency:          getEnvInt("MIN_CONCURRENCY", 1),
		MaxConcurrency:          getEnvInt("MAX_CONCURRENCY", 1000),
		DesiredConcurrency:      getEnvInt("DESIRED_CONCURRENCY", 0),
		DesiredConcurrencyRatio: getEnvFloat("DESIRED_CONCURRENCY_RATIO", 0.9),
		ScaleUpStepRatio:        getEnvFloat("SCALE_UP_STEP_RATIO", 0.05),
		ScaleDownStepRatio:      getEnvFloat("SCALE_DOWN_STEP_RATIO", 0.05),
		MaybeRunInterval:        getEnvDuration("MAYBE_RUN_INTERVAL", 500*time.Millisecond),
		AutoscaleInterval:       getEnvDuration("AUTOSCALE_INTERVAL", 10*time.Second),
		LoggingInterval:         getEnvDuration("LOGGING_INTERVAL", 60*time.Second),

		MaxMemoryMB:             getEnvInt("MAX_MEMORY_MB", 0),
		MemorySampleInterval:    getEnvDuration("MEMORY_SAMPLE_INTERVAL", time.Second),
		EventLoopSampleInterval: getEnvDuration("EVENT_LOOP_SAMPLE_INTERVAL", 500*time.Millisecond),
		SamplingHistory:         getEnvDuration("SAMPLING_HISTORY", 60*time.Second),
		MinFreeMemoryRatio:      getEnvFloat("MIN_FREE_MEMORY_RATIO", 0.2),
		MaxBlockedRatio:         getEnvFloat("MAX_BLOCKED_RATIO", 0.05),
		CurrentHistory:          getEnvDuration("CURRENT_HISTORY", 5*time.Second),
		MaxMemoryOverloadedRatio:    getEnvFloat("MAX_MEMORY_OVERLOADED_RATIO", 0.2),
		MaxEventLoopOverloadedRatio: getEnvFloat("MAX_EVENT_LOOP_OVERLOADED_RATIO", 0.2),
		MaxCPUOverloadedRatio:       getEnvFloat("MAX_CPU_OVERLOADED_RATIO", 0.4),
		MaxClientOverloadedRatio:    getEnvFloat("MAX_CLIENT_OVERLOADED_RATIO", 0.2),

		LogLevel: getEnvString("LOG_LEVEL", "info"),

		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
		MetricsAddr:    getEnvString("METRICS_ADDR", "127.0.0.1:9090"),

		APIKeyEnabled: getEnvBool("API_KEY_ENABLED", false),
		APIKey:        getEnvString("API_KEY", ""),

		ConfigFile: getEnvString("CONFIG_FILE", ""),
	}

	if cfg.ConfigFile != "" {
		if err := cfg.loadFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// fileOverrides is the subset of Config that may be set or live-reloaded
// from the YAML file. Only scheduler-tuning knobs are exposed here;
// anything process-identity related (ports, paths) stays env-only.
type fileOverrides struct {
	MinConcurrency          *int     `yaml:"min_concurrency"`
	MaxConcurrency          *int     `yaml:"max_concurrency"`
	DesiredConcurrencyRatio *float64 `yaml:"desired_concurrency_ratio"`
	ScaleUpStepRatio        *float64 `yaml:"scale_up_step_ratio"`
	ScaleDownStepRatio      *float64 `yaml:"scale_down_step_ratio"`
	LoggingInterval         *string  `yaml:"logging_interval"`
	MaxTabsPerBrowser       *int     `yaml:"max_tabs_per_browser"`
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var overrides fileOverrides
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	c.applyOverrides(overrides)
	return nil
}

func (c *Config) applyOverrides(o fileOverrides) {
	if o.MinConcurrency != nil {
		c.MinConcurrency = *o.MinConcurrency
	}
	if o.MaxConcurrency != nil {
		c.MaxConcurrency = *o.MaxConcurrency
	}
	if o.DesiredConcurrencyRatio != nil {
		c.DesiredConcurrencyRatio = *o.DesiredConcurrencyRatio
	}
	if o.ScaleUpStepRatio != nil {
		c.ScaleUpStepRatio = *o.ScaleUpStepRatio
	}
	if o.ScaleDownStepRatio != nil {
		c.ScaleDownStepRatio = *o.ScaleDownStepRatio
	}
	if o.LoggingInterval != nil {
		if d, err := time.ParseDuration(*o.LoggingInterval); err == nil {
			c.LoggingInterval = d
		} else {
			log.Warn().Str("value", *o.LoggingInterval).Msg("config: invalid logging_interval in file, keeping previous value")
		}
	}
	if o.MaxTabsPerBrowser != nil {
		c.MaxTabsPerBrowser = *o.MaxTabsPerBrowser
	}
}

// Reload re-reads ConfigFile and applies any changed Tunable fields in
// place. Safe to call concurrently with reads of the fields it touches
// only if the caller serializes access (the fsnotify watcher in
// cmd/crawlpool owns the only writer).
func (c *Config) Reload() error {
	if c.ConfigFile == "" {
		return nil
	}
	return c.loadFile(c.ConfigFile)
}

// Validate checks configuration values. MinConcurrency, MaxConcurrency,
// MaxTabsPerBrowser and LogLevel are corrected to sensible values with a
// warning; an invalid port, browser path, inverted concurrency bounds, a
// ratio outside (0, 1] or a short API key return a ConfigError.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return crawlerrors.NewConfigError("Port", "must be between 0 and 65535")
	}

	if c.BrowserPath != "" && strings.Contains(c.BrowserPath, "..") {
		return crawlerrors.NewConfigError("BrowserPath", "must not contain path traversal sequences")
	}

	if c.MinConcurrency < 1 {
		log.Warn().Int("value", c.MinConcurrency).Msg("config: MinConcurrency below 1, using 1")
		c.MinConcurrency = 1
	}
	if c.MaxConcurrency > maxMaxConcurrency {
		log.Warn().Int("value", c.MaxConcurrency).Int("max", maxMaxConcurrency).Msg("config: MaxConcurrency too high, capping")
		c.MaxConcurrency = maxMaxConcurrency
	}
	if c.MinConcurrency > c.MaxConcurrency {
		return crawlerrors.NewConfigError("MinConcurrency", "must not exceed MaxConcurrency")
	}
	if c.DesiredConcurrency <= 0 {
		c.DesiredConcurrency = c.MinConcurrency
	}

	if c.MaxTabsPerBrowser < 1 {
		log.Warn().Int("value", c.MaxTabsPerBrowser).Msg("config: MaxTabsPerBrowser below 1, using 50")
		c.MaxTabsPerBrowser = 50
	} else if c.MaxTabsPerBrowser > maxTabsPerBrowser {
		log.Warn().Int("value", c.MaxTabsPerBrowser).Int("max", maxTabsPerBrowser).Msg("config: MaxTabsPerBrowser too high, capping")
		c.MaxTabsPerBrowser = maxTabsPerBrowser
	}

	for _, ratio := range []struct {
		name string
		val  *float64
	}{
		{"DesiredConcurrencyRatio", &c.DesiredConcurrencyRatio},
		{"ScaleUpStepRatio", &c.ScaleUpStepRatio},
		{"ScaleDownStepRatio", &c.ScaleDownStepRatio},
		{"MinFreeMemoryRatio", &c.MinFreeMemoryRatio},
		{"MaxBlockedRatio", &c.MaxBlockedRatio},
	} {
		if *ratio.val <= 0 || *ratio.val > 1 {
			return crawlerrors.NewConfigError(ratio.name, "must be in (0, 1]")
		}
	}

	validLogLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("config: invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	if c.APIKeyEnabled && len(c.APIKey) < minAPIKeyLength {
		return crawlerrors.NewConfigError("APIKey", fmt.Sprintf("must be at least %d characters when APIKeyEnabled is set", minAPIKeyLength))
	}

	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Warn().Str("key", key).Str("value", value).Int("default", defaultValue).Msg("config: invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		log.Warn().Str("key", key).Str("value", value).Float64("default", defaultValue).Msg("config: invalid float in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
		log.Warn().Str("key", key).Str("value", value).Bool("default", defaultValue).Msg("config: invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
		log.Warn().Str("key", key).Str("value", value).Dur("default", defaultValue).Msg("config: invalid duration in environment variable, using default")
	}
	return defaultValue
}
