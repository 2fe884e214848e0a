package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Tracker    TrackerConfig    `yaml:"tracker" mapstructure:"tracker"`
	Classifier ClassifierConfig `yaml:"classifier" mapstructure:"classifier"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Snapshot   SnapshotConfig   `yaml:"snapshot" mapstructure:"snapshot"`
	Stages     StagesConfig     `yaml:"stages" mapstructure:"stages"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// TrackerConfig holds tracker API credentials and quota settings.
type TrackerConfig struct {
	Token             string  `yaml:"token" mapstructure:"token"`
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	RequestsPerMinute float64 `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int     `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ClassifierConfig holds the analysis model settings.
type ClassifierConfig struct {
	Key             string   `yaml:"key" mapstructure:"key"`
	Model           string   `yaml:"model" mapstructure:"model"`
	MaxConcurrent   int      `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	CallTimeoutSecs int      `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	Categories      []string `yaml:"categories" mapstructure:"categories"`
}

// FetchConfig configures the chunked range fetch.
type FetchConfig struct {
	ChunkThresholdHours int `yaml:"chunk_threshold_hours" mapstructure:"chunk_threshold_hours"`
	ChunkSizeHours      int `yaml:"chunk_size_hours" mapstructure:"chunk_size_hours"`
	PageSize            int `yaml:"page_size" mapstructure:"page_size"`
	MaxRetries          int `yaml:"max_retries" mapstructure:"max_retries"`
}

// CacheConfig configures the profile enrichment cache.
type CacheConfig struct {
	Path     string `yaml:"path" mapstructure:"path"`
	TTLHours int    `yaml:"ttl_hours" mapstructure:"ttl_hours"`
}

// SnapshotConfig configures snapshot persistence.
type SnapshotConfig struct {
	Path       string `yaml:"path" mapstructure:"path"`
	PeriodType string `yaml:"period_type" mapstructure:"period_type"`
}

// StagesConfig configures stage selection and worker counts.
type StagesConfig struct {
	Enabled []string `yaml:"enabled" mapstructure:"enabled"`
	Workers int      `yaml:"workers" mapstructure:"workers"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("tracker.base_url", "https://api.tracker.example.com/v1")
	v.SetDefault("tracker.requests_per_minute", 60)
	v.SetDefault("tracker.max_concurrent", 4)
	v.SetDefault("tracker.timeout_secs", 30)
	v.SetDefault("classifier.model", "claude-haiku-4-5-20251001")
	v.SetDefault("classifier.max_concurrent", 4)
	v.SetDefault("classifier.call_timeout_secs", 30)
	v.SetDefault("fetch.chunk_threshold_hours", 72)
	v.SetDefault("fetch.chunk_size_hours", 24)
	v.SetDefault("fetch.page_size", 50)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("cache.path", "pulse-cache.db")
	v.SetDefault("cache.ttl_hours", 168)
	v.SetDefault("snapshot.path", "pulse-snapshots.db")
	v.SetDefault("snapshot.period_type", "weekly")
	v.SetDefault("stages.workers", 4)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
