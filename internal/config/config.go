package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/opencouncil/spendsync/internal/aggregate"
	"github.com/opencouncil/spendsync/internal/normalize"
	"github.com/opencouncil/spendsync/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig              `yaml:"store" mapstructure:"store"`
	Search    SearchConfig             `yaml:"search" mapstructure:"search"`
	Companies CompaniesConfig          `yaml:"companies" mapstructure:"companies"`
	Anthropic AnthropicConfig          `yaml:"anthropic" mapstructure:"anthropic"`
	Fetcher   FetcherConfig            `yaml:"fetcher" mapstructure:"fetcher"`
	Pipeline  PipelineConfig           `yaml:"pipeline" mapstructure:"pipeline"`
	Aggregate aggregate.Config         `yaml:"aggregate" mapstructure:"aggregate"`
	Category  []normalize.CategoryRule `yaml:"category" mapstructure:"category"`
	Server    ServerConfig             `yaml:"server" mapstructure:"server"`
	Schedule  ScheduleConfig           `yaml:"schedule" mapstructure:"schedule"`
	Log       LogConfig                `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string            `yaml:"driver" mapstructure:"driver"` // sqlite or postgres
	DatabaseURL string            `yaml:"database_url" mapstructure:"database_url"`
	Pool        *store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// SearchConfig holds web-search API settings.
type SearchConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// CompaniesConfig holds company-register lookup settings.
type CompaniesConfig struct {
	Key           string  `yaml:"key" mapstructure:"key"`
	BaseURL       string  `yaml:"base_url" mapstructure:"base_url"`
	MinMatchScore float64 `yaml:"min_match_score" mapstructure:"min_match_score"`
}

// AnthropicConfig holds Anthropic API settings for the schema classifier.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// FetcherConfig configures the outbound HTTP chokepoint.
type FetcherConfig struct {
	UserAgent      string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs    int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries     int    `yaml:"max_retries" mapstructure:"max_retries"`
	DefaultDelayMS int    `yaml:"default_delay_ms" mapstructure:"default_delay_ms"`
}

// Timeout returns the per-attempt timeout.
func (f FetcherConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSecs) * time.Second
}

// DefaultDelay returns the spacing for hosts with no explicit policy.
func (f FetcherConfig) DefaultDelay() time.Duration {
	return time.Duration(f.DefaultDelayMS) * time.Millisecond
}

// PipelineConfig configures batch processing.
type PipelineConfig struct {
	BatchSize     int `yaml:"batch_size" mapstructure:"batch_size"`
	DefaultBudget int `yaml:"default_budget" mapstructure:"default_budget"`
}

// ServerConfig configures the control server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// ScheduleConfig configures the periodic pipeline sweep in serve mode.
type ScheduleConfig struct {
	Enabled      bool `yaml:"enabled" mapstructure:"enabled"`
	IntervalMins int  `yaml:"interval_mins" mapstructure:"interval_mins"`
	Budget       int  `yaml:"budget" mapstructure:"budget"`
}

// Interval returns the sweep interval.
func (s ScheduleConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMins) * time.Minute
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// CategoryRules returns the configured taxonomy, or the built-in default.
func (c *Config) CategoryRules() []normalize.CategoryRule {
	if len(c.Category) > 0 {
		return c.Category
	}
	return normalize.DefaultCategoryRules()
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SPENDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "spendsync.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("search.base_url", "https://s.jina.ai")
	v.SetDefault("companies.base_url", "https://api.company-information.service.gov.uk")
	v.SetDefault("companies.min_match_score", 0.8)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("fetcher.user_agent", "spendsync/1.0 (+https://github.com/opencouncil/spendsync)")
	v.SetDefault("fetcher.timeout_secs", 12)
	v.SetDefault("fetcher.max_retries", 3)
	v.SetDefault("fetcher.default_delay_ms", 2000)
	v.SetDefault("pipeline.batch_size", 25)
	v.SetDefault("pipeline.default_budget", 200)
	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.interval_mins", 30)
	v.SetDefault("schedule.budget", 200)
	v.SetDefault("aggregate.large_vendor_spend", 100_000)
	v.SetDefault("aggregate.large_vendor_tx_count", 100)
	v.SetDefault("aggregate.breadth_threshold", 20)
	v.SetDefault("aggregate.breadth_bonus", 10)
	v.SetDefault("aggregate.top_vendors", 50)

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
