package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Jina      JinaConfig      `yaml:"jina" mapstructure:"jina"`
	Fetch     FetchConfig     `yaml:"fetch" mapstructure:"fetch"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Breakers  BreakersConfig  `yaml:"breakers" mapstructure:"breakers"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Scoring   ScoringConfig   `yaml:"scoring" mapstructure:"scoring"`
	Monitor   MonitorConfig   `yaml:"monitor" mapstructure:"monitor"`
	Notion    NotionConfig    `yaml:"notion" mapstructure:"notion"`
	Schedule  ScheduleConfig  `yaml:"schedule" mapstructure:"schedule"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds the extraction oracle settings.
type AnthropicConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	Model       string  `yaml:"model" mapstructure:"model"`
	MaxTokens   int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
}

// JinaConfig holds Jina AI Reader settings.
type JinaConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// FetchConfig controls live document fetching.
type FetchConfig struct {
	UserAgent       string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs     int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec      float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	MinContentChars int     `yaml:"min_content_chars" mapstructure:"min_content_chars"`
	Concurrency     int     `yaml:"concurrency" mapstructure:"concurrency"`
	// Offline serves every source from its standard template and never
	// touches the network.
	Offline bool `yaml:"offline" mapstructure:"offline"`
}

// RetryConfig mirrors resilience.RetryConfig in config units.
type RetryConfig struct {
	MaxRetries      int     `yaml:"max_retries" mapstructure:"max_retries"`
	BaseDelayMs     int     `yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxDelayMs      int     `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	ExponentialBase float64 `yaml:"exponential_base" mapstructure:"exponential_base"`
}

// BreakerConfig mirrors resilience.CircuitBreakerConfig in config units.
type BreakerConfig struct {
	FailureThreshold   int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutMs     int `yaml:"reset_timeout_ms" mapstructure:"reset_timeout_ms"`
	MonitoringPeriodMs int `yaml:"monitoring_period_ms" mapstructure:"monitoring_period_ms"`
}

// BreakersConfig holds the default breaker plus per-source overrides.
type BreakersConfig struct {
	Default BreakerConfig            `yaml:"default" mapstructure:"default"`
	Sources map[string]BreakerConfig `yaml:"sources" mapstructure:"sources"`
}

// For returns the breaker settings for source, filling unset fields from
// the default.
func (b BreakersConfig) For(source string) BreakerConfig {
	out := b.Default
	o, ok := b.Sources[source]
	if !ok {
		return out
	}
	if o.FailureThreshold > 0 {
		out.FailureThreshold = o.FailureThreshold
	}
	if o.ResetTimeoutMs > 0 {
		out.ResetTimeoutMs = o.ResetTimeoutMs
	}
	if o.MonitoringPeriodMs > 0 {
		out.MonitoringPeriodMs = o.MonitoringPeriodMs
	}
	return out
}

// ExtractConfig controls oracle throttling.
type ExtractConfig struct {
	MaxConcurrent int  `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	BatchDelayMs  int  `yaml:"batch_delay_ms" mapstructure:"batch_delay_ms"`
	UseOracle     bool `yaml:"use_oracle" mapstructure:"use_oracle"`
}

// ScoringConfig configures the confidence scorer.
type ScoringConfig struct {
	CrossValidationTTLMins int    `yaml:"cross_validation_ttl_mins" mapstructure:"cross_validation_ttl_mins"`
	RedisAddr              string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword          string `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB                int    `yaml:"redis_db" mapstructure:"redis_db"`
}

// MonitorConfig configures change detection and health alerting.
type MonitorConfig struct {
	IntervalMins         int     `yaml:"interval_mins" mapstructure:"interval_mins"`
	PolicyLimit          int     `yaml:"policy_limit" mapstructure:"policy_limit"`
	AlertWebhookURL      string  `yaml:"alert_webhook_url" mapstructure:"alert_webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
}

// NotionConfig holds Notion API credentials for the change log database.
type NotionConfig struct {
	Token     string `yaml:"token" mapstructure:"token"`
	ChangesDB string `yaml:"changes_db" mapstructure:"changes_db"`
}

// ScheduleConfig controls the recurring comprehensive scrape in serve mode.
type ScheduleConfig struct {
	Enabled                    bool `yaml:"enabled" mapstructure:"enabled"`
	ComprehensiveIntervalHours int  `yaml:"comprehensive_interval_hours" mapstructure:"comprehensive_interval_hours"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// sourceBreakers are the per-source circuit breaker overrides.
var sourceBreakers = map[string]BreakerConfig{
	"medicare":     {FailureThreshold: 5, ResetTimeoutMs: 60000},
	"medicaid":     {FailureThreshold: 3, ResetTimeoutMs: 45000},
	"commercial":   {FailureThreshold: 4, ResetTimeoutMs: 90000},
	"guidelines":   {FailureThreshold: 2, ResetTimeoutMs: 30000},
	"kaiser":       {FailureThreshold: 3, ResetTimeoutMs: 45000},
	"molina":       {FailureThreshold: 3, ResetTimeoutMs: 45000},
	"centene":      {FailureThreshold: 4, ResetTimeoutMs: 60000},
	"independence": {FailureThreshold: 3, ResetTimeoutMs: 45000},
}

// Load reads configuration from file, env, and defaults.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("POLICY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "policies.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 4000)
	v.SetDefault("anthropic.temperature", 0.1)
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (compatible; policy-engine/1.0)")
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.rate_per_sec", 2.0)
	v.SetDefault("fetch.min_content_chars", 200)
	v.SetDefault("fetch.concurrency", 3)
	v.SetDefault("fetch.offline", false)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay_ms", 2000)
	v.SetDefault("retry.max_delay_ms", 30000)
	v.SetDefault("retry.exponential_base", 2.0)
	v.SetDefault("breakers.default.failure_threshold", 5)
	v.SetDefault("breakers.default.reset_timeout_ms", 30000)
	v.SetDefault("breakers.default.monitoring_period_ms", 60000)
	for name, b := range sourceBreakers {
		v.SetDefault("breakers.sources."+name+".failure_threshold", b.FailureThreshold)
		v.SetDefault("breakers.sources."+name+".reset_timeout_ms", b.ResetTimeoutMs)
	}
	v.SetDefault("extract.max_concurrent", 3)
	v.SetDefault("extract.batch_delay_ms", 1000)
	v.SetDefault("extract.use_oracle", true)
	v.SetDefault("scoring.cross_validation_ttl_mins", 60)
	v.SetDefault("monitor.interval_mins", 360)
	v.SetDefault("monitor.policy_limit", 100)
	v.SetDefault("monitor.failure_rate_threshold", 0.5)
	v.SetDefault("monitor.lookback_hours", 24)
	v.SetDefault("schedule.enabled", false)
	v.SetDefault("schedule.comprehensive_interval_hours", 168)

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

// Validate checks the settings a command mode depends on. Every problem is
// reported, not just the first.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve", "scrape", "monitor", "migrate", "outcomes", "jobs":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}

	if mode == "serve" || mode == "scrape" || mode == "monitor" {
		if c.Extract.UseOracle && c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required when extract.use_oracle is true")
		}
		if c.Extract.MaxConcurrent < 1 || c.Extract.MaxConcurrent > 10 {
			errs = append(errs, "extract.max_concurrent must be between 1 and 10")
		}
		if c.Extract.BatchDelayMs < 0 {
			errs = append(errs, "extract.batch_delay_ms must be >= 0")
		}
		if c.Retry.MaxRetries < 0 {
			errs = append(errs, "retry.max_retries must be >= 0")
		}
		if c.Retry.ExponentialBase != 0 && c.Retry.ExponentialBase < 1 {
			errs = append(errs, "retry.exponential_base must be >= 1")
		}
		if c.Breakers.Default.FailureThreshold < 1 {
			errs = append(errs, "breakers.default.failure_threshold must be > 0")
		}
		if c.Fetch.Concurrency < 1 || c.Fetch.Concurrency > 20 {
			errs = append(errs, "fetch.concurrency must be between 1 and 20")
		}
	}

	if mode == "serve" {
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Monitor.FailureRateThreshold < 0 || c.Monitor.FailureRateThreshold > 1 {
			errs = append(errs, "monitor.failure_rate_threshold must be between 0 and 1")
		}
		if c.Notion.Token != "" && c.Notion.ChangesDB == "" {
			errs = append(errs, "notion.changes_db is required when notion.token is set")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger configures the global zap logger.
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
