// Package config loads the agent configuration from YAML and POSAGENT_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	dragonpos "github.com/ZanzyTHEbar/dragonscale-pos"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/logging"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/tools"
)

// EnvPrefix prefixes every environment override, e.g. POSAGENT_ORACLE_MODEL.
const EnvPrefix = "POSAGENT"

// Config holds the complete agent configuration.
type Config struct {
	Store          tools.Store        `mapstructure:"store"`
	Oracle         OracleConfig       `mapstructure:"oracle"`
	Inference      InferenceConfig    `mapstructure:"inference"`
	Prompts        PromptsConfig      `mapstructure:"prompts"`
	Disambiguation tools.PolicyConfig `mapstructure:"disambiguation"`
	Payment        PaymentConfig      `mapstructure:"payment"`
	Orchestrator   OrchestratorConfig `mapstructure:"orchestrator"`
	Kernel         KernelConfig       `mapstructure:"kernel"`
	Catalog        CatalogConfig      `mapstructure:"catalog"`
	Cache          CacheConfig        `mapstructure:"cache"`
	Receipt        ReceiptConfig      `mapstructure:"receipt"`
	Logging        LoggingConfig      `mapstructure:"logging"`
	Metrics        MetricsConfig      `mapstructure:"metrics"`
}

// OracleConfig selects the language model backend.
type OracleConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"`

	// Zero means no per-call timeout
	Timeout time.Duration `mapstructure:"timeout"`

	// Extra attempts at coercing a malformed approve/reject decision
	DecisionRetries int `mapstructure:"decision_retries"`
}

// InferenceConfig holds the inference loop settings.
type InferenceConfig struct {
	MaxAttempts      int    `mapstructure:"max_attempts"`
	SummaryMaxChars  int    `mapstructure:"summary_max_chars"`
	HistoryWindow    int    `mapstructure:"history_window"`
	FallbackResponse string `mapstructure:"fallback_response"`
}

// PromptsConfig locates the prompt templates.
type PromptsConfig struct {
	File        string `mapstructure:"file"`
	Personality string `mapstructure:"personality"`
}

// PaymentConfig lists the accepted methods and their spoken aliases.
type PaymentConfig struct {
	Methods        map[string][]string `mapstructure:"methods"`
	AutoClearAfter time.Duration       `mapstructure:"auto_clear_after"`
}

// OrchestratorConfig selects the turn handling mode.
type OrchestratorConfig struct {
	Mode              string   `mapstructure:"mode"`
	TerminalID        string   `mapstructure:"terminal_id"`
	CompletionPhrases []string `mapstructure:"completion_phrases"`
}

// KernelConfig selects the transaction kernel.
type KernelConfig struct {
	Mode    string  `mapstructure:"mode"` // memory or http
	URL     string  `mapstructure:"url"`
	TaxRate float64 `mapstructure:"tax_rate"`
	Listen  string  `mapstructure:"listen"`
}

// CatalogConfig locates the product catalog.
type CatalogConfig struct {
	Path              string `mapstructure:"path"`
	Seed              string `mapstructure:"seed"`
	InventoryHintSize int    `mapstructure:"inventory_hint_size"`
}

// CacheConfig selects the SKU name cache.
type CacheConfig struct {
	Backend string        `mapstructure:"backend"` // memory or redis
	TTL     time.Duration `mapstructure:"ttl"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// ReceiptConfig tunes the receipt synchronizer.
type ReceiptConfig struct {
	Workers int `mapstructure:"workers"`
}

// LoggingConfig configures the zap logger and the audit trail.
type LoggingConfig struct {
	logging.Config `mapstructure:",squash"`
	Audit          AuditConfig `mapstructure:"audit"`
}

// AuditConfig configures the audit trail. An empty path disables it.
type AuditConfig struct {
	Path          string        `mapstructure:"path"`
	QueueSize     int           `mapstructure:"queue_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// MetricsConfig configures the Prometheus endpoint. An empty address
// disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Kernel modes.
const (
	KernelMemory = "memory"
	KernelHTTP   = "http"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// setDefaults covers tuning knobs only. Business values have no default.
func setDefaults(v *viper.Viper) {
	v.SetDefault("oracle.decision_retries", 1)
	v.SetDefault("orchestrator.mode", "inference")
	v.SetDefault("orchestrator.terminal_id", "terminal-1")
	v.SetDefault("inference.history_window", 4)
	v.SetDefault("kernel.listen", ":8080")
	v.SetDefault("catalog.path", "data/catalog.db")
	v.SetDefault("catalog.inventory_hint_size", 5)
	v.SetDefault("cache.backend", CacheMemory)
	v.SetDefault("cache.ttl", 10*time.Minute)
	v.SetDefault("cache.redis.prefix", "posagent:")
	v.SetDefault("receipt.workers", 4)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.audit.queue_size", 1024)
	v.SetDefault("logging.audit.flush_interval", time.Second)
}

// Load reads the YAML file at path, applies POSAGENT_* overrides and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only covers keys viper already knows about
	_ = v.BindEnv("oracle.api_key")
	_ = v.BindEnv("oracle.timeout")
	_ = v.BindEnv("kernel.url")
	_ = v.BindEnv("cache.redis.address")
	_ = v.BindEnv("cache.redis.password")
	_ = v.BindEnv("metrics.addr")

	if path == "" {
		return nil, dragonpos.NewConfigurationError("config file path is required", nil)
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, dragonpos.NewConfigurationError(fmt.Sprintf("failed to read config file %s", path), err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, dragonpos.NewConfigurationError("failed to decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fails fast on every value that must be configured. All problems
// are reported together.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Store.ID == "" {
		fail("store.id is required")
	}
	if c.Store.Currency == "" {
		fail("store.currency is required")
	}

	switch c.Oracle.Provider {
	case "":
		fail("oracle.provider is required")
	case "genkit", "genai":
	default:
		fail("oracle.provider %q is not supported", c.Oracle.Provider)
	}
	if c.Oracle.Model == "" {
		fail("oracle.model is required")
	}
	if c.Oracle.Timeout < 0 {
		fail("oracle.timeout must not be negative")
	}
	if c.Oracle.DecisionRetries < 0 {
		fail("oracle.decision_retries must not be negative")
	}

	if c.Inference.MaxAttempts < 1 || c.Inference.MaxAttempts > 5 {
		fail("inference.max_attempts must be between 1 and 5, got %d", c.Inference.MaxAttempts)
	}
	if c.Inference.SummaryMaxChars < 1 {
		fail("inference.summary_max_chars is required")
	}
	if c.Inference.HistoryWindow < 0 {
		fail("inference.history_window must not be negative")
	}
	if strings.TrimSpace(c.Inference.FallbackResponse) == "" {
		fail("inference.fallback_response is required")
	}

	if c.Prompts.File == "" {
		fail("prompts.file is required")
	}
	if c.Prompts.Personality == "" {
		fail("prompts.personality is required")
	}

	d := c.Disambiguation
	if d.AutoAddConfidence <= 0 || d.AutoAddConfidence > 1 {
		fail("disambiguation.auto_add_confidence must be in (0, 1]")
	}
	if d.VeryHighConfidence <= 0 || d.VeryHighConfidence > 1 {
		fail("disambiguation.very_high_confidence must be in (0, 1]")
	}
	if d.MaxOptions < 1 {
		fail("disambiguation.max_options is required")
	}
	if len(d.Rules) == 0 {
		fail("disambiguation.rules must not be empty")
	}

	if len(c.Payment.Methods) == 0 {
		fail("payment.methods must not be empty")
	}
	if c.Payment.AutoClearAfter < 0 {
		fail("payment.auto_clear_after must not be negative")
	}

	switch c.Orchestrator.Mode {
	case "inference", "direct":
	default:
		fail("orchestrator.mode must be inference or direct, got %q", c.Orchestrator.Mode)
	}
	if len(c.Orchestrator.CompletionPhrases) == 0 {
		fail("orchestrator.completion_phrases must not be empty")
	}

	switch c.Kernel.Mode {
	case "":
		fail("kernel.mode is required")
	case KernelMemory:
		if c.Kernel.TaxRate < 0 {
			fail("kernel.tax_rate must not be negative")
		}
	case KernelHTTP:
		if c.Kernel.URL == "" {
			fail("kernel.url is required when kernel.mode is http")
		}
	default:
		fail("kernel.mode %q is not supported", c.Kernel.Mode)
	}

	switch c.Cache.Backend {
	case CacheMemory:
	case CacheRedis:
		if c.Cache.Redis.Address == "" {
			fail("cache.redis.address is required when cache.backend is redis")
		}
	default:
		fail("cache.backend %q is not supported", c.Cache.Backend)
	}

	if c.Receipt.Workers < 1 {
		fail("receipt.workers must be positive")
	}

	if len(errs) == 0 {
		return nil
	}
	return dragonpos.NewConfigurationError("invalid configuration", errors.Join(errs...))
}
