// Package config loads application configuration from an optional
// config.yaml plus ENRICH_-prefixed environment variables, and initializes
// the global logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/enrich-cli/internal/queue"
)

// Config holds the full application configuration.
type Config struct {
	Cache      CacheConfig             `yaml:"cache" mapstructure:"cache"`
	Queue      QueueConfig             `yaml:"queue" mapstructure:"queue"`
	Services   map[string]queue.Budget `yaml:"services" mapstructure:"services"`
	Fallbacks  map[string]string       `yaml:"fallbacks" mapstructure:"fallbacks"`
	Pipeline   PipelineConfig          `yaml:"pipeline" mapstructure:"pipeline"`
	Anthropic  AnthropicConfig         `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityConfig        `yaml:"perplexity" mapstructure:"perplexity"`
	Jina       JinaConfig              `yaml:"jina" mapstructure:"jina"`
	Firecrawl  FirecrawlConfig         `yaml:"firecrawl" mapstructure:"firecrawl"`
	Batch      BatchConfig             `yaml:"batch" mapstructure:"batch"`
	Server     ServerConfig            `yaml:"server" mapstructure:"server"`
	Log        LogConfig               `yaml:"log" mapstructure:"log"`
}

// CacheConfig configures the profile cache backend.
type CacheConfig struct {
	Driver      string        `yaml:"driver" mapstructure:"driver"`
	Path        string        `yaml:"path" mapstructure:"path"`
	DatabaseURL string        `yaml:"database_url" mapstructure:"database_url"`
	TTL         time.Duration `yaml:"ttl" mapstructure:"ttl"`
	Capacity    int           `yaml:"capacity" mapstructure:"capacity"`
}

// QueueConfig configures the dispatch queue.
type QueueConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	RequeueBase  time.Duration `yaml:"requeue_base" mapstructure:"requeue_base"`
}

// PipelineConfig configures enrichment runs.
type PipelineConfig struct {
	InterStageCooldown time.Duration `yaml:"inter_stage_cooldown" mapstructure:"inter_stage_cooldown"`
	MaxStageAttempts   int           `yaml:"max_stage_attempts" mapstructure:"max_stage_attempts"`
	StagesFile         string        `yaml:"stages_file" mapstructure:"stages_file"`
	StageSet           string        `yaml:"stage_set" mapstructure:"stage_set"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	Model         string `yaml:"model" mapstructure:"model"`
	FallbackModel string `yaml:"fallback_model" mapstructure:"fallback_model"`
	MaxSearchUses int    `yaml:"max_search_uses" mapstructure:"max_search_uses"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// JinaConfig holds Jina AI Reader settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

// FirecrawlConfig holds Firecrawl API settings (fallback only).
type FirecrawlConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	MaxConcurrentCompanies int `yaml:"max_concurrent_companies" mapstructure:"max_concurrent_companies"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
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
	v.SetEnvPrefix("ENRICH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("cache.driver", "sqlite")
	v.SetDefault("cache.path", "enrich-cache.db")
	v.SetDefault("cache.ttl", 30*24*time.Hour)
	v.SetDefault("cache.capacity", 200)
	v.SetDefault("queue.poll_interval", 5*time.Second)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.requeue_base", 2*time.Second)
	v.SetDefault("pipeline.inter_stage_cooldown", 2*time.Second)
	v.SetDefault("pipeline.max_stage_attempts", 3)
	v.SetDefault("pipeline.stage_set", "default")
	v.SetDefault("batch.max_concurrent_companies", 5)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.fallback_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_search_uses", 5)
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev/v2")
	// The haiku fallback reuses the anthropic key, so it works out of the
	// box; perplexity is only a useful fallback when its key is configured.
	v.SetDefault("fallbacks", map[string]string{"anthropic": "haiku"})
	v.SetDefault("services", map[string]queue.Budget{
		"anthropic":  {MaxPerMinute: 30, MaxPerHour: 500, MaxConcurrent: 2},
		"perplexity": {MaxPerMinute: 20, MaxPerHour: 300, MaxConcurrent: 2, MinInterval: time.Second},
		"jina":       {MaxPerMinute: 60, MaxPerHour: 1000, MaxConcurrent: 4},
		"firecrawl":  {MaxPerMinute: 10, MaxPerHour: 100, MaxConcurrent: 1, MinInterval: 2 * time.Second},
	})

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

// Validate checks the configuration for the given mode ("enrich", "batch",
// "serve", "cache", or "fetch") and reports every problem at once.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Cache.Driver {
	case "memory":
	case "sqlite":
		if c.Cache.Path == "" {
			problems = append(problems, "cache.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Cache.DatabaseURL == "" {
			problems = append(problems, "cache.database_url is required for the postgres driver")
		}
	default:
		problems = append(problems, "cache.driver must be memory, sqlite, or postgres")
	}
	if c.Cache.Capacity <= 0 {
		problems = append(problems, "cache.capacity must be > 0")
	}
	if c.Queue.MaxAttempts < 1 {
		problems = append(problems, "queue.max_attempts must be >= 1")
	}
	if c.Pipeline.MaxStageAttempts < 1 {
		problems = append(problems, "pipeline.max_stage_attempts must be >= 1")
	}

	switch mode {
	case "cache", "fetch":
	case "enrich", "batch", "serve":
		if c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required")
		}
		if mode == "batch" || mode == "serve" {
			if c.Batch.MaxConcurrentCompanies < 1 || c.Batch.MaxConcurrentCompanies > 50 {
				problems = append(problems, "batch.max_concurrent_companies must be between 1 and 50")
			}
		}
		if mode == "serve" && c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid configuration:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
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
