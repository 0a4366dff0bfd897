package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration. It is constructed once at
// startup and passed by reference into every component; nothing outside Load
// reads process environment directly.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Twitter   TwitterConfig   `yaml:"twitter" mapstructure:"twitter"`
	GitHub    GitHubConfig    `yaml:"github" mapstructure:"github"`
	Sync      SyncConfig      `yaml:"sync" mapstructure:"sync"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds Anthropic API settings for enrichment and grouping.
type AnthropicConfig struct {
	Key       string  `yaml:"key" mapstructure:"key"`
	Model     string  `yaml:"model" mapstructure:"model"`
	MaxTokens int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RPS       float64 `yaml:"rps" mapstructure:"rps"`
}

// TwitterConfig holds the Twitter API credential. An empty bearer token
// disables the source silently.
type TwitterConfig struct {
	BearerToken string `yaml:"bearer_token" mapstructure:"bearer_token"`
}

// GitHubConfig holds the GitHub API credential. An empty token disables the
// source silently.
type GitHubConfig struct {
	Token string `yaml:"token" mapstructure:"token"`
}

// SyncConfig tunes the pipeline itself.
type SyncConfig struct {
	// AuthToken, when set, must match the bearer token on POST /sync.
	// When empty only the header shape is validated.
	AuthToken string `yaml:"auth_token" mapstructure:"auth_token"`

	LockTTL        time.Duration `yaml:"lock_ttl" mapstructure:"lock_ttl"`
	AnalyzeBatch   int           `yaml:"analyze_batch" mapstructure:"analyze_batch"`
	UpsertBatch    int           `yaml:"upsert_batch" mapstructure:"upsert_batch"`
	GroupingWindow int           `yaml:"grouping_window" mapstructure:"grouping_window"`
	Languages      []string      `yaml:"languages" mapstructure:"languages"`
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	CallTimeout    time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`
}

// ServerConfig configures the HTTP trigger surface.
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
	v.SetEnvPrefix("GRUMBLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.rps", 1.0)
	v.SetDefault("sync.lock_ttl", 30*time.Minute)
	v.SetDefault("sync.analyze_batch", 10)
	v.SetDefault("sync.upsert_batch", 450)
	v.SetDefault("sync.grouping_window", 50)
	v.SetDefault("sync.languages", []string{"en", "pt", "es"})
	v.SetDefault("sync.max_attempts", 3)
	v.SetDefault("sync.call_timeout", 30*time.Second)

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
