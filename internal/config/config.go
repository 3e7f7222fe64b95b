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
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	LLM    LLMConfig    `yaml:"llm" mapstructure:"llm"`
	Worker WorkerConfig `yaml:"worker" mapstructure:"worker"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the job store backend.
type StoreConfig struct {
	// Driver selects the backend: supabase, postgres, or sqlite.
	Driver string `yaml:"driver" mapstructure:"driver"`
	// DatabaseURL is the connection string for postgres, or the file DSN
	// for sqlite.
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	// SupabaseURL and SupabaseKey authenticate against the project's
	// PostgREST endpoint. The key must be the service role key; the anon
	// key cannot write job rows.
	SupabaseURL string `yaml:"supabase_url" mapstructure:"supabase_url"`
	SupabaseKey string `yaml:"supabase_key" mapstructure:"supabase_key"`
}

// LLMConfig holds completion-provider settings. Any OpenAI-compatible
// endpoint works; base_url points at the /v1 root.
type LLMConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	Model             string  `yaml:"model" mapstructure:"model"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// WorkerConfig configures the polling loop and lease behavior.
type WorkerConfig struct {
	LeaseTimeoutSecs int `yaml:"lease_timeout_secs" mapstructure:"lease_timeout_secs"`
	PollIntervalSecs int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
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
	v.SetEnvPrefix("PALCOME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "supabase")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4.1-mini")
	v.SetDefault("llm.requests_per_second", 0)
	v.SetDefault("worker.lease_timeout_secs", 3600)
	v.SetDefault("worker.poll_interval_secs", 30)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks that the selected store driver has its credentials. The
// LLM key is only checked by commands that talk to the model, so read-only
// commands work without one.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "supabase":
		if c.Store.SupabaseURL == "" || c.Store.SupabaseKey == "" {
			return eris.New("config: store.driver=supabase requires store.supabase_url and store.supabase_key")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return eris.New("config: store.driver=postgres requires store.database_url")
		}
	case "sqlite":
		// database_url optional; the worker falls back to a local file.
	default:
		return eris.Errorf("config: unknown store.driver %q (want supabase, postgres, or sqlite)", c.Store.Driver)
	}

	if c.Worker.LeaseTimeoutSecs <= 0 {
		return eris.New("config: worker.lease_timeout_secs must be positive")
	}
	if c.Worker.PollIntervalSecs <= 0 {
		return eris.New("config: worker.poll_interval_secs must be positive")
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
