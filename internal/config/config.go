package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Queue  QueueConfig  `yaml:"queue" mapstructure:"queue"`
	Worker WorkerConfig `yaml:"worker" mapstructure:"worker"`
	Ingest IngestConfig `yaml:"ingest" mapstructure:"ingest"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// QueueConfig configures job retry behavior.
type QueueConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base" mapstructure:"backoff_base"`
	BackoffCap     time.Duration `yaml:"backoff_cap" mapstructure:"backoff_cap"`
	DefaultTimeout time.Duration `yaml:"default_timeout" mapstructure:"default_timeout"`
}

// WorkerConfig configures the polling worker.
type WorkerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	Concurrency  int           `yaml:"concurrency" mapstructure:"concurrency"`
	StaleAfter   time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
	ClaimRate    float64       `yaml:"claim_rate" mapstructure:"claim_rate"`
}

// IngestConfig configures bundle ingestion.
type IngestConfig struct {
	BundleVersion   string `yaml:"bundle_version" mapstructure:"bundle_version"`
	MaxBundleBytes  int64  `yaml:"max_bundle_bytes" mapstructure:"max_bundle_bytes"`
	MaxSnippetChars int    `yaml:"max_snippet_chars" mapstructure:"max_snippet_chars"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
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
	v.SetEnvPrefix("RESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base", 30*time.Second)
	v.SetDefault("queue.backoff_cap", 5*time.Minute)
	v.SetDefault("queue.default_timeout", 10*time.Minute)
	v.SetDefault("worker.poll_interval", 2*time.Second)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.stale_after", 15*time.Minute)
	v.SetDefault("worker.claim_rate", 5.0)
	v.SetDefault("ingest.bundle_version", "run_bundle_v1")
	v.SetDefault("ingest.max_bundle_bytes", 16<<20)
	v.SetDefault("ingest.max_snippet_chars", 4000)

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

// Validate checks that the configuration is usable for the given mode.
// Modes correspond to command entry points: "worker", "serve", "migrate",
// "enqueue", and "control" for the job control commands.
func (c *Config) Validate(mode string) error {
	var problems []string

	needsDB := func() {
		if c.Store.DatabaseURL == "" && c.Store.Driver != "sqlite" {
			problems = append(problems, "store.database_url is required")
		}
	}

	switch mode {
	case "worker":
		needsDB()
		if c.Worker.Concurrency < 1 || c.Worker.Concurrency > 64 {
			problems = append(problems, "worker.concurrency must be between 1 and 64")
		}
		if c.Worker.PollInterval <= 0 {
			problems = append(problems, "worker.poll_interval must be > 0")
		}
		if c.Worker.StaleAfter <= 0 {
			problems = append(problems, "worker.stale_after must be > 0")
		}
	case "serve":
		needsDB()
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "migrate", "enqueue", "control":
		needsDB()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Queue.MaxAttempts < 1 {
		problems = append(problems, "queue.max_attempts must be >= 1")
	}
	if c.Queue.BackoffBase <= 0 {
		problems = append(problems, "queue.backoff_base must be > 0")
	}
	if c.Queue.BackoffCap < c.Queue.BackoffBase {
		problems = append(problems, "queue.backoff_cap must be >= queue.backoff_base")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for mode %q: %s", mode, strings.Join(problems, "; "))
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
