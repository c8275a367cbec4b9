// Package config loads gateway settings from the environment. A .env file
// in the working directory is applied first when present; real environment
// variables win over it.
package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds the settings shared by the gateway and collector binaries.
type Config struct {
	RedisHost string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	LoggingLevel string `env:"LOGGING_LEVEL" envDefault:"INFO"`

	MetricsPort      int      `env:"METRICS_PORT" envDefault:"9090"`
	EnabledExchanges []string `env:"ENABLED_EXCHANGES" envDefault:"binance,kraken"`

	// PublishQueueSize > 0 puts a bounded queue in front of the publisher;
	// zero publishes directly.
	PublishQueueSize int `env:"PUBLISH_QUEUE_SIZE" envDefault:"0"`

	DataDir       string   `env:"DATA_DIR" envDefault:"./data"`
	ArchiveTopics []string `env:"ARCHIVE_TOPICS"`
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config parse failed: %w", err)
	}
	if _, err := cfg.LogLevel(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RedisAddr renders the bus address in host:port form.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// LogLevel maps LOGGING_LEVEL onto a zerolog level.
func (c *Config) LogLevel() (zerolog.Level, error) {
	switch strings.ToUpper(c.LoggingLevel) {
	case "DEBUG":
		return zerolog.DebugLevel, nil
	case "INFO":
		return zerolog.InfoLevel, nil
	case "WARNING":
		return zerolog.WarnLevel, nil
	case "ERROR":
		return zerolog.ErrorLevel, nil
	case "CRITICAL":
		return zerolog.FatalLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown LOGGING_LEVEL %q: want DEBUG, INFO, WARNING, ERROR or CRITICAL", c.LoggingLevel)
	}
}
