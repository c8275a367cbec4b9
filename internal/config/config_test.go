package config

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.RedisAddr() != "localhost:6379" {
		t.Errorf("RedisAddr = %q", cfg.RedisAddr())
	}
	if cfg.RedisDB != 0 {
		t.Errorf("RedisDB = %d", cfg.RedisDB)
	}
	if cfg.LoggingLevel != "INFO" {
		t.Errorf("LoggingLevel = %q", cfg.LoggingLevel)
	}
	if cfg.MetricsPort != 9090 {
		t.Errorf("MetricsPort = %d", cfg.MetricsPort)
	}
	if len(cfg.EnabledExchanges) != 2 || cfg.EnabledExchanges[0] != "binance" || cfg.EnabledExchanges[1] != "kraken" {
		t.Errorf("EnabledExchanges = %v", cfg.EnabledExchanges)
	}
	if cfg.PublishQueueSize != 0 {
		t.Errorf("PublishQueueSize = %d", cfg.PublishQueueSize)
	}
	if len(cfg.ArchiveTopics) != 0 {
		t.Errorf("ArchiveTopics = %v", cfg.ArchiveTopics)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("REDIS_HOST", "bus.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("LOGGING_LEVEL", "DEBUG")
	t.Setenv("ENABLED_EXCHANGES", "binance")
	t.Setenv("PUBLISH_QUEUE_SIZE", "4096")
	t.Setenv("ARCHIVE_TOPICS", "binance:perp:btcusdt:aggTrade,kraken:spot:BTC/USD:trade")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.RedisAddr() != "bus.internal:6380" {
		t.Errorf("RedisAddr = %q", cfg.RedisAddr())
	}
	if cfg.RedisDB != 3 {
		t.Errorf("RedisDB = %d", cfg.RedisDB)
	}
	if len(cfg.EnabledExchanges) != 1 || cfg.EnabledExchanges[0] != "binance" {
		t.Errorf("EnabledExchanges = %v", cfg.EnabledExchanges)
	}
	if cfg.PublishQueueSize != 4096 {
		t.Errorf("PublishQueueSize = %d", cfg.PublishQueueSize)
	}
	if len(cfg.ArchiveTopics) != 2 {
		t.Errorf("ArchiveTopics = %v", cfg.ArchiveTopics)
	}
}

func TestLogLevelMapping(t *testing.T) {
	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"DEBUG", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"WARNING", zerolog.WarnLevel},
		{"ERROR", zerolog.ErrorLevel},
		{"CRITICAL", zerolog.FatalLevel},
		{"warning", zerolog.WarnLevel},
	}
	for _, c := range cases {
		cfg := &Config{LoggingLevel: c.in}
		got, err := cfg.LogLevel()
		if err != nil {
			t.Errorf("LogLevel(%q) failed: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("LogLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestLogLevelRejectsUnknown(t *testing.T) {
	t.Setenv("LOGGING_LEVEL", "VERBOSE")
	if _, err := Load(); err == nil {
		t.Error("Load accepted LOGGING_LEVEL=VERBOSE")
	}
}
