package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "go.uber.org/automaxprocs"

	"md-gateway/internal/archive"
	"md-gateway/internal/bus"
	"md-gateway/internal/config"
)

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	level, err := cfg.LogLevel()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid logging level")
	}
	zerolog.SetGlobalLevel(level)

	if len(cfg.ArchiveTopics) == 0 {
		log.Fatal().Msg("ARCHIVE_TOPICS is empty, nothing to collect")
	}

	log.Info().
		Str("redis", cfg.RedisAddr()).
		Str("data_dir", cfg.DataDir).
		Strs("topics", cfg.ArchiveTopics).
		Msg("Starting market data collector")

	rdb, err := bus.NewRedis(cfg.RedisAddr(), cfg.RedisDB)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	writer := archive.NewWriter(cfg.DataDir, 0)
	svc := archive.NewService(rdb, writer, cfg.ArchiveTopics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	// Wait for shutdown signal or service failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("Shutting down...")
		cancel()
		if err := <-done; err != nil {
			log.Error().Err(err).Msg("Collector stopped with error")
		}
	case err := <-done:
		if err != nil {
			log.Fatal().Err(err).Msg("Collector failed")
		}
	}
}
