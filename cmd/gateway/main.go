package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "go.uber.org/automaxprocs"

	"md-gateway/internal/adapter"
	"md-gateway/internal/adapter/binance"
	"md-gateway/internal/adapter/kraken"
	"md-gateway/internal/bus"
	"md-gateway/internal/config"
	"md-gateway/internal/control"
	"md-gateway/internal/metrics"
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

	log.Info().
		Str("redis", cfg.RedisAddr()).
		Str("metrics", fmt.Sprintf(":%d", cfg.MetricsPort)).
		Strs("exchanges", cfg.EnabledExchanges).
		Int("gomaxprocs", runtime.GOMAXPROCS(0)).
		Msg("Starting market data gateway")

	// Start metrics server
	metricsServer := metrics.NewServer(fmt.Sprintf(":%d", cfg.MetricsPort))
	go func() {
		if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	// Connect to the bus
	rdb, err := bus.NewRedis(cfg.RedisAddr(), cfg.RedisDB)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	var pub bus.Publisher = rdb
	var queued *bus.QueuedPublisher
	if cfg.PublishQueueSize > 0 {
		queued = bus.NewQueuedPublisher(rdb, cfg.PublishQueueSize)
		pub = queued
		log.Info().Int("size", cfg.PublishQueueSize).Msg("Publishing through bounded queue")
	}

	// Create venue adapters based on enabled exchanges
	adapters := make([]adapter.Adapter, 0, len(cfg.EnabledExchanges))
	for _, name := range cfg.EnabledExchanges {
		switch strings.TrimSpace(strings.ToLower(name)) {
		case "binance":
			adapters = append(adapters, binance.New(pub, binance.Config{}))
			log.Info().Msg("Added Binance adapter")
		case "kraken":
			adapters = append(adapters, kraken.New(pub, kraken.Config{}))
			log.Info().Msg("Added Kraken adapter")
		case "":
		default:
			log.Warn().Str("exchange", name).Msg("Unknown exchange, skipping")
		}
	}
	if len(adapters) == 0 {
		log.Fatal().Msg("No exchange adapters enabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One control listener per venue
	var listeners sync.WaitGroup
	for _, ad := range adapters {
		listener := control.NewListener(ad.Venue(), rdb, ad)
		listeners.Add(1)
		go func() {
			defer listeners.Done()
			listener.Run(ctx)
		}()
		log.Info().Str("channel", listener.Channel()).Msg("Control listener running")
	}

	go monitorConnections(ctx, adapters, 60*time.Second)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Shutting down...")

	cancel()
	listeners.Wait()

	for _, ad := range adapters {
		if err := ad.Close(); err != nil {
			log.Error().Err(err).Str("exchange", ad.Venue()).Msg("Error closing adapter")
		}
	}
	if queued != nil {
		queued.Close()
	}
	if err := metricsServer.Stop(); err != nil {
		log.Error().Err(err).Msg("Error stopping metrics server")
	}
}

// monitorConnections logs each venue's live connections on an interval.
func monitorConnections(ctx context.Context, adapters []adapter.Adapter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ad := range adapters {
				log.Info().
					Str("exchange", ad.Venue()).
					Strs("connections", ad.ConnectionIDs()).
					Msg("Connection status")
			}
		}
	}
}
