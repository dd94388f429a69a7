// Command relay runs the reference sync relay.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lectern/internal/config"
	"lectern/internal/database"
	"lectern/internal/observability"
	"lectern/internal/relay"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

func main() {
	fakeParticipants := flag.Int("fake-participants", 0, "Generate this many participants and print their credentials (development only)")
	flag.Parse()

	cfg, err := config.LoadRelayConfig()
	if err != nil {
		slog.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log := observability.NewLogger(cfg.Env, cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		ServiceName:  "lectern-relay",
		Environment:  cfg.Env,
		Enabled:      os.Getenv("OTEL_ENABLED") == "true",
		Exporter:     os.Getenv("OTEL_EXPORTER"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SamplerRatio: 1,
	})
	if err != nil {
		log.Error("Failed to initialize tracing", slog.String("error", err.Error()))
		os.Exit(1)
	}

	db, err := database.Connect(cfg.DatabaseDSN, cfg.Env, log, relay.Models()...)
	if err != nil {
		log.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = relay.NewRedisClient(context.Background(), cfg.RedisURL)
		if err != nil {
			log.Error("Failed to connect to redis", slog.String("error", err.Error()))
			os.Exit(1)
		}
		log.Info("Redis connected, cross-instance fan-out enabled")
	}

	if err := seedParticipants(cfg, db, log, *fakeParticipants); err != nil {
		log.Error("Seeding failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := relay.NewServer(relay.Options{
		Config:   cfg,
		DB:       db,
		Redis:    rdb,
		Registry: reg,
		Logger:   log,
	})

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info("Shutting down relay...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error("Relay shutdown error", slog.String("error", err.Error()))
		}
		if err := shutdownTracing(ctx); err != nil {
			log.Error("Tracing shutdown error", slog.String("error", err.Error()))
		}
	}()

	if err := srv.Start(); err != nil {
		log.Error("Relay stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
	<-stopped
}
