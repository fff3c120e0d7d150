package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"safewalk/internal/auth"
	"safewalk/internal/config"
	"safewalk/internal/httpapi"
	"safewalk/internal/infra/db"
	"safewalk/internal/infra/kafka"
	"safewalk/internal/infra/telemetry"
	"safewalk/internal/metrics"
	"safewalk/internal/outbox"
	"safewalk/internal/safety"
	"safewalk/internal/store"
)

func main() {
	if os.Getenv("SW_CMD_TEST") == "1" {
		return
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Auth.HS256Secret == "" {
		slog.Error("empty AUTH_HS256SECRET, refusing to start")
		os.Exit(1)
	}
	if cfg.Auth.Issuer == "" || cfg.Auth.Audience == "" {
		slog.Error("empty AUTH_ISSUER or AUTH_AUDIENCE, refusing to start")
		os.Exit(1)
	}
	telemetry.SetupLogger()
	shutdown := telemetry.SetupOTLP(cfg.OTLP.Endpoint, "safety-api")
	defer shutdown()

	pool, err := db.NewPgxPool(cfg.DB.DSN)
	if err != nil {
		slog.Error("failed to connect DB", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	st := store.New(pool)
	if err := st.EnsureSchema(context.Background()); err != nil {
		slog.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}
	if err := outbox.EnsureSchema(pool); err != nil {
		slog.Error("failed to ensure outbox schema", "error", err)
		os.Exit(1)
	}

	producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Timeout)
	defer producer.Close()

	validator := auth.NewValidator(cfg.Auth.HS256Secret, cfg.Auth.Issuer, cfg.Auth.Audience)
	topics := safety.Topics{
		TripStarted:   cfg.Kafka.TopicTripStarted,
		TripCompleted: cfg.Kafka.TopicTripCompleted,
		Location:      cfg.Kafka.TopicLocation,
		Panic:         cfg.Kafka.TopicPanic,
		Alerts:        cfg.Kafka.TopicAlerts,
	}

	// Live snapshots belong to the monitor process; this edge passes nil.
	s := httpapi.NewServer(st, st, st, nil, validator, topics)
	mux := s.Routes()
	metrics.Init(mux)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go outbox.StartPublisher(ctx, pool, producer, nil)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		slog.Info("starting safety-api", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	slog.Info("shutting down gracefully...")
	tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer tcancel()
	_ = srv.Shutdown(tctx)
	slog.Info("server stopped")
}
