package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"safewalk/internal/auth"
	"safewalk/internal/config"
	"safewalk/internal/httpapi"
	"safewalk/internal/infra/db"
	"safewalk/internal/infra/kafka"
	"safewalk/internal/infra/telemetry"
	"safewalk/internal/location"
	"safewalk/internal/metrics"
	"safewalk/internal/outbox"
	"safewalk/internal/routes"
	"safewalk/internal/safety"
	"safewalk/internal/store"
	whub "safewalk/internal/websocket"
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
	telemetry.SetupLogger()
	shutdown := telemetry.SetupOTLP(cfg.OTLP.Endpoint, "trip-monitor")
	defer shutdown()

	pool, err := db.NewPgxPool(cfg.DB.DSN)
	if err != nil {
		slog.Error("failed to connect to DB", "error", err)
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

	cctx, ccancel := context.WithCancel(context.Background())
	defer ccancel()

	var fetcher routes.Fetcher = routes.NewClient(cfg.Directions.Endpoint, cfg.Directions.APIKey, cfg.Directions.Timeout)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		fetcher = routes.NewCachedClient(fetcher, rdb, cfg.Redis.CacheTTL)
		defer rdb.Close()
	}

	feed := location.NewFeed()
	topics := safety.Topics{
		TripStarted:   cfg.Kafka.TopicTripStarted,
		TripCompleted: cfg.Kafka.TopicTripCompleted,
		Location:      cfg.Kafka.TopicLocation,
		Panic:         cfg.Kafka.TopicPanic,
		Alerts:        cfg.Kafka.TopicAlerts,
	}
	svc := safety.NewService(st, fetcher,
		feed, cfg.Tracking.ToleranceMeters,
		time.Duration(cfg.Tracking.OverdueGraceMinutes)*time.Minute, topics)

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.ConsumeTopics, cfg.Kafka.Timeout)
	consumer.Start(cctx, func(ctx context.Context, topic string, key, value []byte) error {
		if err := svc.HandleEvent(ctx, topic, key, value); err != nil {
			return err
		}
		if topic == cfg.Kafka.TopicLocation {
			// Live monitors get the sample after it is durably recorded.
			return feed.HandleEvent(ctx, topic, key, value)
		}
		return nil
	}, func(topic string, err error) {
		if err != nil && topic == cfg.Kafka.TopicLocation {
			feed.Fail(err)
		}
	})

	hub := whub.NewHub(pool)
	go hub.Run(cctx)
	go outbox.StartPublisher(cctx, pool, kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Timeout), hub)

	validator := auth.NewValidator(cfg.Auth.HS256Secret, cfg.Auth.Issuer, cfg.Auth.Audience)
	api := httpapi.NewServer(st, st, st, svc, validator, topics)
	mux := api.Routes()
	metrics.Init(mux)
	metrics.StartGauges(cctx, pool)
	mux.HandleFunc("GET /ws/alerts", hub.ServeWS)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: mux,
	}
	go func() {
		slog.Info("starting trip-monitor", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	slog.Info("shutting down gracefully...")
	ccancel()
	time.Sleep(2 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	consumer.Close()
	slog.Info("server stopped")
}
