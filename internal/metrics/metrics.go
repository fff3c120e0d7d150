package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveAlerts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "safewalk_active_alerts",
			Help: "Number of unresolved alerts",
		},
	)
	RouteDeviationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "safewalk_route_deviations_total",
			Help: "Total route deviation alerts raised",
		},
	)
	PanicAlertsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "safewalk_panic_alerts_total",
			Help: "Total panic alerts raised",
		},
	)
	OverdueAlertsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "safewalk_overdue_alerts_total",
			Help: "Total traveler overdue alerts raised",
		},
	)
	PositionUpdatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "safewalk_position_updates_total",
			Help: "Total traveler position samples processed",
		},
	)
	RouteCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "safewalk_route_cache_hits_total",
			Help: "Route fetches served from cache",
		},
	)
	RouteCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "safewalk_route_cache_misses_total",
			Help: "Route fetches that went to the directions API",
		},
	)
	RouteFetchFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "safewalk_route_fetch_failures_total",
			Help: "Directions API fetches that ended unavailable",
		},
	)
	WebsocketConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "safewalk_websocket_connections",
			Help: "Current guardian websocket connections",
		},
	)
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safewalk_http_requests_total",
			Help: "HTTP requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)
	OutboxQueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "safewalk_outbox_queue_size",
			Help: "Outbox pending/error size",
		},
	)
	DLQSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "safewalk_dlq_size",
			Help: "Dead letter queue size",
		},
	)
)

func Init(mux *http.ServeMux) {
	prometheus.MustRegister(
		ActiveAlerts,
		RouteDeviationsTotal,
		PanicAlertsTotal,
		OverdueAlertsTotal,
		PositionUpdatesTotal,
		RouteCacheHitsTotal,
		RouteCacheMissesTotal,
		RouteFetchFailuresTotal,
		WebsocketConnections,
		HTTPRequestsTotal,
		OutboxQueueSize,
		DLQSize,
	)
	mux.Handle("/metrics", promhttp.Handler())
}

// StartGauges polls queue depths that only exist in Postgres.
func StartGauges(ctx context.Context, db *pgxpool.Pool) {
	go func() {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				var cnt int
				_ = db.QueryRow(context.Background(), `SELECT COUNT(*) FROM alerts WHERE resolved_at IS NULL`).Scan(&cnt)
				ActiveAlerts.Set(float64(cnt))
			}
		}
	}()
	go func() {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				var cnt int
				_ = db.QueryRow(context.Background(), `SELECT COUNT(*) FROM outbox_events WHERE status IN ('pending','error')`).Scan(&cnt)
				OutboxQueueSize.Set(float64(cnt))
			}
		}
	}()
	go func() {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				var cnt int
				_ = db.QueryRow(context.Background(), `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&cnt)
				DLQSize.Set(float64(cnt))
			}
		}
	}()
}
