// Package safety consumes trip and location events, persists trip history,
// and raises alerts when a traveler deviates from the planned route, goes
// overdue, or triggers a panic.
package safety

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"safewalk/internal/geo"
	"safewalk/internal/location"
	"safewalk/internal/metrics"
	"safewalk/internal/outbox"
	"safewalk/internal/polyline"
	"safewalk/internal/routes"
	"safewalk/internal/store"
	"safewalk/internal/trip"
)

// Topics names the Kafka topics the service consumes and the one it emits
// alerts on.
type Topics struct {
	TripStarted   string
	TripCompleted string
	Location      string
	Panic         string
	Alerts        string
}

type Service struct {
	store        *store.Store
	fetcher      routes.Fetcher
	provider     location.Provider
	tolerance    float64
	overdueGrace time.Duration
	topics       Topics

	// active holds the live monitor per trip id. The database stays the
	// source of truth; monitors serve the live snapshot endpoint and
	// advisory deviation notifications.
	active sync.Map
}

type activeTrip struct {
	mon   *trip.Monitor
	sub   location.Subscription
	token string
}

func NewService(st *store.Store, fetcher routes.Fetcher, provider location.Provider, toleranceMeters float64, overdueGrace time.Duration, topics Topics) *Service {
	if toleranceMeters <= 0 {
		toleranceMeters = trip.DefaultToleranceMeters
	}
	return &Service{
		store:        st,
		fetcher:      fetcher,
		provider:     provider,
		tolerance:    toleranceMeters,
		overdueGrace: overdueGrace,
		topics:       topics,
	}
}

func (s *Service) HandleEvent(ctx context.Context, topic string, key, value []byte) error {
	switch topic {
	case s.topics.TripStarted:
		return s.handleTripStarted(ctx, value)
	case s.topics.TripCompleted:
		return s.handleTripCompleted(ctx, value)
	case s.topics.Location:
		return s.handleTravelerLocation(ctx, value)
	case s.topics.Panic:
		return s.handlePanic(ctx, value)
	default:
		return nil
	}
}

// Live returns the monitor snapshot for an active trip, if one is running in
// this process.
func (s *Service) Live(tripID string) (trip.State, bool) {
	v, ok := s.active.Load(tripID)
	if !ok {
		return trip.State{}, false
	}
	return v.(*activeTrip).mon.Snapshot(), true
}

type envelope struct {
	EventID    string          `json:"event_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

func (s *Service) handleTripStarted(ctx context.Context, value []byte) error {
	var env envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return err
	}
	var data struct {
		TripID         string    `json:"trip_id"`
		TravelerID     string    `json:"traveler_id"`
		OriginLat      float64   `json:"origin_lat"`
		OriginLng      float64   `json:"origin_lng"`
		DestinationLat float64   `json:"destination_lat"`
		DestinationLng float64   `json:"destination_lng"`
		StartedAt      time.Time `json:"started_at"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return err
	}

	origin := geo.Point{Lat: data.OriginLat, Lng: data.OriginLng}
	dest := geo.Point{Lat: data.DestinationLat, Lng: data.DestinationLng}

	mon := trip.NewMonitor(s.tolerance, &deviationNotifier{tripID: data.TripID, travelerID: data.TravelerID})
	token, fetchCtx, err := mon.StartTrip(trip.Route{Start: origin, End: dest})
	if err != nil {
		// Bad coordinates in the event. Drop it, redelivery cannot fix it.
		slog.Warn("trip start rejected", "trip_id", data.TripID, "error", err)
		return nil
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	fresh, err := s.store.MarkEventProcessedTx(ctx, tx, env.EventID, env.OccurredAt)
	if err != nil {
		return err
	}
	if !fresh {
		return tx.Commit(ctx)
	}
	if err := s.store.InsertTripTx(ctx, tx, store.Trip{
		TripID:                data.TripID,
		TravelerID:            data.TravelerID,
		TripToken:             token,
		OriginLat:             data.OriginLat,
		OriginLng:             data.OriginLng,
		DestinationLat:        data.DestinationLat,
		DestinationLng:        data.DestinationLng,
		StartedAt:             data.StartedAt,
		StraightLineDistanceM: geo.Haversine(origin, dest),
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	at := &activeTrip{mon: mon, token: token}
	if s.provider != nil {
		sub, err := s.provider.Subscribe(fetchCtx, data.TravelerID)
		if err != nil {
			slog.Warn("location subscribe failed", "trip_id", data.TripID, "error", err)
		} else {
			at.sub = sub
			go mon.Watch(sub)
		}
	}
	if prev, loaded := s.active.Swap(data.TripID, at); loaded {
		stopActiveTrip(prev.(*activeTrip))
	}

	go s.fetchRoute(fetchCtx, data.TripID, token, mon, origin, dest)
	return nil
}

// fetchRoute asks the directions provider for distance, duration, and
// geometry. The result is applied only if the trip token still matches, so a
// slow response for a superseded trip lands nowhere.
func (s *Service) fetchRoute(ctx context.Context, tripID, token string, mon *trip.Monitor, origin, dest geo.Point) {
	if s.fetcher == nil {
		return
	}
	res, err := s.fetcher.FetchRoute(ctx, origin, dest)
	if err != nil {
		slog.Warn("route fetch failed, monitoring without route geometry",
			"trip_id", tripID, "error", err)
		return
	}
	if !mon.ApplyRouteFetch(token, res) {
		slog.Info("stale route fetch discarded", "trip_id", tripID)
		return
	}
	uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	applied, err := s.store.SetTripRoute(uctx, tripID, token, res.DistanceMeters, res.DurationSeconds, polyline.Encode(res.Polyline))
	if err != nil {
		slog.Warn("route persist failed", "trip_id", tripID, "error", err)
		return
	}
	if applied {
		slog.Info("route installed", "trip_id", tripID,
			"distance", res.FormattedDistance, "duration", res.FormattedDuration)
	}
}

func (s *Service) handleTravelerLocation(ctx context.Context, value []byte) error {
	var env envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return err
	}
	var data struct {
		TripID     string    `json:"trip_id"`
		TravelerID string    `json:"traveler_id"`
		Lat        float64   `json:"lat"`
		Lng        float64   `json:"lng"`
		Timestamp  time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return err
	}
	p := geo.Point{Lat: data.Lat, Lng: data.Lng}
	if err := p.Validate(); err != nil {
		slog.Warn("position sample out of range", "trip_id", data.TripID, "error", err)
		return nil
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	fresh, err := s.store.MarkEventProcessedTx(ctx, tx, env.EventID, env.OccurredAt)
	if err != nil {
		return err
	}
	if !fresh {
		return tx.Commit(ctx)
	}
	t, err := s.store.GetTripTx(ctx, tx, data.TripID)
	if err == store.ErrNotFound {
		return tx.Commit(ctx)
	}
	if err != nil {
		return err
	}
	if t.Status != "active" {
		// Samples for ended trips arrive late and are ignored.
		return tx.Commit(ctx)
	}

	origin := geo.Point{Lat: t.OriginLat, Lng: t.OriginLng}
	dest := geo.Point{Lat: t.DestinationLat, Lng: t.DestinationLng}
	deviation := geo.CrossTrackDistance(p, origin, dest)
	eta := estimateArrival(t, p, dest, data.Timestamp)

	if err := s.store.InsertPositionTx(ctx, tx, store.Position{
		TripID:           data.TripID,
		Lat:              data.Lat,
		Lng:              data.Lng,
		RecordedAt:       data.Timestamp,
		DeviationMeters:  deviation,
		EstimatedArrival: eta,
	}); err != nil {
		return err
	}

	if deviation > s.tolerance {
		if err := s.createAlertTx(ctx, tx, "route_deviation", data.TripID, t.TravelerID,
			"Traveler has left the planned route", "warning"); err != nil {
			return err
		}
	}
	if t.ExpectedDurationSeconds != nil {
		due := t.StartedAt.Add(time.Duration(*t.ExpectedDurationSeconds)*time.Second + s.overdueGrace)
		if data.Timestamp.After(due) {
			if err := s.createAlertTx(ctx, tx, "traveler_overdue", data.TripID, t.TravelerID,
				"Traveler has not arrived within the expected time", "warning"); err != nil {
				return err
			}
			metrics.OverdueAlertsTotal.Inc()
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	metrics.PositionUpdatesTotal.Inc()
	return nil
}

// estimateArrival scales the fetched route duration by the straight-line
// fraction of the journey that remains. Nil until a route fetch has landed.
func estimateArrival(t store.Trip, p, dest geo.Point, at time.Time) *time.Time {
	if t.ExpectedDurationSeconds == nil || t.StraightLineDistanceM <= 0 {
		return nil
	}
	remaining := geo.Haversine(p, dest)
	fraction := remaining / t.StraightLineDistanceM
	if fraction > 1 {
		fraction = 1
	}
	eta := at.Add(time.Duration(fraction * float64(*t.ExpectedDurationSeconds) * float64(time.Second)))
	return &eta
}

func (s *Service) handleTripCompleted(ctx context.Context, value []byte) error {
	var env envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return err
	}
	var data struct {
		TripID      string    `json:"trip_id"`
		CompletedAt time.Time `json:"completed_at"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return err
	}
	if data.CompletedAt.IsZero() {
		data.CompletedAt = env.OccurredAt
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	fresh, err := s.store.MarkEventProcessedTx(ctx, tx, env.EventID, env.OccurredAt)
	if err != nil {
		return err
	}
	if !fresh {
		return tx.Commit(ctx)
	}
	if err := s.store.CompleteTripTx(ctx, tx, data.TripID, data.CompletedAt); err != nil {
		return err
	}
	if err := s.store.ResolveTripAlertsTx(ctx, tx, data.TripID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	if v, loaded := s.active.LoadAndDelete(data.TripID); loaded {
		stopActiveTrip(v.(*activeTrip))
	}
	return nil
}

func (s *Service) handlePanic(ctx context.Context, value []byte) error {
	var env envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return err
	}
	var data struct {
		TripID     string `json:"trip_id"`
		TravelerID string `json:"traveler_id"`
		Message    string `json:"message"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return err
	}
	if data.Message == "" {
		data.Message = "Traveler triggered a panic alert"
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	fresh, err := s.store.MarkEventProcessedTx(ctx, tx, env.EventID, env.OccurredAt)
	if err != nil {
		return err
	}
	if !fresh {
		return tx.Commit(ctx)
	}
	if err := s.createAlertTx(ctx, tx, "panic", data.TripID, data.TravelerID, data.Message, "critical"); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	metrics.PanicAlertsTotal.Inc()
	return nil
}

// createAlertTx writes the alert row and enqueues the outbound event in the
// same transaction. An unresolved alert of the same type on the same trip
// suppresses duplicates; the first alert stands until resolved.
func (s *Service) createAlertTx(ctx context.Context, tx pgx.Tx, alertType, tripID, travelerID, message, severity string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM alerts
			WHERE trip_id=$1 AND alert_type=$2 AND resolved_at IS NULL
		)
	`, tripID, alertType).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return nil
	}
	now := time.Now().UTC()
	alertID := uuid.NewString()
	if err := s.store.CreateAlertTx(ctx, tx, store.Alert{
		AlertID:    alertID,
		AlertType:  alertType,
		TripID:     tripID,
		TravelerID: travelerID,
		Message:    message,
		Severity:   severity,
		CreatedAt:  now,
	}); err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"event_id":       uuid.NewString(),
		"event_type":     "safety.alert",
		"occurred_at":    now,
		"correlation_id": alertID,
		"data": map[string]interface{}{
			"alert_id":    alertID,
			"alert_type":  alertType,
			"trip_id":     tripID,
			"traveler_id": travelerID,
			"message":     message,
			"severity":    severity,
		},
	})
	return outbox.EnqueueTx(ctx, tx, outbox.Event{
		ID:            uuid.NewString(),
		EventType:     "safety.alert",
		CorrelationID: alertID,
		Topic:         s.topics.Alerts,
		PartitionKey:  tripID,
		Payload:       payload,
		OccurredAt:    now,
	})
}

func stopActiveTrip(at *activeTrip) {
	if at.sub != nil {
		at.sub.Unsubscribe()
	}
	_ = at.mon.CompleteTrip()
}

// deviationNotifier logs advisory deviations coming out of the live monitor.
// The authoritative alert is raised in the location handler's transaction.
type deviationNotifier struct {
	tripID     string
	travelerID string
}

func (n *deviationNotifier) RouteDeviated(token string, pos geo.Point, crossTrackMeters float64) {
	metrics.RouteDeviationsTotal.Inc()
	slog.Warn("route deviation detected",
		"trip_id", n.tripID,
		"traveler_id", n.travelerID,
		"lat", pos.Lat,
		"lng", pos.Lng,
		"cross_track_meters", crossTrackMeters,
	)
}
