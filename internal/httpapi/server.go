// Package httpapi is the public edge for travelers and guardians. Write
// endpoints never touch domain tables directly: they log the request and
// enqueue the event through the outbox, and the monitor consumes it off
// Kafka like any other event.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"safewalk/internal/auth"
	"safewalk/internal/geo"
	"safewalk/internal/metrics"
	"safewalk/internal/outbox"
	"safewalk/internal/safety"
	"safewalk/internal/store"
	"safewalk/internal/trip"
)

type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// LiveReader exposes the in-process monitor snapshot for active trips.
type LiveReader interface {
	Live(tripID string) (trip.State, bool)
}

// TripReader resolves which traveler owns a trip.
type TripReader interface {
	TripOwner(ctx context.Context, tripID string) (string, error)
}

// ContactStore is the slice of the store the contact endpoints need.
type ContactStore interface {
	CreateContact(ctx context.Context, c store.Contact) error
	ListContacts(ctx context.Context, userID string) ([]store.Contact, error)
	DeleteContact(ctx context.Context, userID, contactID string) (bool, error)
}

type Server struct {
	db        DB
	contacts  ContactStore
	trips     TripReader
	live      LiveReader
	validator *auth.Validator
	topics    safety.Topics
}

func NewServer(db DB, contacts ContactStore, trips TripReader, live LiveReader, validator *auth.Validator, topics safety.Topics) *Server {
	return &Server{db: db, contacts: contacts, trips: trips, live: live, validator: validator, topics: topics}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /trips", auth.RequireRoles(s.validator, []string{"traveler"}, s.handleStartTrip))
	mux.HandleFunc("POST /trips/{tripID}/complete", auth.RequireRoles(s.validator, []string{"traveler"}, s.handleCompleteTrip))
	if s.live != nil {
		mux.HandleFunc("GET /trips/{tripID}/live", auth.RequireRoles(s.validator, []string{"traveler", "guardian"}, s.handleLiveTrip))
	}
	mux.HandleFunc("POST /location", auth.RequireRoles(s.validator, []string{"traveler"}, s.handleLocation))
	mux.HandleFunc("POST /panic", auth.RequireRoles(s.validator, []string{"traveler"}, s.handlePanic))
	mux.HandleFunc("POST /contacts", auth.RequireRoles(s.validator, []string{"traveler"}, s.handleCreateContact))
	mux.HandleFunc("GET /contacts", auth.RequireRoles(s.validator, []string{"traveler", "guardian"}, s.handleListContacts))
	mux.HandleFunc("DELETE /contacts/{contactID}", auth.RequireRoles(s.validator, []string{"traveler"}, s.handleDeleteContact))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.db.Ping(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.db.Ping(r.Context()); err != nil {
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

// enqueueEvent logs the inbound request and enqueues its event atomically.
func (s *Server) enqueueEvent(ctx context.Context, eventType, topic, correlationID, partitionKey string, data map[string]interface{}) (int, error) {
	now := time.Now().UTC()
	eventID := uuid.NewString()
	rawData, err := json.Marshal(data)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `
		INSERT INTO http_events_log(id, event_type, event_id, payload, received_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), eventType, eventID, rawData, now); err != nil {
		return http.StatusInternalServerError, err
	}
	payload, err := json.Marshal(map[string]interface{}{
		"event_id":       eventID,
		"event_type":     eventType,
		"occurred_at":    now,
		"correlation_id": correlationID,
		"data":           json.RawMessage(rawData),
	})
	if err != nil {
		return http.StatusInternalServerError, err
	}
	// The outbox keys rows by (event_type, correlation_id), so each request
	// must enqueue under its own event id. The request-level correlation
	// stays in the envelope for consumers.
	if err := outbox.EnqueueTx(ctx, tx, outbox.Event{
		ID:            uuid.NewString(),
		EventType:     eventType,
		CorrelationID: eventID,
		Topic:         topic,
		PartitionKey:  partitionKey,
		Payload:       payload,
		OccurredAt:    now,
	}); err != nil {
		return http.StatusInternalServerError, err
	}
	if err := tx.Commit(ctx); err != nil {
		return http.StatusInternalServerError, err
	}
	return http.StatusAccepted, nil
}

// authorizeTrip verifies the trip exists and belongs to the caller. Writes
// the response and returns false otherwise.
func (s *Server) authorizeTrip(w http.ResponseWriter, r *http.Request, endpoint, tripID string) bool {
	owner, err := s.trips.TripOwner(r.Context(), tripID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "unknown trip", http.StatusNotFound)
		metrics.HTTPRequestsTotal.WithLabelValues(endpoint, "404").Inc()
		return false
	}
	if err != nil {
		http.Error(w, "internal", http.StatusInternalServerError)
		metrics.HTTPRequestsTotal.WithLabelValues(endpoint, "500").Inc()
		return false
	}
	if owner != auth.FromContext(r).ID {
		http.Error(w, "forbidden", http.StatusForbidden)
		metrics.HTTPRequestsTotal.WithLabelValues(endpoint, "403").Inc()
		return false
	}
	return true
}

func (s *Server) handleStartTrip(w http.ResponseWriter, r *http.Request) {
	user := auth.FromContext(r)
	var body struct {
		TripID         string  `json:"trip_id"`
		OriginLat      float64 `json:"origin_lat"`
		OriginLng      float64 `json:"origin_lng"`
		DestinationLat float64 `json:"destination_lat"`
		DestinationLng float64 `json:"destination_lng"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.reject(w, "/trips", "invalid json")
		return
	}
	origin := geo.Point{Lat: body.OriginLat, Lng: body.OriginLng}
	dest := geo.Point{Lat: body.DestinationLat, Lng: body.DestinationLng}
	if origin.Validate() != nil || dest.Validate() != nil {
		s.reject(w, "/trips", "coordinates out of range")
		return
	}
	tripID := body.TripID
	if tripID == "" {
		tripID = uuid.NewString()
	}
	code, err := s.enqueueEvent(r.Context(), "trips.started", s.topics.TripStarted, tripID, tripID, map[string]interface{}{
		"trip_id":         tripID,
		"traveler_id":     user.ID,
		"origin_lat":      body.OriginLat,
		"origin_lng":      body.OriginLng,
		"destination_lat": body.DestinationLat,
		"destination_lng": body.DestinationLng,
		"started_at":      time.Now().UTC(),
	})
	if err != nil {
		http.Error(w, "internal", code)
		metrics.HTTPRequestsTotal.WithLabelValues("/trips", "500").Inc()
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"trip_id": tripID})
	metrics.HTTPRequestsTotal.WithLabelValues("/trips", "202").Inc()
}

func (s *Server) handleCompleteTrip(w http.ResponseWriter, r *http.Request) {
	tripID := r.PathValue("tripID")
	if tripID == "" {
		s.reject(w, "/trips/complete", "missing trip id")
		return
	}
	if !s.authorizeTrip(w, r, "/trips/complete", tripID) {
		return
	}
	code, err := s.enqueueEvent(r.Context(), "trips.completed", s.topics.TripCompleted, tripID, tripID, map[string]interface{}{
		"trip_id":      tripID,
		"completed_at": time.Now().UTC(),
	})
	if err != nil {
		http.Error(w, "internal", code)
		metrics.HTTPRequestsTotal.WithLabelValues("/trips/complete", "500").Inc()
		return
	}
	w.WriteHeader(code)
	w.Write([]byte("accepted"))
	metrics.HTTPRequestsTotal.WithLabelValues("/trips/complete", "202").Inc()
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	user := auth.FromContext(r)
	var body struct {
		TripID    string    `json:"trip_id"`
		Lat       float64   `json:"lat"`
		Lng       float64   `json:"lng"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TripID == "" {
		s.reject(w, "/location", "invalid json")
		return
	}
	if (geo.Point{Lat: body.Lat, Lng: body.Lng}).Validate() != nil {
		s.reject(w, "/location", "coordinates out of range")
		return
	}
	if body.Timestamp.IsZero() {
		body.Timestamp = time.Now().UTC()
	}
	if !s.authorizeTrip(w, r, "/location", body.TripID) {
		return
	}
	code, err := s.enqueueEvent(r.Context(), "location.traveler", s.topics.Location, body.TripID, user.ID, map[string]interface{}{
		"trip_id":     body.TripID,
		"traveler_id": user.ID,
		"lat":         body.Lat,
		"lng":         body.Lng,
		"timestamp":   body.Timestamp,
	})
	if err != nil {
		http.Error(w, "internal", code)
		metrics.HTTPRequestsTotal.WithLabelValues("/location", "500").Inc()
		return
	}
	w.WriteHeader(code)
	w.Write([]byte("accepted"))
	metrics.HTTPRequestsTotal.WithLabelValues("/location", "202").Inc()
}

func (s *Server) handlePanic(w http.ResponseWriter, r *http.Request) {
	user := auth.FromContext(r)
	var body struct {
		TripID  string `json:"trip_id"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TripID == "" {
		s.reject(w, "/panic", "invalid json")
		return
	}
	if !s.authorizeTrip(w, r, "/panic", body.TripID) {
		return
	}
	code, err := s.enqueueEvent(r.Context(), "alerts.panic", s.topics.Panic, body.TripID, body.TripID, map[string]interface{}{
		"trip_id":     body.TripID,
		"traveler_id": user.ID,
		"message":     body.Message,
	})
	if err != nil {
		http.Error(w, "internal", code)
		metrics.HTTPRequestsTotal.WithLabelValues("/panic", "500").Inc()
		return
	}
	w.WriteHeader(code)
	w.Write([]byte("accepted"))
	metrics.HTTPRequestsTotal.WithLabelValues("/panic", "202").Inc()
}

func (s *Server) handleLiveTrip(w http.ResponseWriter, r *http.Request) {
	tripID := r.PathValue("tripID")
	state, ok := s.live.Live(tripID)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		metrics.HTTPRequestsTotal.WithLabelValues("/trips/live", "404").Inc()
		return
	}
	resp := map[string]interface{}{
		"trip_id": tripID,
		"status":  state.Status.String(),
	}
	if state.LastKnownPosition != nil {
		resp["last_position"] = state.LastKnownPosition
	}
	if state.LastDeviationMeters != nil {
		resp["deviation_meters"] = *state.LastDeviationMeters
	}
	if state.RouteEta != nil {
		resp["route"] = state.RouteEta
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
	metrics.HTTPRequestsTotal.WithLabelValues("/trips/live", "200").Inc()
}

func (s *Server) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	user := auth.FromContext(r)
	var body struct {
		Name         string `json:"name"`
		Phone        string `json:"phone"`
		Relationship string `json:"relationship"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" || body.Phone == "" {
		s.reject(w, "/contacts", "invalid json")
		return
	}
	c := store.Contact{
		ContactID:    uuid.NewString(),
		UserID:       user.ID,
		Name:         body.Name,
		Phone:        body.Phone,
		Relationship: body.Relationship,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.contacts.CreateContact(r.Context(), c); err != nil {
		http.Error(w, "internal", http.StatusInternalServerError)
		metrics.HTTPRequestsTotal.WithLabelValues("/contacts", "500").Inc()
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"contact_id": c.ContactID})
	metrics.HTTPRequestsTotal.WithLabelValues("/contacts", "201").Inc()
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	user := auth.FromContext(r)
	contacts, err := s.contacts.ListContacts(r.Context(), user.ID)
	if err != nil {
		http.Error(w, "internal", http.StatusInternalServerError)
		metrics.HTTPRequestsTotal.WithLabelValues("/contacts", "500").Inc()
		return
	}
	type contactOut struct {
		ContactID    string `json:"contact_id"`
		Name         string `json:"name"`
		Phone        string `json:"phone"`
		Relationship string `json:"relationship"`
	}
	out := make([]contactOut, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, contactOut{ContactID: c.ContactID, Name: c.Name, Phone: c.Phone, Relationship: c.Relationship})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
	metrics.HTTPRequestsTotal.WithLabelValues("/contacts", "200").Inc()
}

func (s *Server) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	user := auth.FromContext(r)
	contactID := r.PathValue("contactID")
	ok, err := s.contacts.DeleteContact(r.Context(), user.ID, contactID)
	if err != nil {
		http.Error(w, "internal", http.StatusInternalServerError)
		metrics.HTTPRequestsTotal.WithLabelValues("/contacts", "500").Inc()
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		metrics.HTTPRequestsTotal.WithLabelValues("/contacts", "404").Inc()
		return
	}
	w.WriteHeader(http.StatusNoContent)
	metrics.HTTPRequestsTotal.WithLabelValues("/contacts", "204").Inc()
}

func (s *Server) reject(w http.ResponseWriter, endpoint, msg string) {
	http.Error(w, msg, http.StatusBadRequest)
	metrics.HTTPRequestsTotal.WithLabelValues(endpoint, "400").Inc()
}
