// Package store is the persistence layer over the safety schema. Methods
// that participate in larger transactions take a pgx.Tx; the rest run on
// the pool.
package store

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

var ErrNotFound = errors.New("not found")

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Pool() *pgxpool.Pool { return s.db }

func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.db.Begin(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schema)
	return err
}

// MarkEventProcessedTx claims an event id for processing. Returns false when
// another delivery already claimed it; the caller commits the empty
// transaction and drops the duplicate.
func (s *Store) MarkEventProcessedTx(ctx context.Context, tx pgx.Tx, eventID string, occurredAt time.Time) (bool, error) {
	var id string
	err := tx.QueryRow(ctx, `
		INSERT INTO processed_events(event_id, occurred_at)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING event_id
	`, eventID, occurredAt).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type User struct {
	UserID    string
	Name      string
	Phone     string
	Email     string
	CreatedAt time.Time
}

func (s *Store) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO users(user_id, name, phone, email, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET name=EXCLUDED.name, phone=EXCLUDED.phone, email=EXCLUDED.email
	`, u.UserID, u.Name, u.Phone, u.Email, u.CreatedAt)
	return err
}

func (s *Store) GetUser(ctx context.Context, userID string) (User, error) {
	var u User
	err := s.db.QueryRow(ctx, `
		SELECT user_id, name, phone, email, created_at FROM users WHERE user_id=$1
	`, userID).Scan(&u.UserID, &u.Name, &u.Phone, &u.Email, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

type Trip struct {
	TripID                  string
	TravelerID              string
	TripToken               string
	OriginLat               float64
	OriginLng               float64
	DestinationLat          float64
	DestinationLng          float64
	StartedAt               time.Time
	CompletedAt             *time.Time
	Status                  string
	StraightLineDistanceM   float64
	RouteDistanceMeters     *float64
	ExpectedDurationSeconds *int
	RoutePolyline           *string
}

func (s *Store) InsertTripTx(ctx context.Context, tx pgx.Tx, t Trip) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO trips(trip_id, traveler_id, trip_token, origin_lat, origin_lng, destination_lat, destination_lng, started_at, status, straight_line_distance_meters)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'active',$9)
		ON CONFLICT (trip_id) DO UPDATE SET traveler_id=EXCLUDED.traveler_id, trip_token=EXCLUDED.trip_token,
			origin_lat=EXCLUDED.origin_lat, origin_lng=EXCLUDED.origin_lng,
			destination_lat=EXCLUDED.destination_lat, destination_lng=EXCLUDED.destination_lng,
			started_at=EXCLUDED.started_at, status='active',
			straight_line_distance_meters=EXCLUDED.straight_line_distance_meters
	`, t.TripID, t.TravelerID, t.TripToken, t.OriginLat, t.OriginLng, t.DestinationLat, t.DestinationLng, t.StartedAt, t.StraightLineDistanceM)
	return err
}

func (s *Store) GetTripTx(ctx context.Context, tx pgx.Tx, tripID string) (Trip, error) {
	var t Trip
	err := tx.QueryRow(ctx, `
		SELECT trip_id, traveler_id, trip_token, origin_lat, origin_lng, destination_lat, destination_lng,
			started_at, completed_at, status, straight_line_distance_meters,
			route_distance_meters, expected_duration_seconds, route_polyline
		FROM trips WHERE trip_id=$1
	`, tripID).Scan(&t.TripID, &t.TravelerID, &t.TripToken, &t.OriginLat, &t.OriginLng, &t.DestinationLat, &t.DestinationLng,
		&t.StartedAt, &t.CompletedAt, &t.Status, &t.StraightLineDistanceM,
		&t.RouteDistanceMeters, &t.ExpectedDurationSeconds, &t.RoutePolyline)
	if errors.Is(err, pgx.ErrNoRows) {
		return Trip{}, ErrNotFound
	}
	return t, err
}

// TripOwner returns the traveler who started the trip.
func (s *Store) TripOwner(ctx context.Context, tripID string) (string, error) {
	var travelerID string
	err := s.db.QueryRow(ctx, `
		SELECT traveler_id FROM trips WHERE trip_id=$1
	`, tripID).Scan(&travelerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return travelerID, err
}

// SetTripRoute records a directions fetch result. Guarded by the trip token
// so a result for a superseded trip cannot land.
func (s *Store) SetTripRoute(ctx context.Context, tripID, tripToken string, distanceMeters float64, durationSeconds int, encodedPolyline string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE trips
		SET route_distance_meters=$3, expected_duration_seconds=$4, route_polyline=$5
		WHERE trip_id=$1 AND trip_token=$2 AND status='active'
	`, tripID, tripToken, distanceMeters, durationSeconds, encodedPolyline)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) CompleteTripTx(ctx context.Context, tx pgx.Tx, tripID string, completedAt time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE trips SET status='completed', completed_at=$2 WHERE trip_id=$1
	`, tripID, completedAt)
	return err
}

type Position struct {
	TripID           string
	Lat              float64
	Lng              float64
	RecordedAt       time.Time
	DeviationMeters  float64
	EstimatedArrival *time.Time
}

func (s *Store) InsertPositionTx(ctx context.Context, tx pgx.Tx, p Position) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO trip_positions(trip_id, lat, lng, recorded_at, deviation_meters, estimated_arrival)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, p.TripID, p.Lat, p.Lng, p.RecordedAt, p.DeviationMeters, p.EstimatedArrival)
	return err
}

type Contact struct {
	ContactID    string
	UserID       string
	Name         string
	Phone        string
	Relationship string
	CreatedAt    time.Time
}

func (s *Store) CreateContact(ctx context.Context, c Contact) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO emergency_contacts(contact_id, user_id, name, phone, relationship, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, c.ContactID, c.UserID, c.Name, c.Phone, c.Relationship, c.CreatedAt)
	return err
}

func (s *Store) ListContacts(ctx context.Context, userID string) ([]Contact, error) {
	rows, err := s.db.Query(ctx, `
		SELECT contact_id, user_id, name, phone, relationship, created_at
		FROM emergency_contacts WHERE user_id=$1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ContactID, &c.UserID, &c.Name, &c.Phone, &c.Relationship, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (s *Store) DeleteContact(ctx context.Context, userID, contactID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM emergency_contacts WHERE contact_id=$1 AND user_id=$2
	`, contactID, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

type Alert struct {
	AlertID    string
	AlertType  string
	TripID     string
	TravelerID string
	Message    string
	Severity   string
	CreatedAt  time.Time
}

func (s *Store) CreateAlertTx(ctx context.Context, tx pgx.Tx, a Alert) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO alerts(alert_id, alert_type, trip_id, traveler_id, message, severity, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, a.AlertID, a.AlertType, a.TripID, a.TravelerID, a.Message, a.Severity, a.CreatedAt)
	return err
}

func (s *Store) ResolveTripAlertsTx(ctx context.Context, tx pgx.Tx, tripID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE alerts SET resolved_at=NOW() WHERE trip_id=$1 AND resolved_at IS NULL
	`, tripID)
	return err
}
