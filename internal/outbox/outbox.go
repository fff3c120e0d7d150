// Package outbox implements the transactional outbox: domain writes and the
// events they imply commit atomically, a background publisher drains them to
// Kafka with bounded retry and a dead letter queue.
package outbox

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type Pgx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key string, msg interface{}) error
}

// Broadcaster pushes alert events to connected guardian dashboards. Optional
// and best-effort; Kafka remains the source of truth.
type Broadcaster interface {
	BroadcastJSON(payload interface{}) error
}

type Event struct {
	ID            string
	EventType     string
	CorrelationID string
	Topic         string
	PartitionKey  string
	Payload       []byte
	OccurredAt    time.Time
	Attempts      int
}

func EnsureSchema(db Pgx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS outbox_events (
			id UUID PRIMARY KEY,
			event_type TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			payload JSONB NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INT NOT NULL DEFAULT 0,
			last_error TEXT,
			next_attempt_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(event_type, correlation_id)
		)
	`); err != nil {
		return err
	}
	if _, err := db.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_outbox_next_attempt
		ON outbox_events(next_attempt_time)
		WHERE status IN ('pending','error')
	`); err != nil {
		return err
	}
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS published_events (
			event_type TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (event_type, correlation_id)
		)
	`); err != nil {
		return err
	}
	_, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS dead_letter_queue (
			id UUID PRIMARY KEY,
			source_id UUID NOT NULL,
			event_type TEXT NOT NULL,
			topic TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			payload JSONB NOT NULL,
			last_error TEXT,
			attempts INT NOT NULL,
			inserted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			process_status TEXT NOT NULL DEFAULT 'new'
		)
	`)
	return err
}

func EnqueueTx(ctx context.Context, tx pgx.Tx, evt Event) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events(id, event_type, correlation_id, topic, partition_key, payload, occurred_at, status, attempts, next_attempt_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', 0, NOW())
	`, evt.ID, evt.EventType, evt.CorrelationID, evt.Topic, evt.PartitionKey, evt.Payload, evt.OccurredAt)
	return err
}

func fetchPending(ctx context.Context, db Pgx, limit int) ([]Event, error) {
	rows, err := db.Query(ctx, `
		SELECT id, event_type, correlation_id, topic, partition_key, payload, occurred_at, attempts
		FROM outbox_events
		WHERE status IN ('pending','error') AND next_attempt_time <= NOW()
		ORDER BY next_attempt_time
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var e Event
		var payload []byte
		_ = rows.Scan(&e.ID, &e.EventType, &e.CorrelationID, &e.Topic, &e.PartitionKey, &payload, &e.OccurredAt, &e.Attempts)
		e.Payload = payload
		res = append(res, e)
	}
	return res, rows.Err()
}

func markPublished(ctx context.Context, db Pgx, id string, eventType, correlationID string) error {
	if _, err := db.Exec(ctx, `UPDATE outbox_events SET status='published' WHERE id=$1`, id); err != nil {
		return err
	}
	_, err := db.Exec(ctx, `
		INSERT INTO published_events(event_type, correlation_id, occurred_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (event_type, correlation_id) DO NOTHING
	`, eventType, correlationID)
	return err
}

// markFailed schedules a retry with backoff, or moves the event to the dead
// letter queue after ten attempts. Runs on the drain transaction that
// already locked the row, so the attempt count comes from the fetched event.
func markFailed(ctx context.Context, db Pgx, e Event, lastError string) error {
	newAttempts := e.Attempts + 1
	if newAttempts >= 10 {
		if _, err := db.Exec(ctx, `
			INSERT INTO dead_letter_queue(id, source_id, event_type, topic, partition_key, payload, last_error, attempts)
			SELECT $4, id, event_type, topic, partition_key, payload, $2, $3
			FROM outbox_events
			WHERE id=$1
		`, e.ID, lastError, newAttempts, uuid.NewString()); err != nil {
			return err
		}
		_, err := db.Exec(ctx, `DELETE FROM outbox_events WHERE id=$1`, e.ID)
		return err
	}
	var interval string
	switch {
	case newAttempts <= 3:
		interval = "1 second"
	case newAttempts <= 6:
		interval = "5 seconds"
	default:
		interval = "30 seconds"
	}
	_, err := db.Exec(ctx, `
		UPDATE outbox_events
		SET status='error', attempts=$2, last_error=$3, next_attempt_time=NOW() + $4::interval
		WHERE id=$1
	`, e.ID, newAttempts, lastError, interval)
	return err
}

// drainPending claims a batch, publishes it and records each outcome on one
// transaction. The row locks taken by FOR UPDATE SKIP LOCKED then hold until
// the marks commit, so a second publisher instance cannot claim and publish
// the same rows in between.
func drainPending(ctx context.Context, db Pgx, producer Producer, hub Broadcaster) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()
	events, err := fetchPending(ctx, tx, 50)
	if err != nil || len(events) == 0 {
		return
	}
	for _, e := range events {
		var payload map[string]interface{}
		_ = json.Unmarshal(e.Payload, &payload)
		pubctx, pcancel := context.WithTimeout(ctx, 5*time.Second)
		pubErr := producer.Publish(pubctx, e.Topic, e.PartitionKey, payload)
		pcancel()
		if pubErr != nil {
			_ = markFailed(ctx, tx, e, pubErr.Error())
			continue
		}
		if hub != nil && strings.HasPrefix(e.Topic, "alerts.") {
			_ = hub.BroadcastJSON(payload)
		}
		_ = markPublished(ctx, tx, e.ID, e.EventType, e.CorrelationID)
	}
	_ = tx.Commit(ctx)
}

// StartPublisher drains pending events to Kafka once a second. Alert events
// are additionally pushed to the hub so dashboards see them without a
// round-trip through the broker.
func StartPublisher(ctx context.Context, db Pgx, producer Producer, hub Broadcaster) {
	t := time.NewTicker(1 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			dctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			drainPending(dctx, db, producer, hub)
			cancel()
		}
	}
}
