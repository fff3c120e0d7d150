// Package websocket fans alert events out to connected guardian dashboards.
// Sessions are tracked in Postgres so operators can see who is watching.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"

	"safewalk/internal/metrics"
)

type Hub struct {
	// mu guards clients and each client's closed flag. Run, BroadcastJSON
	// and restoreAlerts all touch the map from different goroutines.
	mu         sync.Mutex
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	db         *pgxpool.Pool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	id   string
	// closed is set under Hub.mu before send is closed, so senders holding
	// the lock never write to a closed channel.
	closed bool
}

func NewHub(db *pgxpool.Pool) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		db:         db,
	}
}

func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			metrics.WebsocketConnections.Inc()
			func() {
				ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if _, err := h.db.Exec(ctx2, `
					INSERT INTO websocket_sessions(session_id, connected_at, last_heartbeat)
					VALUES ($1, NOW(), NOW())
					ON CONFLICT (session_id) DO UPDATE SET last_heartbeat=NOW()
				`, c.id); err != nil {
					slog.Warn("ws session insert failed", "error", err, "session_id", c.id)
				}
			}()
		case c := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[c]
			if ok {
				delete(h.clients, c)
				c.closed = true
				close(c.send)
			}
			h.mu.Unlock()
			if ok {
				metrics.WebsocketConnections.Dec()
				func() {
					ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if _, err := h.db.Exec(ctx2, `
						DELETE FROM websocket_sessions WHERE session_id=$1
					`, c.id); err != nil {
						slog.Warn("ws session delete failed", "error", err, "session_id", c.id)
					}
				}()
			}
		case <-t.C:
			h.cleanupSessions(ctx)
		}
	}
}

func (h *Hub) BroadcastJSON(payload interface{}) error {
	msg, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			delete(h.clients, c)
			c.closed = true
			close(c.send)
			metrics.WebsocketConnections.Dec()
		}
	}
	return nil
}

func (h *Hub) cleanupSessions(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, _ = h.db.Exec(ctx, `
		DELETE FROM websocket_sessions WHERE last_heartbeat < NOW() - INTERVAL '10 minutes'
	`)
}

func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 256), id: r.RemoteAddr}
	h.register <- c
	go h.restoreAlerts(c)
	go c.readPump(h)
	go h.writePump(c)
}

func (h *Hub) writePump(c *client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	for {
		msg, ok := <-c.send
		if !ok {
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// restoreAlerts replays unresolved alerts to a freshly connected dashboard so
// it does not start blind.
func (h *Hub) restoreAlerts(c *client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rows, err := h.db.Query(ctx, `
		SELECT alert_type, trip_id, traveler_id, message, severity, created_at
		FROM alerts
		WHERE resolved_at IS NULL
		ORDER BY created_at DESC
	`)
	if err != nil {
		return
	}
	defer rows.Close()
	type alert struct {
		AlertType  string    `json:"alert_type"`
		TripID     string    `json:"trip_id"`
		TravelerID string    `json:"traveler_id"`
		Message    string    `json:"message"`
		Severity   string    `json:"severity"`
		CreatedAt  time.Time `json:"created_at"`
	}
	var msgs [][]byte
	for rows.Next() {
		var a alert
		if err := rows.Scan(&a.AlertType, &a.TripID, &a.TravelerID, &a.Message, &a.Severity, &a.CreatedAt); err != nil {
			continue
		}
		msg := map[string]interface{}{
			"type":    "alert",
			"payload": a,
		}
		b, _ := json.Marshal(msg)
		msgs = append(msgs, b)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	for _, b := range msgs {
		select {
		case c.send <- b:
		default:
		}
	}
}

func (h *Hub) updateHeartbeat(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = h.db.Exec(ctx, `
		UPDATE websocket_sessions SET last_heartbeat=NOW() WHERE session_id=$1
	`, sessionID)
}
