package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"safewalk/internal/auth"
	"safewalk/internal/geo"
	"safewalk/internal/safety"
	"safewalk/internal/store"
	"safewalk/internal/trip"
)

var testTopics = safety.Topics{
	TripStarted:   "trips.started",
	TripCompleted: "trips.completed",
	Location:      "location.traveler",
	Panic:         "alerts.panic",
	Alerts:        "alerts.safety",
}

type mockDB struct {
	tx      *mockTx
	failTx  bool
	pingErr error
}

func (m *mockDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if m.failTx {
		return nil, errors.New("no tx")
	}
	return m.tx, nil
}
func (m *mockDB) Ping(ctx context.Context) error { return m.pingErr }

type mockRows struct{}

func (r *mockRows) Next() bool                                   { return false }
func (r *mockRows) Scan(dest ...any) error                       { return nil }
func (r *mockRows) Close()                                       {}
func (r *mockRows) Err() error                                   { return nil }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

type mockTx struct {
	execs     []string
	execArgs  [][]any
	committed bool
}

func (t *mockTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *mockTx) Commit(ctx context.Context) error          { t.committed = true; return nil }
func (t *mockTx) Rollback(ctx context.Context) error        { return nil }
func (t *mockTx) Conn() *pgx.Conn                           { return nil }
func (t *mockTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *mockTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, sql)
	t.execArgs = append(t.execArgs, args)
	return pgconn.CommandTag{}, nil
}
func (t *mockTx) LargeObjects() pgx.LargeObjects { var lo pgx.LargeObjects; return lo }
func (t *mockTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *mockTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return &mockRows{}, nil
}
func (t *mockTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return &struct{ pgx.Row }{}
}
func (t *mockTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	var br pgx.BatchResults
	return br
}

type mockContacts struct {
	created []store.Contact
	listed  []store.Contact
	deleted bool
}

func (m *mockContacts) CreateContact(ctx context.Context, c store.Contact) error {
	m.created = append(m.created, c)
	return nil
}
func (m *mockContacts) ListContacts(ctx context.Context, userID string) ([]store.Contact, error) {
	return m.listed, nil
}
func (m *mockContacts) DeleteContact(ctx context.Context, userID, contactID string) (bool, error) {
	return m.deleted, nil
}

type mockLive struct {
	state trip.State
	ok    bool
}

func (m *mockLive) Live(tripID string) (trip.State, bool) { return m.state, m.ok }

type mockTrips struct {
	owner string
	err   error
}

func (m *mockTrips) TripOwner(ctx context.Context, tripID string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.owner, nil
}

func jwtFor(t *testing.T, role string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Issuer:    "safewalk",
		Subject:   "traveler-1",
		Audience:  jwt.ClaimStrings{"safewalk-clients"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{RegisteredClaims: claims, Role: role})
	signed, _ := tok.SignedString([]byte("secret"))
	return signed
}

func newTestServer(tx *mockTx, contacts ContactStore, live LiveReader) *Server {
	return newTestServerWithTrips(tx, &mockTrips{owner: "traveler-1"}, contacts, live)
}

func newTestServerWithTrips(tx *mockTx, trips TripReader, contacts ContactStore, live LiveReader) *Server {
	return NewServer(&mockDB{tx: tx}, contacts, trips, live,
		auth.NewValidator("secret", "safewalk", "safewalk-clients"), testTopics)
}

func TestStartTripAccepted(t *testing.T) {
	tx := &mockTx{}
	mux := newTestServer(tx, &mockContacts{}, nil).Routes()
	body := `{"origin_lat":51.5074,"origin_lng":-0.1278,"destination_lat":51.5055,"destination_lng":-0.0754}`
	req := httptest.NewRequest(http.MethodPost, "/trips", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+jwtFor(t, "traveler"))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil || resp["trip_id"] == "" {
		t.Fatalf("expected trip_id in response, got %s", rr.Body.String())
	}
	if !tx.committed {
		t.Fatal("expected committed tx")
	}
	foundLog, foundOutbox := false, false
	for _, q := range tx.execs {
		if strings.Contains(q, "http_events_log") {
			foundLog = true
		}
		if strings.Contains(q, "outbox_events") {
			foundOutbox = true
		}
	}
	if !foundLog || !foundOutbox {
		t.Fatalf("expected http_events_log and outbox inserts, got %v", tx.execs)
	}
}

func TestStartTripRejectsBadCoordinates(t *testing.T) {
	mux := newTestServer(&mockTx{}, &mockContacts{}, nil).Routes()
	body := `{"origin_lat":91.0,"origin_lng":0,"destination_lat":0,"destination_lng":0}`
	req := httptest.NewRequest(http.MethodPost, "/trips", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+jwtFor(t, "traveler"))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestStartTripRequiresTravelerRole(t *testing.T) {
	mux := newTestServer(&mockTx{}, &mockContacts{}, nil).Routes()
	body := `{"origin_lat":0,"origin_lng":0,"destination_lat":0,"destination_lng":0.1}`
	req := httptest.NewRequest(http.MethodPost, "/trips", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+jwtFor(t, "guardian"))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/trips", bytes.NewBufferString(body))
	rr2 := httptest.NewRecorder()
	mux.ServeHTTP(rr2, req2)
	if rr2.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr2.Code)
	}
}

func TestCompleteTripAccepted(t *testing.T) {
	tx := &mockTx{}
	mux := newTestServer(tx, &mockContacts{}, nil).Routes()
	req := httptest.NewRequest(http.MethodPost, "/trips/trip-1/complete", nil)
	req.Header.Set("Authorization", "Bearer "+jwtFor(t, "traveler"))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
}

func TestLocationAccepted(t *testing.T) {
	tx := &mockTx{}
	mux := newTestServer(tx, &mockContacts{}, nil).Routes()
	body := `{"trip_id":"trip-1","lat":51.5,"lng":-0.12}`
	req := httptest.NewRequest(http.MethodPost, "/location", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+jwtFor(t, "traveler"))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
}

func TestLocationSamplesEnqueueDistinctOutboxKeys(t *testing.T) {
	tx := &mockTx{}
	mux := newTestServer(tx, &mockContacts{}, nil).Routes()
	for i := 0; i < 2; i++ {
		body := `{"trip_id":"trip-1","lat":51.5,"lng":-0.12}`
		req := httptest.NewRequest(http.MethodPost, "/location", bytes.NewBufferString(body))
		req.Header.Set("Authorization", "Bearer "+jwtFor(t, "traveler"))
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("sample %d: expected 202, got %d", i, rr.Code)
		}
	}
	// The outbox constrains (event_type, correlation_id), so repeated samples
	// for one trip must not reuse a correlation key.
	var keys []string
	for i, q := range tx.execs {
		if strings.Contains(q, "outbox_events") {
			keys = append(keys, tx.execArgs[i][2].(string))
		}
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 outbox inserts, got %d", len(keys))
	}
	if keys[0] == "" || keys[0] == keys[1] {
		t.Fatalf("expected distinct correlation keys, got %q and %q", keys[0], keys[1])
	}
	if keys[0] == "trip-1" || keys[1] == "trip-1" {
		t.Fatalf("correlation key must not be the trip id, got %v", keys)
	}
}

func TestTripWritesRejectForeignTrip(t *testing.T) {
	tx := &mockTx{}
	mux := newTestServerWithTrips(tx, &mockTrips{owner: "someone-else"}, &mockContacts{}, nil).Routes()

	req := httptest.NewRequest(http.MethodPost, "/trips/trip-1/complete", nil)
	req.Header.Set("Authorization", "Bearer "+jwtFor(t, "traveler"))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("complete: expected 403, got %d", rr.Code)
	}

	body := `{"trip_id":"trip-1","lat":51.5,"lng":-0.12}`
	req2 := httptest.NewRequest(http.MethodPost, "/location", bytes.NewBufferString(body))
	req2.Header.Set("Authorization", "Bearer "+jwtFor(t, "traveler"))
	rr2 := httptest.NewRecorder()
	mux.ServeHTTP(rr2, req2)
	if rr2.Code != http.StatusForbidden {
		t.Fatalf("location: expected 403, got %d", rr2.Code)
	}

	req3 := httptest.NewRequest(http.MethodPost, "/panic", bytes.NewBufferString(`{"trip_id":"trip-1"}`))
	req3.Header.Set("Authorization", "Bearer "+jwtFor(t, "traveler"))
	rr3 := httptest.NewRecorder()
	mux.ServeHTTP(rr3, req3)
	if rr3.Code != http.StatusForbidden {
		t.Fatalf("panic: expected 403, got %d", rr3.Code)
	}

	if len(tx.execs) != 0 {
		t.Fatalf("nothing may be enqueued for a foreign trip, got %v", tx.execs)
	}
}

func TestTripWritesRejectUnknownTrip(t *testing.T) {
	mux := newTestServerWithTrips(&mockTx{}, &mockTrips{err: store.ErrNotFound}, &mockContacts{}, nil).Routes()
	body := `{"trip_id":"missing","lat":51.5,"lng":-0.12}`
	req := httptest.NewRequest(http.MethodPost, "/location", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+jwtFor(t, "traveler"))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestLocationRejectsMissingTrip(t *testing.T) {
	mux := newTestServer(&mockTx{}, &mockContacts{}, nil).Routes()
	body := `{"lat":51.5,"lng":-0.12}`
	req := httptest.NewRequest(http.MethodPost, "/location", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+jwtFor(t, "traveler"))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestPanicAccepted(t *testing.T) {
	tx := &mockTx{}
	mux := newTestServer(tx, &mockContacts{}, nil).Routes()
	body := `{"trip_id":"trip-1","message":"help"}`
	req := httptest.NewRequest(http.MethodPost, "/panic", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+jwtFor(t, "traveler"))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
}

func TestLiveTrip(t *testing.T) {
	dev := 42.5
	pos := geo.Point{Lat: 51.5, Lng: -0.12}
	live := &mockLive{
		state: trip.State{Status: trip.StatusActive, LastKnownPosition: &pos, LastDeviationMeters: &dev},
		ok:    true,
	}
	mux := newTestServer(&mockTx{}, &mockContacts{}, live).Routes()
	req := httptest.NewRequest(http.MethodGet, "/trips/trip-1/live", nil)
	req.Header.Set("Authorization", "Bearer "+jwtFor(t, "guardian"))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "active" {
		t.Fatalf("expected active status, got %v", resp["status"])
	}
	if resp["deviation_meters"] != 42.5 {
		t.Fatalf("expected deviation 42.5, got %v", resp["deviation_meters"])
	}
}

func TestLiveTripNotFound(t *testing.T) {
	mux := newTestServer(&mockTx{}, &mockContacts{}, &mockLive{}).Routes()
	req := httptest.NewRequest(http.MethodGet, "/trips/missing/live", nil)
	req.Header.Set("Authorization", "Bearer "+jwtFor(t, "guardian"))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestContactsLifecycle(t *testing.T) {
	contacts := &mockContacts{deleted: true}
	mux := newTestServer(&mockTx{}, contacts, nil).Routes()

	body := `{"name":"Ana","phone":"+37529000000","relationship":"sister"}`
	req := httptest.NewRequest(http.MethodPost, "/contacts", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+jwtFor(t, "traveler"))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	if len(contacts.created) != 1 || contacts.created[0].UserID != "traveler-1" {
		t.Fatalf("expected contact attributed to token subject, got %+v", contacts.created)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/contacts", nil)
	req2.Header.Set("Authorization", "Bearer "+jwtFor(t, "traveler"))
	rr2 := httptest.NewRecorder()
	mux.ServeHTTP(rr2, req2)
	if rr2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr2.Code)
	}

	req3 := httptest.NewRequest(http.MethodDelete, "/contacts/c-1", nil)
	req3.Header.Set("Authorization", "Bearer "+jwtFor(t, "traveler"))
	rr3 := httptest.NewRecorder()
	mux.ServeHTTP(rr3, req3)
	if rr3.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr3.Code)
	}
}

func TestHealthz(t *testing.T) {
	mux := newTestServer(&mockTx{}, &mockContacts{}, nil).Routes()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	s := NewServer(&mockDB{tx: &mockTx{}, pingErr: errors.New("down")}, &mockContacts{}, &mockTrips{}, nil,
		auth.NewValidator("secret", "safewalk", "safewalk-clients"), testTopics)
	rr2 := httptest.NewRecorder()
	s.Routes().ServeHTTP(rr2, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr2.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr2.Code)
	}
}

func TestInternalErrorOnTxFailure(t *testing.T) {
	s := NewServer(&mockDB{failTx: true}, &mockContacts{}, &mockTrips{owner: "traveler-1"}, nil,
		auth.NewValidator("secret", "safewalk", "safewalk-clients"), testTopics)
	mux := s.Routes()
	body := `{"trip_id":"trip-1","lat":51.5,"lng":-0.12}`
	req := httptest.NewRequest(http.MethodPost, "/location", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+jwtFor(t, "traveler"))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}
