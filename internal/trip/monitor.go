// Package trip holds the per-trip monitoring state machine. A Monitor owns
// all mutable trip state; position samples and route-fetch results from any
// goroutine are serialized through its mutex.
package trip

import (
	"context"
	"errors"
	"sync"

	"safewalk/internal/geo"
	"safewalk/internal/routes"

	"github.com/google/uuid"
)

// Status of a monitored trip. Deviation is an advisory signal emitted while
// the trip stays Active, not a status of its own.
type Status int

const (
	StatusIdle Status = iota
	StatusActive
	StatusCompleted
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// DefaultToleranceMeters is the deviation tolerance used when config does
// not override it.
const DefaultToleranceMeters = 500.0

var (
	ErrNotActive     = errors.New("no active trip")
	ErrAlreadyActive = errors.New("trip already active")
	ErrErrored       = errors.New("monitor in error state, reset required")
)

// Route is the planned journey. Immutable once set; a fresh directions fetch
// supersedes the Eta, never mutates the route itself.
type Route struct {
	Start    geo.Point
	End      geo.Point
	Polyline []geo.Point
}

// DeviationResult is recomputed on every position sample and never persisted
// by this package.
type DeviationResult struct {
	CrossTrackMeters float64
	IsDeviated       bool
}

// State is a point-in-time copy of the monitor for readers.
type State struct {
	Status              Status
	Token               string
	Route               *Route
	LastKnownPosition   *geo.Point
	LastDeviationMeters *float64
	RouteEta            *routes.Result
	Err                 error
}

// Notifier receives advisory deviation signals. Implementations must not
// call back into the Monitor.
type Notifier interface {
	RouteDeviated(token string, pos geo.Point, crossTrackMeters float64)
}

type Monitor struct {
	mu        sync.Mutex
	tolerance float64
	notifier  Notifier

	status        Status
	token         string
	route         Route
	lastPos       *geo.Point
	lastDeviation *float64
	eta           *routes.Result
	err           error

	fetchCtx    context.Context
	cancelFetch context.CancelFunc
}

func NewMonitor(toleranceMeters float64, notifier Notifier) *Monitor {
	if toleranceMeters <= 0 {
		toleranceMeters = DefaultToleranceMeters
	}
	return &Monitor{tolerance: toleranceMeters, notifier: notifier}
}

// StartTrip transitions to Active and issues a fresh trip token. The
// returned context is canceled when this trip ends, so route fetches tied
// to the trip die with it. Starting over a still-active trip replaces it
// and cancels its in-flight fetches.
func (m *Monitor) StartTrip(route Route) (string, context.Context, error) {
	if err := route.Start.Validate(); err != nil {
		return "", nil, err
	}
	if err := route.End.Validate(); err != nil {
		return "", nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == StatusError {
		return "", nil, ErrErrored
	}
	if m.cancelFetch != nil {
		m.cancelFetch()
	}
	m.status = StatusActive
	m.token = uuid.NewString()
	m.route = route
	m.lastPos = nil
	m.lastDeviation = nil
	m.eta = nil
	m.err = nil
	m.fetchCtx, m.cancelFetch = context.WithCancel(context.Background())
	return m.token, m.fetchCtx, nil
}

// OnPositionSample records the traveler's position and evaluates cross-track
// deviation against the planned route. Samples are applied in arrival order,
// last writer wins. Returns false when the sample was ignored (trip not
// active, or coordinates out of range).
func (m *Monitor) OnPositionSample(p geo.Point) (DeviationResult, bool) {
	if p.Validate() != nil {
		return DeviationResult{}, false
	}
	m.mu.Lock()
	if m.status != StatusActive {
		m.mu.Unlock()
		return DeviationResult{}, false
	}
	cross := geo.CrossTrackDistance(p, m.route.Start, m.route.End)
	res := DeviationResult{CrossTrackMeters: cross, IsDeviated: cross > m.tolerance}
	pos := p
	m.lastPos = &pos
	m.lastDeviation = &cross
	token := m.token
	notifier := m.notifier
	m.mu.Unlock()

	// Deviation is advisory: the trip stays Active and keeps monitoring.
	if res.IsDeviated && notifier != nil {
		notifier.RouteDeviated(token, p, cross)
	}
	return res, true
}

// ApplyRouteFetch installs a directions result for the trip identified by
// token. A result from a superseded trip is silently dropped.
func (m *Monitor) ApplyRouteFetch(token string, res routes.Result) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusActive || token != m.token {
		return false
	}
	m.eta = &res
	return true
}

// CompleteTrip clears route and position and cancels in-flight fetches.
func (m *Monitor) CompleteTrip() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusActive {
		return ErrNotActive
	}
	if m.cancelFetch != nil {
		m.cancelFetch()
		m.cancelFetch = nil
	}
	m.status = StatusCompleted
	m.route = Route{}
	m.lastPos = nil
	m.lastDeviation = nil
	m.eta = nil
	return nil
}

// Fail moves the monitor to Error from any state. Only Reset leaves Error.
func (m *Monitor) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelFetch != nil {
		m.cancelFetch()
		m.cancelFetch = nil
	}
	m.status = StatusError
	m.err = err
}

// Reset returns to Idle, dropping all trip state.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelFetch != nil {
		m.cancelFetch()
		m.cancelFetch = nil
	}
	m.status = StatusIdle
	m.token = ""
	m.route = Route{}
	m.lastPos = nil
	m.lastDeviation = nil
	m.eta = nil
	m.err = nil
}

// Snapshot returns a copy of the current state.
func (m *Monitor) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := State{
		Status: m.status,
		Token:  m.token,
		Err:    m.err,
	}
	if m.status == StatusActive {
		r := m.route
		s.Route = &r
	}
	if m.lastPos != nil {
		p := *m.lastPos
		s.LastKnownPosition = &p
	}
	if m.lastDeviation != nil {
		d := *m.lastDeviation
		s.LastDeviationMeters = &d
	}
	if m.eta != nil {
		e := *m.eta
		s.RouteEta = &e
	}
	return s
}
