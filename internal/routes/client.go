// Package routes fetches road-network distance, duration and geometry from
// the external directions API. The great-circle math in internal/geo is only
// a local approximation; results from this package are authoritative when a
// fetch succeeds.
package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"safewalk/internal/geo"
	"safewalk/internal/polyline"
)

// ErrRouteUnavailable is the single outcome for every fetch failure:
// network error, timeout, non-2xx status, empty route list, unexpected
// response shape. Callers degrade to "unavailable" display state and must
// never crash on it.
var ErrRouteUnavailable = errors.New("route unavailable")

// Result is the parsed outcome of one directions fetch. Most recent fetch
// wins; nothing here is persisted beyond the active trip.
type Result struct {
	DistanceMeters    float64     `json:"distance_meters"`
	DurationSeconds   int         `json:"duration_seconds"`
	FormattedDistance string      `json:"formatted_distance"`
	FormattedDuration string      `json:"formatted_duration"`
	Polyline          []geo.Point `json:"polyline"`
}

// Fetcher is implemented by Client and CachedClient.
type Fetcher interface {
	FetchRoute(ctx context.Context, origin, destination geo.Point) (Result, error)
}

const fieldMask = "routes.distanceMeters,routes.duration,routes.polyline.encodedPolyline,routes.legs,routes.routeLabels"

type Client struct {
	endpoint   string
	apiKey     string
	travelMode string
	httpClient *http.Client
}

func NewClient(endpoint, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		travelMode: "DRIVE",
		httpClient: &http.Client{Timeout: timeout},
	}
}

type latLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type waypoint struct {
	Location struct {
		LatLng latLng `json:"latLng"`
	} `json:"location"`
}

type computeRequest struct {
	Origin            waypoint `json:"origin"`
	Destination       waypoint `json:"destination"`
	TravelMode        string   `json:"travelMode"`
	RoutingPreference string   `json:"routingPreference"`
}

type computeResponse struct {
	Routes []struct {
		DistanceMeters float64 `json:"distanceMeters"`
		Duration       string  `json:"duration"`
		Polyline       struct {
			EncodedPolyline string `json:"encodedPolyline"`
		} `json:"polyline"`
	} `json:"routes"`
}

// FetchRoute issues one POST to the directions API. No retries: the trip
// monitor re-fetches on its own schedule and a stale success is worse than
// a fast failure here.
func (c *Client) FetchRoute(ctx context.Context, origin, destination geo.Point) (Result, error) {
	if err := origin.Validate(); err != nil {
		return Result{}, err
	}
	if err := destination.Validate(); err != nil {
		return Result{}, err
	}

	var reqBody computeRequest
	reqBody.Origin.Location.LatLng = latLng{Latitude: origin.Lat, Longitude: origin.Lng}
	reqBody.Destination.Location.LatLng = latLng{Latitude: destination.Lat, Longitude: destination.Lng}
	reqBody.TravelMode = c.travelMode
	reqBody.RoutingPreference = "TRAFFIC_AWARE"
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, ErrRouteUnavailable
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"?key="+url.QueryEscape(c.apiKey), bytes.NewReader(payload))
	if err != nil {
		return Result{}, ErrRouteUnavailable
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Goog-FieldMask", fieldMask)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Warn("route fetch failed", "error", err)
		return Result{}, ErrRouteUnavailable
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Warn("route fetch returned non-2xx", "status", resp.StatusCode)
		return Result{}, ErrRouteUnavailable
	}

	var parsed computeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		slog.Warn("route response parse failed", "error", err)
		return Result{}, ErrRouteUnavailable
	}
	if len(parsed.Routes) == 0 {
		slog.Warn("route response contained no routes")
		return Result{}, ErrRouteUnavailable
	}

	route := parsed.Routes[0]
	secs := ParseDurationSeconds(route.Duration)
	return Result{
		DistanceMeters:    route.DistanceMeters,
		DurationSeconds:   secs,
		FormattedDistance: FormatDistance(route.DistanceMeters),
		FormattedDuration: FormatDuration(secs),
		Polyline:          polyline.Decode(route.Polyline.EncodedPolyline),
	}, nil
}
