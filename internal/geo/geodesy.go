package geo

import "math"

// earthRadiusMeters is the mean Earth radius used throughout. Great-circle
// math on the sphere is accurate to ~0.5% which is plenty for deviation
// checks against a tolerance of hundreds of meters.
const earthRadiusMeters = 6371000.0

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b Point) float64 {
	phi1 := a.Lat * math.Pi / 180
	phi2 := b.Lat * math.Pi / 180
	dphi := (b.Lat - a.Lat) * math.Pi / 180
	dl := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dphi/2)*math.Sin(dphi/2) + math.Cos(phi1)*math.Cos(phi2)*math.Sin(dl/2)*math.Sin(dl/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// InitialBearing returns the forward azimuth from one point toward another
// in radians. The result stays in (-pi, pi]: CrossTrackDistance consumes the
// signed difference of two bearings, so it must not be normalized to
// [0, 2*pi).
func InitialBearing(from, to Point) float64 {
	phi1 := from.Lat * math.Pi / 180
	phi2 := to.Lat * math.Pi / 180
	dl := (to.Lng - from.Lng) * math.Pi / 180
	y := math.Sin(dl) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dl)
	return math.Atan2(y, x)
}

// CrossTrackDistance returns the perpendicular distance in meters from p to
// the great-circle path through start and end. Always non-negative.
//
// A zero-length segment has no defined bearing, so that case degrades to the
// straight distance between p and the shared endpoint instead of propagating
// NaN out of Asin.
func CrossTrackDistance(p, start, end Point) float64 {
	if start == end {
		return Haversine(start, p)
	}
	delta13 := Haversine(start, p) / earthRadiusMeters
	theta13 := InitialBearing(start, p)
	theta12 := InitialBearing(start, end)
	return math.Abs(math.Asin(math.Sin(delta13)*math.Sin(theta13-theta12)) * earthRadiusMeters)
}

// IsRouteDeviated reports whether p lies further than toleranceMeters from
// the great-circle path between start and end.
func IsRouteDeviated(p, start, end Point, toleranceMeters float64) bool {
	return CrossTrackDistance(p, start, end) > toleranceMeters
}
