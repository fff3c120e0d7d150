// Package polyline implements Google's encoded polyline algorithm at the
// standard 5-decimal precision used by the directions API.
package polyline

import (
	"math"

	"safewalk/internal/geo"
)

// Decode converts an encoded polyline into an ordered sequence of points.
// Malformed trailing bytes truncate the result rather than erroring; the
// directions API is the only producer and sends well-formed strings.
func Decode(encoded string) []geo.Point {
	if encoded == "" {
		return nil
	}
	var points []geo.Point
	index, lat, lng := 0, 0, 0
	for index < len(encoded) {
		dLat, next := decodeChunk(encoded, index)
		index = next
		lat += dLat

		// A latitude chunk without its longitude partner means the string
		// was cut mid-point; drop the orphan rather than inventing a zero
		// longitude delta.
		if index >= len(encoded) {
			break
		}
		dLng, next := decodeChunk(encoded, index)
		index = next
		lng += dLng

		points = append(points, geo.Point{
			Lat: float64(lat) / 1e5,
			Lng: float64(lng) / 1e5,
		})
	}
	return points
}

func decodeChunk(encoded string, index int) (int, int) {
	shift, result := 0, 0
	for index < len(encoded) {
		b := int(encoded[index]) - 63
		index++
		result |= (b & 0x1f) << shift
		shift += 5
		if b < 0x20 {
			break
		}
	}
	if result&1 != 0 {
		return ^(result >> 1), index
	}
	return result >> 1, index
}

// Encode converts points into an encoded polyline string.
func Encode(points []geo.Point) string {
	if len(points) == 0 {
		return ""
	}
	buf := make([]byte, 0, len(points)*4)
	prevLat, prevLng := 0, 0
	for _, p := range points {
		lat := int(math.Round(p.Lat * 1e5))
		lng := int(math.Round(p.Lng * 1e5))
		buf = encodeChunk(buf, lat-prevLat)
		buf = encodeChunk(buf, lng-prevLng)
		prevLat, prevLng = lat, lng
	}
	return string(buf)
}

func encodeChunk(buf []byte, value int) []byte {
	if value < 0 {
		value = ^(value << 1)
	} else {
		value <<= 1
	}
	for value >= 0x20 {
		buf = append(buf, byte((value&0x1f)|0x20)+63)
		value >>= 5
	}
	return append(buf, byte(value)+63)
}

// Length returns the total polyline length in meters.
func Length(points []geo.Point) float64 {
	var total float64
	for i := 1; i < len(points); i++ {
		total += geo.Haversine(points[i-1], points[i])
	}
	return total
}
