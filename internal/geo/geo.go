// Package geo holds the spherical math used across route processing:
// great-circle distance, initial bearing and cumulative elevation gain.
package geo

import (
	"math"
	"time"
)

// EarthRadius is the mean earth radius in meters used by Distance.
const EarthRadius = 6371000

// Point is a single position of a route.
type Point struct {
	Lat     float64    `json:"lat"`
	Lon     float64    `json:"lon"`
	Ele     *float64   `json:"ele,omitempty"`
	Time    *time.Time `json:"time,omitempty"`
	Bearing *float64   `json:"bearing,omitempty"`
}

// Distance returns the haversine distance in meters between a and b.
func Distance(a, b Point) float64 {
	dLat := toRadians(b.Lat - a.Lat)
	dLon := toRadians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(a.Lat))*math.Cos(toRadians(b.Lat))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadius * c
}

// Bearing calculates the initial bearing from one point to another in degrees [0, 360).
func Bearing(from, to Point) float64 {
	lat1 := toRadians(from.Lat)
	lat2 := toRadians(to.Lat)
	deltaLon := toRadians(to.Lon - from.Lon)

	y := math.Sin(deltaLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) -
		math.Sin(lat1)*math.Cos(lat2)*math.Cos(deltaLon)

	b := math.Mod(toDegrees(math.Atan2(y, x))+360, 360)
	if b >= 360 {
		b = 0
	}
	return b
}

// TotalDistance sums the distance between consecutive points.
func TotalDistance(points []Point) float64 {
	var total float64
	for i := 1; i < len(points); i++ {
		total += Distance(points[i-1], points[i])
	}
	return total
}

// ElevationGain sums positive elevation deltas between consecutive points.
// A pair where either point lacks elevation contributes nothing.
func ElevationGain(points []Point) float64 {
	var gain float64
	for i := 1; i < len(points); i++ {
		prev, curr := points[i-1].Ele, points[i].Ele
		if prev == nil || curr == nil {
			continue
		}
		if d := *curr - *prev; d > 0 {
			gain += d
		}
	}
	return gain
}

// WithBearings returns a copy of points where every point except the last
// carries the bearing towards its successor.
func WithBearings(points []Point) []Point {
	out := make([]Point, len(points))
	copy(out, points)
	for i := range out {
		out[i].Bearing = nil
		if i < len(out)-1 {
			b := Bearing(out[i], out[i+1])
			out[i].Bearing = &b
		}
	}
	return out
}

// Round rounds v half away from zero to the given number of decimals.
func Round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

func toDegrees(rad float64) float64 {
	return rad * 180 / math.Pi
}
