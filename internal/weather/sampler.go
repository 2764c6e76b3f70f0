package weather

import (
	"github.com/sergeycw/windline/internal/geo"
)

type sampledPoint struct {
	geo.Point
	fromStart float64 // meters along the route
}

// walk picks the first point, then a point every samplingDistance meters of
// accumulated route length, then the last point if it was not already picked.
func walk(points []geo.Point, samplingDistance float64) []sampledPoint {
	if len(points) == 0 {
		return nil
	}
	if samplingDistance <= 0 {
		samplingDistance = SamplingDistance
	}

	out := []sampledPoint{{Point: points[0]}}
	var acc, total float64
	lastPicked := 0
	for i := 1; i < len(points); i++ {
		d := geo.Distance(points[i-1], points[i])
		acc += d
		total += d
		if acc >= samplingDistance {
			out = append(out, sampledPoint{Point: points[i], fromStart: total})
			lastPicked = i
			acc = 0
		}
	}
	if last := len(points) - 1; lastPicked != last {
		out = append(out, sampledPoint{Point: points[last], fromStart: total})
	}
	return out
}

// SampleRoute returns the weather query points for a route, one per grid cell,
// in route order. The start and end cells are always included.
func SampleRoute(points []geo.Point, samplingDistance float64) []Coordinates {
	seen := make(map[string]struct{})
	var out []Coordinates
	for _, p := range walk(points, samplingDistance) {
		c := Coordinates{Lat: p.Lat, Lon: p.Lon}
		if _, ok := seen[c.Key()]; ok {
			continue
		}
		seen[c.Key()] = struct{}{}
		out = append(out, c)
	}
	return out
}

// SampleRouteWithTime is SampleRoute with the rider's ETA attached to each cell.
// The average speed is totalDistance / estimatedHours; a revisited cell keeps
// the earliest arrival.
func SampleRouteWithTime(points []geo.Point, totalDistance, estimatedHours, samplingDistance float64) []TimedCoordinate {
	var speed float64 // meters per hour
	if totalDistance > 0 && estimatedHours > 0 {
		speed = totalDistance / estimatedHours
	}

	seen := make(map[string]struct{})
	var out []TimedCoordinate
	for _, p := range walk(points, samplingDistance) {
		c := Coordinates{Lat: p.Lat, Lon: p.Lon}
		if _, ok := seen[c.Key()]; ok {
			continue
		}
		seen[c.Key()] = struct{}{}

		var offset float64
		if speed > 0 {
			offset = p.fromStart / speed
		}
		out = append(out, TimedCoordinate{Coordinates: c, HourOffset: offset})
	}
	return out
}
