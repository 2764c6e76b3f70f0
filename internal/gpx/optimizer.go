package gpx

import (
	"math"

	"github.com/sergeycw/windline/internal/geo"
)

// OptimizeOptions control storage downsampling.
type OptimizeOptions struct {
	SamplingDistance float64 // meters between emitted points
	Precision        int     // decimals kept on lat/lon
}

// DefaultOptimizeOptions keeps one point every 2 km at ~1 m precision.
var DefaultOptimizeOptions = OptimizeOptions{SamplingDistance: 2000, Precision: 5}

// Optimize reduces points for storage. The first and last points are always kept,
// coordinates are rounded and bearings recomputed on the result.
func Optimize(points []geo.Point, opts OptimizeOptions) []geo.Point {
	if len(points) == 0 {
		return nil
	}
	if opts.SamplingDistance <= 0 {
		opts.SamplingDistance = DefaultOptimizeOptions.SamplingDistance
	}

	out := []geo.Point{roundPoint(points[0], opts.Precision)}
	var acc float64
	lastEmitted := 0
	for i := 1; i < len(points); i++ {
		acc += geo.Distance(points[i-1], points[i])
		if acc >= opts.SamplingDistance {
			out = append(out, roundPoint(points[i], opts.Precision))
			lastEmitted = i
			acc = 0
		}
	}
	if last := len(points) - 1; last > 0 && lastEmitted != last {
		out = append(out, roundPoint(points[last], opts.Precision))
	}

	return geo.WithBearings(out)
}

func roundPoint(p geo.Point, precision int) geo.Point {
	out := geo.Point{
		Lat:  geo.Round(p.Lat, precision),
		Lon:  geo.Round(p.Lon, precision),
		Time: p.Time,
	}
	if p.Ele != nil {
		out.Ele = geo.Float(math.Round(*p.Ele))
	}
	return out
}
