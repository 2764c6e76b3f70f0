package gpx

import (
	"math"

	"github.com/twpayne/go-geom/xy"
	"github.com/twpayne/go-polyline"

	"github.com/sergeycw/windline/internal/apperrors"
	"github.com/sergeycw/windline/internal/geo"
)

// RenderOptions control the geometry stored for map rendering.
type RenderOptions struct {
	Tolerance        float64 // Douglas-Peucker tolerance in meters
	MaxPoints        int     // upper bound on the simplified point count
	FallbackSampling float64 // meters between points when MaxPoints is exceeded
}

var DefaultRenderOptions = RenderOptions{Tolerance: 7, MaxPoints: 300, FallbackSampling: 500}

const (
	metersPerDegLat = 110540.0
	metersPerDegLon = 111320.0
)

// SimplifyForRender keeps the shape of the route within Tolerance meters.
// If more than MaxPoints survive, the original points are downsampled by distance instead.
func SimplifyForRender(points []geo.Point, opts RenderOptions) []geo.Point {
	if len(points) < 3 {
		out := make([]geo.Point, len(points))
		copy(out, points)
		return out
	}

	flat := newPlanar(points).flat(points)
	idx := xy.SimplifyFlatCoords(flat, opts.Tolerance, 2)

	if opts.MaxPoints > 0 && len(idx) > opts.MaxPoints {
		return downsample(points, opts.FallbackSampling)
	}

	out := make([]geo.Point, 0, len(idx))
	for _, i := range idx {
		out = append(out, points[i])
	}
	return out
}

// RenderPolyline simplifies points and encodes them as a precision-5 polyline.
func RenderPolyline(points []geo.Point, opts RenderOptions) string {
	return EncodePolyline(SimplifyForRender(points, opts))
}

// EncodePolyline encodes [lat, lon] pairs.
func EncodePolyline(points []geo.Point) string {
	coords := make([][]float64, 0, len(points))
	for _, p := range points {
		coords = append(coords, []float64{p.Lat, p.Lon})
	}
	return string(polyline.EncodeCoords(coords))
}

// DecodePolyline is the inverse of EncodePolyline.
func DecodePolyline(s string) ([]geo.Point, error) {
	coords, _, err := polyline.DecodeCoords([]byte(s))
	if err != nil {
		return nil, apperrors.Parse("gpx.DecodePolyline", "invalid polyline", err)
	}
	out := make([]geo.Point, 0, len(coords))
	for _, c := range coords {
		out = append(out, geo.Point{Lat: c[0], Lon: c[1]})
	}
	return out, nil
}

// planar is a local equirectangular projection in meters, anchored at the
// first point and scaled at the route's mid latitude.
type planar struct {
	originLat, originLon float64
	kx                   float64
}

func newPlanar(points []geo.Point) planar {
	minLat, maxLat := points[0].Lat, points[0].Lat
	for _, p := range points[1:] {
		minLat = math.Min(minLat, p.Lat)
		maxLat = math.Max(maxLat, p.Lat)
	}
	return planar{
		originLat: points[0].Lat,
		originLon: points[0].Lon,
		kx:        metersPerDegLon * math.Cos((minLat+maxLat)/2*math.Pi/180),
	}
}

func (pl planar) project(p geo.Point) (float64, float64) {
	return (p.Lon - pl.originLon) * pl.kx, (p.Lat - pl.originLat) * metersPerDegLat
}

func (pl planar) flat(points []geo.Point) []float64 {
	flat := make([]float64, 0, 2*len(points))
	for _, p := range points {
		x, y := pl.project(p)
		flat = append(flat, x, y)
	}
	return flat
}

func downsample(points []geo.Point, step float64) []geo.Point {
	if step <= 0 {
		step = DefaultRenderOptions.FallbackSampling
	}
	out := []geo.Point{points[0]}
	var acc float64
	last := len(points) - 1
	for i := 1; i < last; i++ {
		acc += geo.Distance(points[i-1], points[i])
		if acc >= step {
			out = append(out, points[i])
			acc = 0
		}
	}
	return append(out, points[last])
}
