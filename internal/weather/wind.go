package weather

import (
	"math"

	"github.com/sergeycw/windline/internal/geo"
)

// SegmentWind is the wind relative to the direction of travel on one segment.
type SegmentWind struct {
	HeadComponent  float64 // positive against the rider
	CrossComponent float64 // always >= 0
	IsHeadwind     bool
}

// WindSegment is a travel bearing paired with the wind on that stretch.
type WindSegment struct {
	Bearing       float64
	WindDirection float64 // from
	WindSpeed     float64
}

// ClassifyWind splits windSpeed into components along and across bearing.
// Wind from the direction of travel is a headwind.
func ClassifyWind(bearing, windFrom, windSpeed float64) SegmentWind {
	rel := (windFrom - bearing) * math.Pi / 180
	head := windSpeed * math.Cos(rel)
	return SegmentWind{
		HeadComponent:  head,
		CrossComponent: math.Abs(windSpeed * math.Sin(rel)),
		IsHeadwind:     head > 0,
	}
}

// CalculateWindImpact averages wind components over all segments.
func CalculateWindImpact(segments []WindSegment) WindImpact {
	if len(segments) == 0 {
		return WindImpact{}
	}

	var (
		headSum, tailSum, crossSum float64
		headCount, crossDominant   int
	)
	for _, s := range segments {
		w := ClassifyWind(s.Bearing, s.WindDirection, s.WindSpeed)
		crossSum += w.CrossComponent
		if w.IsHeadwind {
			headSum += w.HeadComponent
			headCount++
		} else {
			tailSum += math.Abs(w.HeadComponent)
		}
		if w.CrossComponent > math.Abs(w.HeadComponent) {
			crossDominant++
		}
	}

	n := len(segments)
	tailCount := n - headCount
	impact := WindImpact{Crosswind: geo.Round(crossSum/float64(n), 1)}
	if headCount > 0 {
		impact.Headwind = geo.Round(headSum/float64(headCount), 1)
	}
	if tailCount > 0 {
		impact.Tailwind = geo.Round(tailSum/float64(tailCount), 1)
	}

	headPercent := percent(headCount, n)
	impact.Distribution = WindDistribution{
		HeadwindPercent:  headPercent,
		TailwindPercent:  100 - headPercent,
		CrosswindPercent: percent(crossDominant, n),
	}
	return impact
}

func percent(part, total int) int {
	return int(math.Round(100 * float64(part) / float64(total)))
}

// BuildWindSegments pairs every point that has a bearing with the forecast of
// the nearest sampled cell. Cells missing from forecasts are skipped.
func BuildWindSegments(points []geo.Point, samples []TimedCoordinate, forecasts TimedForecasts) []WindSegment {
	if len(samples) == 0 || len(forecasts) == 0 {
		return nil
	}

	var segments []WindSegment
	for _, p := range points {
		if p.Bearing == nil {
			continue
		}
		nearest := NearestCell(p.Lat, p.Lon, samples)
		f, ok := forecasts[nearest.Key()]
		if !ok {
			continue
		}
		segments = append(segments, WindSegment{
			Bearing:       *p.Bearing,
			WindDirection: f.WindDirection,
			WindSpeed:     f.WindSpeed,
		})
	}
	return segments
}

// NearestCell returns the sample closest to lat/lon by squared planar distance.
// samples must not be empty.
func NearestCell(lat, lon float64, samples []TimedCoordinate) Coordinates {
	best := samples[0].Coordinates
	bestDist := math.Inf(1)
	for _, s := range samples {
		dLat, dLon := s.Lat-lat, s.Lon-lon
		if d := dLat*dLat + dLon*dLon; d < bestDist {
			best, bestDist = s.Coordinates, d
		}
	}
	return best
}

// BuildWindMarkers returns the wind at every sampled cell that has a forecast.
func BuildWindMarkers(samples []TimedCoordinate, forecasts TimedForecasts) []WindMarker {
	markers := make([]WindMarker, 0, len(samples))
	for _, s := range samples {
		f, ok := forecasts[s.Key()]
		if !ok {
			continue
		}
		markers = append(markers, WindMarker{
			Lat:           s.Lat,
			Lon:           s.Lon,
			WindDirection: f.WindDirection,
			WindSpeed:     f.WindSpeed,
		})
	}
	return markers
}
