// Package gpx turns uploaded GPX tracks into routes and derives the
// reduced geometries used for storage, rendering and time estimation.
package gpx

import (
	"bytes"
	"math"

	"github.com/tkrajina/gpxgo/gpx"

	"github.com/sergeycw/windline/internal/apperrors"
	"github.com/sergeycw/windline/internal/geo"
)

// DefaultRouteName is used when neither the GPX nor the upload carries a name.
const DefaultRouteName = "Unnamed Route"

// ParsedRoute is the result of parsing a GPX document.
type ParsedRoute struct {
	Name     string
	Points   []geo.Point
	Distance int // meters
}

// Parse reads every track point of a GPX document, in document order.
// Route points (<rte>) are used when the document has no tracks.
func Parse(content []byte) (*ParsedRoute, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, apperrors.Parse("gpx.Parse", "empty GPX content", nil)
	}

	doc, err := gpx.ParseBytes(content)
	if err != nil {
		return nil, apperrors.Parse("gpx.Parse", "invalid GPX", err)
	}

	var (
		name   string
		points []geo.Point
	)
	for _, track := range doc.Tracks {
		if name == "" && track.Name != "" {
			name = track.Name
		}
		for _, segment := range track.Segments {
			for _, p := range segment.Points {
				points = append(points, toPoint(p))
			}
		}
	}
	if len(points) == 0 {
		for _, rte := range doc.Routes {
			if name == "" && rte.Name != "" {
				name = rte.Name
			}
			for _, p := range rte.Points {
				points = append(points, toPoint(p))
			}
		}
	}

	if len(points) == 0 {
		return nil, apperrors.Parse("gpx.Parse", "no track points found in GPX", nil)
	}
	if name == "" {
		name = doc.Name
	}
	if name == "" {
		name = DefaultRouteName
	}

	return &ParsedRoute{
		Name:     name,
		Points:   points,
		Distance: int(math.Round(geo.TotalDistance(points))),
	}, nil
}

func toPoint(p gpx.GPXPoint) geo.Point {
	pt := geo.Point{Lat: p.Latitude, Lon: p.Longitude}
	if p.Elevation.NotNull() {
		pt.Ele = geo.Float(p.Elevation.Value())
	}
	if !p.Timestamp.IsZero() {
		ts := p.Timestamp
		pt.Time = &ts
	}
	return pt
}
