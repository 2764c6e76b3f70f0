package renderer

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/sergeycw/windline/internal/geo"
)

const (
	cardWidth        = 260
	cardPadding      = 12
	cardRadius       = 12
	cardOffset       = 16
	cardLineHeight   = 18
	cardTitleSize    = 14
	cardTextSize     = 11
	cardTextPrimary  = "#1F2937"
	cardTextSecond   = "#4B5563"
	cardTextMuted    = "#6B7280"
	cardShadowOffset = 2
)

type legendLine struct {
	Text  string
	Title bool
	Color string
}

func legendLines(in RenderInput) []legendLine {
	s := in.Forecast.Summary
	dist := in.Forecast.WindImpact.Distribution

	conditions := fmt.Sprintf("%s–%s°C  •  %s–%s km/h",
		num(s.TemperatureMin), num(s.TemperatureMax), num(s.WindSpeedMin), num(s.WindSpeedMax))
	if s.WindGustsMax > s.WindSpeedMax {
		conditions += fmt.Sprintf(" (gusts %s)", num(s.WindGustsMax))
	}

	lines := []legendLine{
		{Text: in.Route.Name, Title: true, Color: cardTextPrimary},
		{Text: fmt.Sprintf("%.1f km", float64(in.Route.Distance)/1000), Color: cardTextSecond},
		{Text: fmt.Sprintf("%s %d:00", formatDate(in.Forecast.Date), in.Forecast.StartHour), Color: cardTextSecond},
		{Text: conditions, Color: cardTextSecond},
	}
	if s.PrecipitationProbabilityMax > 0 {
		lines = append(lines, legendLine{Text: "Precip: " + num(s.PrecipitationProbabilityMax) + "%", Color: cardTextSecond})
	}
	lines = append(lines, legendLine{
		Text:  fmt.Sprintf("↑%d%%  ↓%d%%  ↔%d%%", dist.HeadwindPercent, dist.TailwindPercent, dist.CrosswindPercent),
		Color: cardTextMuted,
	})
	return lines
}

func cardHeight(lines int) float64 {
	return float64(lines*cardLineHeight + cardPadding*2)
}

func formatDate(date string) string {
	d, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return date
	}
	return d.Format("Mon, Jan 2")
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

type corner int

const (
	topLeft corner = iota
	topRight
	bottomLeft
	bottomRight
)

// leastDenseCorner counts route points per quadrant of the route's bounding
// box and returns the emptiest one. Ties go to the earlier corner.
func leastDenseCorner(points []geo.Point) corner {
	if len(points) == 0 {
		return topLeft
	}
	minLat, maxLat := math.Inf(1), math.Inf(-1)
	minLon, maxLon := math.Inf(1), math.Inf(-1)
	for _, p := range points {
		minLat, maxLat = min(minLat, p.Lat), max(maxLat, p.Lat)
		minLon, maxLon = min(minLon, p.Lon), max(maxLon, p.Lon)
	}
	latRange, lonRange := maxLat-minLat, maxLon-minLon
	if latRange == 0 || lonRange == 0 {
		return topLeft
	}

	var density [4]int
	for _, p := range points {
		left := (p.Lon-minLon)/lonRange < 0.5
		top := (maxLat-p.Lat)/latRange < 0.5
		switch {
		case top && left:
			density[topLeft]++
		case top:
			density[topRight]++
		case left:
			density[bottomLeft]++
		default:
			density[bottomRight]++
		}
	}

	best := topLeft
	for c := topRight; c <= bottomRight; c++ {
		if density[c] < density[best] {
			best = c
		}
	}
	return best
}

// cardOrigin returns the top-left pixel of a card of height h in corner c.
func cardOrigin(c corner, width, height int, h float64) (float64, float64) {
	right := float64(width) - cardWidth - cardOffset
	bottom := float64(height) - h - cardOffset
	switch c {
	case topRight:
		return right, cardOffset
	case bottomLeft:
		return cardOffset, bottom
	case bottomRight:
		return right, bottom
	default:
		return cardOffset, cardOffset
	}
}
