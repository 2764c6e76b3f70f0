package gpx

import (
	"math"

	"github.com/sergeycw/windline/internal/geo"
)

// TimeEstimate is the expected riding time for a route.
type TimeEstimate struct {
	EstimatedTimeHours float64
	AdjustedSpeedKmh   float64
	ElevationGain      int
}

// EstimateRouteTime picks a base speed from the route length and slows it down
// for hilly routes.
func EstimateRouteTime(distanceMeters float64, points []geo.Point) TimeEstimate {
	km := distanceMeters / 1000
	gain := geo.ElevationGain(points)

	speed := baseSpeed(km) * climbMultiplier(gain)

	return TimeEstimate{
		EstimatedTimeHours: geo.Round(km/speed, 1),
		AdjustedSpeedKmh:   speed,
		ElevationGain:      int(math.Round(gain)),
	}
}

func baseSpeed(km float64) float64 {
	switch {
	case km > 50:
		return 20
	case km >= 20:
		return 16
	default:
		return 12
	}
}

func climbMultiplier(gain float64) float64 {
	switch {
	case gain > 2000:
		return 0.65
	case gain > 1000:
		return 0.8
	default:
		return 1
	}
}
