package weather

import (
	"math"

	"github.com/sergeycw/windline/internal/geo"
)

// Summarize aggregates every hour of every cell. PrecipitationTotal is the
// per-cell sum over the window, averaged across cells. Returns nil when there
// is no data at all.
func Summarize(forecasts Forecasts) *ForecastSummary {
	var (
		s         ForecastSummary
		hours     int
		cells     int
		precipSum float64
	)
	s.TemperatureMin, s.WindSpeedMin = math.Inf(1), math.Inf(1)
	s.TemperatureMax, s.WindSpeedMax = math.Inf(-1), math.Inf(-1)

	for _, hourly := range forecasts {
		if len(hourly) == 0 {
			continue
		}
		cells++
		for _, h := range hourly {
			hours++
			s.TemperatureMin = math.Min(s.TemperatureMin, h.Temperature)
			s.TemperatureMax = math.Max(s.TemperatureMax, h.Temperature)
			s.WindSpeedMin = math.Min(s.WindSpeedMin, h.WindSpeed)
			s.WindSpeedMax = math.Max(s.WindSpeedMax, h.WindSpeed)
			s.WindGustsMax = math.Max(s.WindGustsMax, h.WindGusts)
			s.PrecipitationProbabilityMax = math.Max(s.PrecipitationProbabilityMax, h.PrecipitationProbability)
			precipSum += h.Precipitation
		}
	}
	if hours == 0 {
		return nil
	}

	return &ForecastSummary{
		TemperatureMin:              geo.Round(s.TemperatureMin, 1),
		TemperatureMax:              geo.Round(s.TemperatureMax, 1),
		WindSpeedMin:                geo.Round(s.WindSpeedMin, 1),
		WindSpeedMax:                geo.Round(s.WindSpeedMax, 1),
		WindGustsMax:                geo.Round(s.WindGustsMax, 1),
		PrecipitationProbabilityMax: geo.Round(s.PrecipitationProbabilityMax, 1),
		PrecipitationTotal:          geo.Round(precipSum/float64(cells), 1),
	}
}
