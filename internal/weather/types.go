// Package weather samples routes into forecast cells, talks to the forecast
// backend and derives summaries and wind impact from hourly data.
package weather

import (
	"strconv"
	"time"
)

const (
	// SamplingDistance is the spacing between weather query points in meters.
	SamplingDistance = 10000
	// CoordPrecision is the number of decimals in a grid key (~1.1 km cells).
	CoordPrecision = 2
	// MaxForecastDays is how far ahead forecasts can be requested.
	MaxForecastDays = 16
)

// Coordinates is a plain lat/lon pair.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Key returns the grid key of c.
func (c Coordinates) Key() string {
	return GridKey(c.Lat, c.Lon)
}

// GridKey formats lat and lon with CoordPrecision decimals, comma separated.
// Every forecast mapping is indexed by this key.
func GridKey(lat, lon float64) string {
	return strconv.FormatFloat(lat, 'f', CoordPrecision, 64) + "," +
		strconv.FormatFloat(lon, 'f', CoordPrecision, 64)
}

// TimedCoordinate is a sampled point with the expected hours after the start
// at which the rider reaches it.
type TimedCoordinate struct {
	Coordinates
	HourOffset float64 `json:"hourOffset"`
}

// HourlyForecast is one hour of forecast for one cell. WindDirection is the
// direction the wind blows from, in degrees.
type HourlyForecast struct {
	Time                     time.Time `json:"time"`
	Temperature              float64   `json:"temperature"`
	ApparentTemperature      float64   `json:"apparentTemperature"`
	Precipitation            float64   `json:"precipitation"`
	PrecipitationProbability float64   `json:"precipitationProbability"`
	WindSpeed                float64   `json:"windSpeed"`
	WindDirection            float64   `json:"windDirection"`
	WindGusts                float64   `json:"windGusts"`
	WeatherCode              int       `json:"weatherCode"`
}

// ForecastSummary aggregates all cells across the requested hour window.
type ForecastSummary struct {
	TemperatureMin              float64 `json:"temperatureMin"`
	TemperatureMax              float64 `json:"temperatureMax"`
	WindSpeedMin                float64 `json:"windSpeedMin"`
	WindSpeedMax                float64 `json:"windSpeedMax"`
	WindGustsMax                float64 `json:"windGustsMax"`
	PrecipitationProbabilityMax float64 `json:"precipitationProbabilityMax"`
	PrecipitationTotal          float64 `json:"precipitationTotal"`
}

// WindDistribution holds integer percentages of segments per category.
// Headwind and tailwind partition the segments; crosswind overlaps them.
type WindDistribution struct {
	HeadwindPercent  int `json:"headwindPercent"`
	TailwindPercent  int `json:"tailwindPercent"`
	CrosswindPercent int `json:"crosswindPercent"`
}

// WindImpact holds average wind components in the forecast's wind speed unit.
type WindImpact struct {
	Headwind     float64          `json:"headwind"`
	Tailwind     float64          `json:"tailwind"`
	Crosswind    float64          `json:"crosswind"`
	Distribution WindDistribution `json:"distribution"`
}

// WindMarker is the wind at one sampled cell at the rider's ETA.
type WindMarker struct {
	Lat           float64 `json:"lat"`
	Lon           float64 `json:"lon"`
	WindDirection float64 `json:"windDirection"`
	WindSpeed     float64 `json:"windSpeed"`
}

// ForecastQuery asks for a fixed hour window at each coordinate.
type ForecastQuery struct {
	Coordinates   []Coordinates
	Date          time.Time
	StartHour     int
	DurationHours int
}

// TimedForecastQuery asks for a single hour per coordinate, at StartHour plus its offset.
type TimedForecastQuery struct {
	Coordinates []TimedCoordinate
	Date        time.Time
	StartHour   int
}

// Forecasts maps grid keys to the hourly forecasts of the requested window.
type Forecasts map[string][]HourlyForecast

// TimedForecasts maps grid keys to the forecast at the rider's ETA.
type TimedForecasts map[string]HourlyForecast
