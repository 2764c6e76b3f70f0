package weather

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/sergeycw/windline/internal/apperrors"
	"github.com/sergeycw/windline/internal/metrics"
)

const (
	ProviderOpenMeteo = "openmeteo"

	DefaultOpenMeteoURL = "https://api.open-meteo.com/v1/forecast"

	hourlyParams = "temperature_2m,apparent_temperature,precipitation,precipitation_probability," +
		"wind_speed_10m,wind_direction_10m,wind_gusts_10m,weather_code"
)

type openMeteoHourly struct {
	Time                     []string  `json:"time"`
	Temperature2M            []float64 `json:"temperature_2m"`
	ApparentTemperature      []float64 `json:"apparent_temperature"`
	Precipitation            []float64 `json:"precipitation"`
	PrecipitationProbability []float64 `json:"precipitation_probability"`
	WindSpeed10M             []float64 `json:"wind_speed_10m"`
	WindDirection10M         []float64 `json:"wind_direction_10m"`
	WindGusts10M             []float64 `json:"wind_gusts_10m"`
	WeatherCode              []int     `json:"weather_code"`
}

type openMeteoLocation struct {
	Latitude  float64         `json:"latitude"`
	Longitude float64         `json:"longitude"`
	Timezone  string          `json:"timezone"`
	Hourly    openMeteoHourly `json:"hourly"`
}

type openMeteoError struct {
	Error  bool   `json:"error"`
	Reason string `json:"reason"`
}

// OpenMeteo is a Provider backed by the Open-Meteo batch forecast API.
// Calls go through a circuit breaker so a failing API fails jobs fast.
type OpenMeteo struct {
	baseURL string
	client  *http.Client
	cb      *gobreaker.CircuitBreaker[[]openMeteoLocation]
	now     func() time.Time
}

// NewOpenMeteo creates the Open-Meteo client.
// Breaker: opens after 5 consecutive failures, probes again after 30s.
func NewOpenMeteo(opts ProviderOptions) *OpenMeteo {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultOpenMeteoURL
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	name := "openmeteo-api"
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[[]openMeteoLocation](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
		// caller mistakes must not trip the breaker
		IsExcluded: func(err error) bool {
			return errors.Is(err, apperrors.ErrValidation) || errors.Is(err, context.Canceled)
		},
	})

	return &OpenMeteo{baseURL: baseURL, client: client, cb: cb, now: now}
}

// FetchForecast returns the [StartHour, StartHour+DurationHours) window for every
// distinct grid cell among q.Coordinates.
func (o *OpenMeteo) FetchForecast(ctx context.Context, q ForecastQuery) (Forecasts, error) {
	if err := CheckHorizon(q.Date, o.now()); err != nil {
		return nil, err
	}

	keys, cells := dedupe(q.Coordinates)
	if len(cells) == 0 {
		return Forecasts{}, nil
	}

	locations, err := o.fetch(ctx, cells, q.Date, q.Date)
	if err != nil {
		return nil, err
	}

	out := make(Forecasts, len(keys))
	for i, key := range keys {
		h := locations[i].Hourly
		end := min(q.StartHour+q.DurationHours, len(h.Time))
		hours := make([]HourlyForecast, 0, max(end-q.StartHour, 0))
		for idx := q.StartHour; idx < end; idx++ {
			hours = append(hours, h.at(idx, locations[i].Timezone))
		}
		out[key] = hours
	}
	return out, nil
}

// FetchTimedForecast returns, per cell, the hour StartHour + round(HourOffset).
// The next day is fetched when an arrival falls after midnight.
func (o *OpenMeteo) FetchTimedForecast(ctx context.Context, q TimedForecastQuery) (TimedForecasts, error) {
	if err := CheckHorizon(q.Date, o.now()); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var (
		keys    []string
		cells   []Coordinates
		indexes []int
	)
	maxIndex := 0
	for _, c := range q.Coordinates {
		key := c.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		idx := q.StartHour + int(math.Round(c.HourOffset))
		maxIndex = max(maxIndex, idx)
		keys = append(keys, key)
		cells = append(cells, roundCell(c.Coordinates))
		indexes = append(indexes, idx)
	}
	if len(cells) == 0 {
		return TimedForecasts{}, nil
	}

	endDate := q.Date.AddDate(0, 0, maxIndex/24)
	locations, err := o.fetch(ctx, cells, q.Date, endDate)
	if err != nil {
		return nil, err
	}

	out := make(TimedForecasts, len(keys))
	for i, key := range keys {
		h := locations[i].Hourly
		if len(h.Time) == 0 {
			continue
		}
		idx := min(indexes[i], len(h.Time)-1)
		out[key] = h.at(idx, locations[i].Timezone)
	}
	return out, nil
}

func (o *OpenMeteo) fetch(ctx context.Context, cells []Coordinates, start, end time.Time) ([]openMeteoLocation, error) {
	started := time.Now()
	locations, err := o.cb.Execute(func() ([]openMeteoLocation, error) {
		return o.doFetch(ctx, cells, start, end)
	})
	metrics.WeatherAPIDuration.WithLabelValues(ProviderOpenMeteo).Observe(time.Since(started).Seconds())

	if err != nil {
		outcome := "failure"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			outcome = "rejected"
			err = apperrors.Upstream("openmeteo", "weather API temporarily unavailable", err)
		}
		metrics.WeatherAPIRequests.WithLabelValues(ProviderOpenMeteo, outcome).Inc()
		return nil, err
	}
	metrics.WeatherAPIRequests.WithLabelValues(ProviderOpenMeteo, "success").Inc()
	return locations, nil
}

func (o *OpenMeteo) doFetch(ctx context.Context, cells []Coordinates, start, end time.Time) ([]openMeteoLocation, error) {
	lats := make([]string, len(cells))
	lons := make([]string, len(cells))
	for i, c := range cells {
		lats[i] = strconv.FormatFloat(c.Lat, 'f', -1, 64)
		lons[i] = strconv.FormatFloat(c.Lon, 'f', -1, 64)
	}

	params := url.Values{}
	params.Set("latitude", strings.Join(lats, ","))
	params.Set("longitude", strings.Join(lons, ","))
	params.Set("hourly", hourlyParams)
	params.Set("timezone", "auto")
	params.Set("start_date", start.Format(time.DateOnly))
	params.Set("end_date", end.Format(time.DateOnly))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, apperrors.Internal("openmeteo", "failed to create API request", err)
	}

	logrus.WithFields(logrus.Fields{"cells": len(cells), "start": params.Get("start_date"), "end": params.Get("end_date")}).
		Debug("fetching forecast from Open-Meteo")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, apperrors.Upstream("openmeteo", "API call failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Upstream("openmeteo", "failed to read response body", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr openMeteoError
		msg := fmt.Sprintf("API returned status %d", resp.StatusCode)
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Reason != "" {
			msg += ": " + apiErr.Reason
		}
		return nil, apperrors.Upstream("openmeteo", msg, nil)
	}

	locations, err := decodeLocations(body)
	if err != nil {
		return nil, apperrors.Upstream("openmeteo", "failed to decode response", err)
	}
	if len(locations) != len(cells) {
		return nil, apperrors.Upstream("openmeteo", fmt.Sprintf("expected %d locations, got %d", len(cells), len(locations)), nil)
	}
	return locations, nil
}

// decodeLocations accepts the single-object form returned for one coordinate
// and the array form returned for several.
func decodeLocations(body []byte) ([]openMeteoLocation, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var many []openMeteoLocation
		if err := json.Unmarshal(trimmed, &many); err != nil {
			return nil, err
		}
		return many, nil
	}
	var one openMeteoLocation
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, err
	}
	return []openMeteoLocation{one}, nil
}

func (h openMeteoHourly) at(i int, tz string) HourlyForecast {
	return HourlyForecast{
		Time:                     parseLocalTime(h.Time[i], tz),
		Temperature:              valueAt(h.Temperature2M, i),
		ApparentTemperature:      valueAt(h.ApparentTemperature, i),
		Precipitation:            valueAt(h.Precipitation, i),
		PrecipitationProbability: valueAt(h.PrecipitationProbability, i),
		WindSpeed:                valueAt(h.WindSpeed10M, i),
		WindDirection:            valueAt(h.WindDirection10M, i),
		WindGusts:                valueAt(h.WindGusts10M, i),
		WeatherCode:              valueAt(h.WeatherCode, i),
	}
}

func valueAt[T int | float64](values []T, i int) T {
	if i < 0 || i >= len(values) {
		var zero T
		return zero
	}
	return values[i]
}

// parseLocalTime reads Open-Meteo's "2006-01-02T15:04" in the location's zone.
func parseLocalTime(s, tz string) time.Time {
	loc := time.UTC
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	t, err := time.ParseInLocation("2006-01-02T15:04", s, loc)
	if err != nil {
		return time.Time{}
	}
	return t
}

func dedupe(coords []Coordinates) ([]string, []Coordinates) {
	seen := make(map[string]struct{}, len(coords))
	var (
		keys  []string
		cells []Coordinates
	)
	for _, c := range coords {
		key := c.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
		cells = append(cells, roundCell(c))
	}
	return keys, cells
}

func roundCell(c Coordinates) Coordinates {
	p := math.Pow(10, CoordPrecision)
	return Coordinates{Lat: math.Round(c.Lat*p) / p, Lon: math.Round(c.Lon*p) / p}
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
