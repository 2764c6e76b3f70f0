// Package metrics exposes the Prometheus instruments used by windline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Queue
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windline_jobs_processed_total",
			Help: "Jobs processed by queue and outcome (success, retry, failed)",
		},
		[]string{"queue", "outcome"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "windline_job_duration_seconds",
			Help:    "Duration of a single job attempt in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "windline_jobs_in_flight",
			Help: "Jobs currently held by a worker",
		},
	)

	// Forecast requests
	ForecastRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windline_forecast_requests_total",
			Help: "Forecast requests by result (cached, pending, in_progress, rendered)",
		},
		[]string{"result"},
	)

	// Weather backend
	WeatherAPIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windline_weather_api_requests_total",
			Help: "Weather API calls by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	WeatherAPIDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "windline_weather_api_duration_seconds",
			Help:    "Weather API latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "windline_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Rendering
	MapTilesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windline_map_tiles_fetched_total",
			Help: "Map tiles downloaded by outcome",
		},
		[]string{"outcome"},
	)

	// Uploads
	RouteUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windline_route_uploads_total",
			Help: "Route uploads by result (new, duplicate, invalid)",
		},
		[]string{"result"},
	)
)
