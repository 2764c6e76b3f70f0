package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sergeycw/windline/internal/dbtest"
	"github.com/sergeycw/windline/internal/models"
	"github.com/sergeycw/windline/internal/queue"
	"github.com/sergeycw/windline/internal/renderer"
	"github.com/sergeycw/windline/internal/repository"
	"github.com/sergeycw/windline/internal/weather"
)

var fixedNow = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

// trackGPX builds an eastbound track along latitude 45 with n points about
// 157 m apart, climbing one meter per point.
func trackGPX(name string, n int) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<gpx version="1.1" creator="windline-test" xmlns="http://www.topografix.com/GPX/1/1"><trk>`)
	if name != "" {
		fmt.Fprintf(&b, "<name>%s</name>", name)
	}
	b.WriteString("<trkseg>")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `<trkpt lat="45.00000" lon="%.5f"><ele>%d</ele></trkpt>`, 7+float64(i)*0.002, 300+i)
	}
	b.WriteString("</trkseg></trk></gpx>")
	return []byte(b.String())
}

type fakeProvider struct {
	mu         sync.Mutex
	err        error
	fetchCalls int
	timedCalls int
	windFrom   float64
	windSpeed  float64
	canceled   bool
}

func (p *fakeProvider) hour(t time.Time) weather.HourlyForecast {
	return weather.HourlyForecast{
		Time:                     t,
		Temperature:              15,
		ApparentTemperature:      14,
		Precipitation:            0.2,
		PrecipitationProbability: 20,
		WindSpeed:                p.windSpeed,
		WindDirection:            p.windFrom,
		WindGusts:                p.windSpeed + 5,
	}
}

func (p *fakeProvider) FetchForecast(ctx context.Context, q weather.ForecastQuery) (weather.Forecasts, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchCalls++
	p.canceled = p.canceled || ctx.Err() != nil
	if p.err != nil {
		return nil, p.err
	}
	out := weather.Forecasts{}
	for _, c := range q.Coordinates {
		hours := make([]weather.HourlyForecast, q.DurationHours)
		for i := range hours {
			hours[i] = p.hour(q.Date.Add(time.Duration(q.StartHour+i) * time.Hour))
		}
		out[c.Key()] = hours
	}
	return out, nil
}

func (p *fakeProvider) FetchTimedForecast(ctx context.Context, q weather.TimedForecastQuery) (weather.TimedForecasts, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timedCalls++
	p.canceled = p.canceled || ctx.Err() != nil
	if p.err != nil {
		return nil, p.err
	}
	out := weather.TimedForecasts{}
	for _, c := range q.Coordinates {
		out[c.Key()] = p.hour(q.Date.Add(time.Duration(q.StartHour) * time.Hour))
	}
	return out, nil
}

func (p *fakeProvider) calls() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetchCalls, p.timedCalls
}

type fakeRenderer struct {
	mu     sync.Mutex
	err    error
	inputs []renderer.RenderInput
}

func (r *fakeRenderer) RenderMap(_ context.Context, in renderer.RenderInput) (renderer.RenderResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs = append(r.inputs, in)
	if r.err != nil {
		return renderer.RenderResult{}, r.err
	}
	return renderer.RenderResult{Bytes: []byte("\x89PNG fake"), MimeType: renderer.MimeTypePNG}, nil
}

func (r *fakeRenderer) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inputs)
}

type queuedJob struct {
	name    string
	payload JobPayload
	opts    queue.JobOptions
}

type fakeQueue struct {
	mu   sync.Mutex
	err  error
	jobs []queuedJob
}

func (q *fakeQueue) Enqueue(_ context.Context, name string, payload any, opts queue.JobOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, queuedJob{name: name, payload: payload.(JobPayload), opts: opts})
	return nil
}

func (q *fakeQueue) names() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	names := make([]string, 0, len(q.jobs))
	for _, j := range q.jobs {
		names = append(names, j.name)
	}
	return names
}

type forecastEnv struct {
	svc      *ForecastService
	routes   *RouteService
	requests repository.ForecastRequestRepository
	provider *fakeProvider
	renderer *fakeRenderer
	queue    *fakeQueue
	route    *models.Route
}

const owner int64 = 42

func newForecastEnv(t *testing.T, mutate func(*ForecastOptions)) *forecastEnv {
	t.Helper()
	db := dbtest.Open(t)
	routeRepo := repository.NewRouteRepository(db)
	requestRepo := repository.NewForecastRequestRepository(db)

	opts := DefaultForecastOptions()
	opts.Now = func() time.Time { return fixedNow }
	if mutate != nil {
		mutate(&opts)
	}

	env := &forecastEnv{
		routes:   NewRouteService(routeRepo),
		requests: requestRepo,
		provider: &fakeProvider{windFrom: 270, windSpeed: 10},
		renderer: &fakeRenderer{},
		queue:    &fakeQueue{},
	}
	env.svc = NewForecastService(routeRepo, requestRepo, env.provider, env.renderer, env.queue, opts)

	res, err := env.routes.Upload(context.Background(), UploadInput{Content: trackGPX("Lakeside", 50), OwnerID: owner})
	require.NoError(t, err)
	env.route = res.Route
	return env
}

func (e *forecastEnv) input() ForecastInput {
	return ForecastInput{RouteID: e.route.ID, OwnerID: owner, Date: "2025-06-02", StartHour: 8, DurationHours: 3}
}
