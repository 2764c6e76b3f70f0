package services

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/sergeycw/windline/internal/apperrors"
	"github.com/sergeycw/windline/internal/geo"
	"github.com/sergeycw/windline/internal/gpx"
	"github.com/sergeycw/windline/internal/metrics"
	"github.com/sergeycw/windline/internal/models"
	"github.com/sergeycw/windline/internal/queue"
	"github.com/sergeycw/windline/internal/renderer"
	"github.com/sergeycw/windline/internal/repository"
	"github.com/sergeycw/windline/internal/weather"
)

const (
	JobWeatherFetch = "weather_fetch"
	JobImageRender  = "image_render"

	StatusCached = "cached"
)

// JobPayload is the body of both forecast jobs.
type JobPayload struct {
	RequestID string `json:"requestId"`
}

type ForecastOptions struct {
	// CacheTTL is how long a completed forecast is served without refetching.
	CacheTTL time.Duration
	// RenderEnabled queues an image render after every successful fetch.
	RenderEnabled bool
	// ProcessingTimeout after which a request stuck in processing is requeued.
	ProcessingTimeout time.Duration

	FetchJob  queue.JobOptions
	RenderJob queue.JobOptions

	Now func() time.Time
}

func DefaultForecastOptions() ForecastOptions {
	return ForecastOptions{
		CacheTTL:          time.Hour,
		RenderEnabled:     true,
		ProcessingTimeout: 10 * time.Minute,
		FetchJob: queue.JobOptions{
			Attempts: 3,
			Backoff:  queue.Backoff{Type: queue.BackoffExponential, Delay: 2 * time.Second},
		},
		RenderJob: queue.JobOptions{
			Attempts: 2,
			Backoff:  queue.Backoff{Type: queue.BackoffExponential, Delay: time.Second},
		},
		Now: time.Now,
	}
}

type ForecastInput struct {
	RouteID       string `json:"routeId"`
	OwnerID       int64  `json:"-"`
	Date          string `json:"date"`
	StartHour     int    `json:"startHour"`
	DurationHours int    `json:"durationHours"`
}

type EnqueueResult struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
	Cached    bool   `json:"cached"`
}

// StatusSnapshot is what a poller sees of a forecast request.
type StatusSnapshot struct {
	RequestID          string                   `json:"requestId"`
	Status             models.ForecastStatus    `json:"status"`
	RouteID            string                   `json:"routeId"`
	RouteName          string                   `json:"routeName"`
	Date               string                   `json:"date"`
	StartHour          int                      `json:"startHour"`
	DurationHours      int                      `json:"durationHours"`
	Summary            *weather.ForecastSummary `json:"summary"`
	WindImpact         *weather.WindImpact      `json:"windImpact"`
	EstimatedTimeHours *float64                 `json:"estimatedTimeHours"`
	ElevationGain      *int                     `json:"elevationGain"`
	FetchedAt          *time.Time               `json:"fetchedAt"`
	HasImage           bool                     `json:"hasImage"`
	Error              *string                  `json:"error"`
}

type Image struct {
	Bytes    []byte
	MimeType string
}

// ForecastService runs the forecast lifecycle: pending, processing, then
// completed or failed. The fetch and render stages run as queued jobs.
type ForecastService struct {
	routes   repository.RouteRepository
	requests repository.ForecastRequestRepository
	provider weather.Provider
	renderer renderer.MapRenderer
	queue    queue.Queue
	opts     ForecastOptions
}

func NewForecastService(
	routes repository.RouteRepository,
	requests repository.ForecastRequestRepository,
	provider weather.Provider,
	mapRenderer renderer.MapRenderer,
	q queue.Queue,
	opts ForecastOptions,
) *ForecastService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ForecastService{
		routes:   routes,
		requests: requests,
		provider: provider,
		renderer: mapRenderer,
		queue:    q,
		opts:     opts,
	}
}

// Registrar accepts job handlers, e.g. *queue.WatermillQueue.
type Registrar interface {
	Register(name string, h queue.Handler) error
}

// RegisterJobs subscribes the fetch and render stages to their queues.
func (s *ForecastService) RegisterJobs(r Registrar) error {
	if err := r.Register(JobWeatherFetch, s.jobHandler(s.ExecuteWeatherFetch)); err != nil {
		return err
	}
	return r.Register(JobImageRender, s.jobHandler(s.ExecuteImageRender))
}

func (s *ForecastService) jobHandler(stage func(context.Context, string) error) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		var p JobPayload
		if err := job.Decode(&p); err != nil || p.RequestID == "" {
			return apperrors.Validation("services.job", fmt.Sprintf("malformed %s payload", job.Name))
		}
		return stage(ctx, p.RequestID)
	}
}

// RequestHash identifies a forecast by route, date, start hour and duration.
func RequestHash(routeID, date string, startHour, durationHours int) string {
	sum := blake2b.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%d", routeID, date, startHour, durationHours)))
	return hex.EncodeToString(sum[:])
}

// Validate checks the date format and horizon, the start hour and the duration.
func (s *ForecastService) Validate(in ForecastInput) error {
	const op = "services.Validate"
	date, err := time.Parse(time.DateOnly, in.Date)
	if err != nil {
		return apperrors.Validation(op, "date must be formatted as YYYY-MM-DD")
	}
	if err := weather.CheckHorizon(date, s.opts.Now()); err != nil {
		return err
	}
	if in.StartHour < 0 || in.StartHour > 23 {
		return apperrors.Validation(op, "startHour must be between 0 and 23")
	}
	if in.DurationHours < 1 || in.DurationHours > 24 {
		return apperrors.Validation(op, "durationHours must be between 1 and 24")
	}
	return nil
}

// Enqueue returns a fresh cached forecast when one exists and otherwise
// schedules a weather fetch for the shared request row.
func (s *ForecastService) Enqueue(ctx context.Context, in ForecastInput) (*EnqueueResult, error) {
	req, cached, err := s.prepare(ctx, in)
	if err != nil {
		return nil, err
	}
	if cached {
		metrics.ForecastRequests.WithLabelValues("cached").Inc()
		return &EnqueueResult{RequestID: req.ID, Status: StatusCached, Cached: true}, nil
	}
	if req.Status == models.StatusProcessing {
		metrics.ForecastRequests.WithLabelValues("in_progress").Inc()
		return &EnqueueResult{RequestID: req.ID, Status: string(req.Status)}, nil
	}

	if err := s.queue.Enqueue(ctx, JobWeatherFetch, JobPayload{RequestID: req.ID}, s.opts.FetchJob); err != nil {
		return nil, apperrors.Internal("services.Enqueue", "queue weather fetch", err)
	}
	metrics.ForecastRequests.WithLabelValues("pending").Inc()
	logrus.WithFields(logrus.Fields{"request_id": req.ID, "route_id": req.RouteID}).Info("weather fetch queued")
	return &EnqueueResult{RequestID: req.ID, Status: string(models.StatusPending)}, nil
}

// prepare validates in, finds the owner's route and resolves the request row.
// cached reports a completed forecast within the cache TTL. Reused rows that
// are not fresh are reset to pending unless a live fetch holds them.
func (s *ForecastService) prepare(ctx context.Context, in ForecastInput) (*models.ForecastRequest, bool, error) {
	if err := s.Validate(in); err != nil {
		return nil, false, err
	}
	route, err := s.routes.FindByID(ctx, in.RouteID)
	if err != nil {
		return nil, false, err
	}
	if route.OwnerID != in.OwnerID {
		return nil, false, apperrors.NotFound("services.Enqueue", "route "+in.RouteID+" not found")
	}

	now := s.opts.Now()
	hash := RequestHash(in.RouteID, in.Date, in.StartHour, in.DurationHours)
	existing, err := s.requests.FindByHash(ctx, hash)
	switch {
	case err == nil && existing.IsFresh(now, s.opts.CacheTTL):
		return existing, true, nil
	case err != nil && !errors.Is(err, apperrors.ErrNotFound):
		return nil, false, err
	}

	req, created, err := s.requests.FindOrCreate(ctx, &models.ForecastRequest{
		RouteID:       in.RouteID,
		OwnerID:       in.OwnerID,
		RequestHash:   hash,
		Date:          in.Date,
		StartHour:     in.StartHour,
		DurationHours: in.DurationHours,
		Status:        models.StatusPending,
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		return req, false, nil
	}
	if req.IsFresh(now, s.opts.CacheTTL) {
		return req, true, nil
	}
	if req.Status == models.StatusProcessing && now.Sub(req.UpdatedAt) < s.opts.ProcessingTimeout {
		return req, false, nil
	}

	if err := s.requests.UpdateStatus(ctx, req.ID, models.StatusPending, nil); err != nil {
		return nil, false, err
	}
	req.Status = models.StatusPending
	req.Error = nil
	return req, false, nil
}

// ExecuteWeatherFetch is the first job stage: it estimates riding time,
// fetches forecasts for the sampled cells and stores summary, wind impact and
// wind markers. It then queues the render stage or completes the request.
func (s *ForecastService) ExecuteWeatherFetch(ctx context.Context, requestID string) error {
	req, route, err := s.load(ctx, requestID)
	if err != nil {
		return err
	}
	entry := logrus.WithFields(logrus.Fields{"request_id": req.ID, "route_id": route.ID})

	if err := s.fetch(ctx, req, route); err != nil {
		entry.WithError(err).Warn("weather fetch failed")
		return s.fail(ctx, req.ID, err)
	}

	if !s.opts.RenderEnabled {
		req.Status = models.StatusCompleted
		if err := s.requests.Save(ctx, req); err != nil {
			return s.fail(ctx, req.ID, err)
		}
		entry.Info("forecast completed")
		return nil
	}

	if err := s.queue.Enqueue(ctx, JobImageRender, JobPayload{RequestID: req.ID}, s.opts.RenderJob); err != nil {
		return s.fail(ctx, req.ID, apperrors.Internal("services.ExecuteWeatherFetch", "queue image render", err))
	}
	entry.Info("weather fetched, image render queued")
	return nil
}

// fetch leaves req in processing with the fetched results persisted.
func (s *ForecastService) fetch(ctx context.Context, req *models.ForecastRequest, route *models.Route) error {
	const op = "services.fetch"
	if err := s.requests.UpdateStatus(ctx, req.ID, models.StatusProcessing, nil); err != nil {
		return err
	}
	req.Status = models.StatusProcessing

	points, err := route.RoutePoints()
	if err != nil {
		return apperrors.Internal(op, "decode route points", err)
	}
	date, err := time.Parse(time.DateOnly, req.Date)
	if err != nil {
		return apperrors.Validation(op, "stored date is not YYYY-MM-DD")
	}

	estimate := gpx.EstimateRouteTime(float64(route.Distance), points)
	timed := weather.SampleRouteWithTime(points, float64(route.Distance), estimate.EstimatedTimeHours, weather.SamplingDistance)
	if len(timed) == 0 {
		return apperrors.Validation(op, "route has no points to sample")
	}
	cells := make([]weather.Coordinates, len(timed))
	for i, t := range timed {
		cells[i] = t.Coordinates
	}

	forecasts, err := s.provider.FetchForecast(ctx, weather.ForecastQuery{
		Coordinates:   cells,
		Date:          date,
		StartHour:     req.StartHour,
		DurationHours: req.DurationHours,
	})
	if err != nil {
		return err
	}
	timedForecasts, err := s.provider.FetchTimedForecast(ctx, weather.TimedForecastQuery{
		Coordinates: timed,
		Date:        date,
		StartHour:   req.StartHour,
	})
	if err != nil {
		return err
	}

	summary := weather.Summarize(forecasts)
	if summary == nil {
		return apperrors.Upstream(op, "weather provider returned no hourly data", nil)
	}
	impact := weather.CalculateWindImpact(weather.BuildWindSegments(geo.WithBearings(points), timed, timedForecasts))
	markers := weather.BuildWindMarkers(timed, timedForecasts)

	if err := req.SetSummary(summary); err != nil {
		return apperrors.Internal(op, "encode summary", err)
	}
	if err := req.SetWindImpact(&impact); err != nil {
		return apperrors.Internal(op, "encode wind impact", err)
	}
	if err := req.SetWindMarkers(markers); err != nil {
		return apperrors.Internal(op, "encode wind markers", err)
	}
	now := s.opts.Now()
	hours := estimate.EstimatedTimeHours
	gain := estimate.ElevationGain
	req.FetchedAt = &now
	req.EstimatedTimeHours = &hours
	req.ElevationGain = &gain
	req.Error = nil
	// an image from an earlier fetch no longer matches this weather
	req.ImageBytes = nil
	req.ImageMimeType = ""
	req.ImageRenderedAt = nil
	return s.requests.Save(ctx, req)
}

// ExecuteImageRender is the second job stage. It requires the fetch results
// and leaves the status untouched when they are missing.
func (s *ForecastService) ExecuteImageRender(ctx context.Context, requestID string) error {
	req, route, err := s.load(ctx, requestID)
	if err != nil {
		return err
	}
	entry := logrus.WithFields(logrus.Fields{"request_id": req.ID, "route_id": route.ID})

	if err := s.render(ctx, req, route); err != nil {
		if errors.Is(err, apperrors.ErrDataNotReady) {
			entry.WithError(err).Warn("render requested before weather data")
			return err
		}
		entry.WithError(err).Warn("image render failed")
		return s.fail(ctx, req.ID, err)
	}
	entry.WithField("bytes", len(req.ImageBytes)).Info("forecast completed with image")
	return nil
}

func (s *ForecastService) render(ctx context.Context, req *models.ForecastRequest, route *models.Route) error {
	const op = "services.render"
	summary, err := req.ForecastSummary()
	if err != nil {
		return apperrors.Internal(op, "decode summary", err)
	}
	impact, err := req.ForecastWindImpact()
	if err != nil {
		return apperrors.Internal(op, "decode wind impact", err)
	}
	if summary == nil || impact == nil {
		return apperrors.DataNotReady(op, "forecast "+req.ID+" has no weather data yet")
	}
	markers, err := req.ForecastWindMarkers()
	if err != nil {
		return apperrors.Internal(op, "decode wind markers", err)
	}

	points, err := renderPoints(route)
	if err != nil {
		return err
	}
	res, err := s.renderer.RenderMap(ctx, renderer.RenderInput{
		Route:       renderer.RouteData{Points: points, Name: route.Name, Distance: route.Distance},
		Forecast:    renderer.ForecastData{Summary: *summary, WindImpact: *impact, Date: req.Date, StartHour: req.StartHour},
		WindMarkers: markers,
	})
	if err != nil {
		var appErr *apperrors.Error
		if errors.As(err, &appErr) {
			return err
		}
		return apperrors.Render(op, "render map", err)
	}

	now := s.opts.Now()
	req.ImageBytes = res.Bytes
	req.ImageMimeType = res.MimeType
	req.ImageRenderedAt = &now
	req.Status = models.StatusCompleted
	req.Error = nil
	return s.requests.Save(ctx, req)
}

// renderPoints prefers the simplified full-resolution polyline over the
// downsampled storage points.
func renderPoints(route *models.Route) ([]geo.Point, error) {
	if route.RenderPolyline != "" {
		return gpx.DecodePolyline(route.RenderPolyline)
	}
	points, err := route.RoutePoints()
	if err != nil {
		return nil, apperrors.Internal("services.renderPoints", "decode route points", err)
	}
	return points, nil
}

func (s *ForecastService) load(ctx context.Context, requestID string) (*models.ForecastRequest, *models.Route, error) {
	req, err := s.requests.FindByID(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	route, err := s.routes.FindByID(ctx, req.RouteID)
	if err != nil {
		return nil, nil, err
	}
	return req, route, nil
}

// fail records cause on the request and returns it, so the queue can decide
// whether to retry.
func (s *ForecastService) fail(ctx context.Context, requestID string, cause error) error {
	msg := cause.Error()
	if err := s.requests.UpdateStatus(context.WithoutCancel(ctx), requestID, models.StatusFailed, &msg); err != nil {
		logrus.WithError(err).WithField("request_id", requestID).Error("recording forecast failure")
	}
	return cause
}

// GetStatus returns the current state of an owner's forecast request.
func (s *ForecastService) GetStatus(ctx context.Context, requestID string, ownerID int64) (*StatusSnapshot, error) {
	req, err := s.owned(ctx, requestID, ownerID)
	if err != nil {
		return nil, err
	}
	summary, err := req.ForecastSummary()
	if err != nil {
		return nil, apperrors.Internal("services.GetStatus", "decode summary", err)
	}
	impact, err := req.ForecastWindImpact()
	if err != nil {
		return nil, apperrors.Internal("services.GetStatus", "decode wind impact", err)
	}

	snap := &StatusSnapshot{
		RequestID:          req.ID,
		Status:             req.Status,
		RouteID:            req.RouteID,
		Date:               req.Date,
		StartHour:          req.StartHour,
		DurationHours:      req.DurationHours,
		Summary:            summary,
		WindImpact:         impact,
		EstimatedTimeHours: req.EstimatedTimeHours,
		ElevationGain:      req.ElevationGain,
		FetchedAt:          req.FetchedAt,
		HasImage:           req.HasImage(),
		Error:              req.Error,
	}
	if route, err := s.routes.FindByID(ctx, req.RouteID); err == nil {
		snap.RouteName = route.Name
	}
	return snap, nil
}

// GetImage returns the rendered map of an owner's forecast request.
func (s *ForecastService) GetImage(ctx context.Context, requestID string, ownerID int64) (*Image, error) {
	req, err := s.owned(ctx, requestID, ownerID)
	if err != nil {
		return nil, err
	}
	if !req.HasImage() {
		return nil, apperrors.DataNotReady("services.GetImage", "image for forecast "+req.ID+" is not ready")
	}
	return &Image{Bytes: req.ImageBytes, MimeType: req.ImageMimeType}, nil
}

func (s *ForecastService) owned(ctx context.Context, requestID string, ownerID int64) (*models.ForecastRequest, error) {
	req, err := s.requests.FindByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.OwnerID != ownerID {
		return nil, apperrors.NotFound("services", "forecast request "+requestID+" not found")
	}
	return req, nil
}

// RenderNow runs both stages in the caller's goroutine and returns the image.
// A fresh cached forecast skips the weather fetch; one that already has an
// image is returned as is with cached true. A request a worker is still
// processing is reported as not ready.
func (s *ForecastService) RenderNow(ctx context.Context, in ForecastInput) (*Image, bool, error) {
	// the shared row must not be failed by a caller hanging up mid-render
	ctx = context.WithoutCancel(ctx)

	req, cached, err := s.prepare(ctx, in)
	if err != nil {
		return nil, false, err
	}
	if req.Status == models.StatusProcessing {
		return nil, false, apperrors.DataNotReady("services.RenderNow", "forecast "+req.ID+" is being processed")
	}
	if cached && req.HasImage() {
		metrics.ForecastRequests.WithLabelValues("cached").Inc()
		return &Image{Bytes: req.ImageBytes, MimeType: req.ImageMimeType}, true, nil
	}

	route, err := s.routes.FindByID(ctx, req.RouteID)
	if err != nil {
		return nil, false, err
	}
	if !cached {
		if err := s.fetch(ctx, req, route); err != nil {
			return nil, false, s.fail(ctx, req.ID, err)
		}
	}
	if err := s.render(ctx, req, route); err != nil {
		return nil, false, s.fail(ctx, req.ID, err)
	}
	metrics.ForecastRequests.WithLabelValues("rendered").Inc()
	return &Image{Bytes: req.ImageBytes, MimeType: req.ImageMimeType}, false, nil
}
