package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sergeycw/windline/internal/apperrors"
	"github.com/sergeycw/windline/internal/dbtest"
	"github.com/sergeycw/windline/internal/models"
	"github.com/sergeycw/windline/internal/queue"
	"github.com/sergeycw/windline/internal/repository"
)

func noRender(o *ForecastOptions) { o.RenderEnabled = false }

func TestRequestHash(t *testing.T) {
	h := RequestHash("route", "2025-06-02", 8, 3)
	assert.Len(t, h, 64)
	assert.Equal(t, h, RequestHash("route", "2025-06-02", 8, 3))
	assert.NotEqual(t, h, RequestHash("route", "2025-06-02", 9, 3))
	assert.NotEqual(t, h, RequestHash("route", "2025-06-03", 8, 3))
	assert.NotEqual(t, h, RequestHash("other", "2025-06-02", 8, 3))
}

func TestValidate(t *testing.T) {
	env := newForecastEnv(t, nil)
	valid := env.input()

	tests := []struct {
		name   string
		mutate func(*ForecastInput)
		ok     bool
	}{
		{"valid", func(*ForecastInput) {}, true},
		{"today", func(in *ForecastInput) { in.Date = "2025-06-01" }, true},
		{"last day of horizon", func(in *ForecastInput) { in.Date = "2025-06-17" }, true},
		{"malformed date", func(in *ForecastInput) { in.Date = "02/06/2025" }, false},
		{"past date", func(in *ForecastInput) { in.Date = "2025-05-31" }, false},
		{"beyond horizon", func(in *ForecastInput) { in.Date = "2025-06-18" }, false},
		{"negative hour", func(in *ForecastInput) { in.StartHour = -1 }, false},
		{"hour 24", func(in *ForecastInput) { in.StartHour = 24 }, false},
		{"zero duration", func(in *ForecastInput) { in.DurationHours = 0 }, false},
		{"duration 25", func(in *ForecastInput) { in.DurationHours = 25 }, false},
		{"full day", func(in *ForecastInput) { in.StartHour, in.DurationHours = 0, 24 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)
			err := env.svc.Validate(in)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, apperrors.ErrValidation)
			}
		})
	}
}

func TestEnqueueQueuesWeatherFetch(t *testing.T) {
	ctx := context.Background()
	env := newForecastEnv(t, nil)

	res, err := env.svc.Enqueue(ctx, env.input())
	require.NoError(t, err)
	assert.Equal(t, "pending", res.Status)
	assert.False(t, res.Cached)

	require.Len(t, env.queue.jobs, 1)
	job := env.queue.jobs[0]
	assert.Equal(t, JobWeatherFetch, job.name)
	assert.Equal(t, res.RequestID, job.payload.RequestID)
	assert.Equal(t, 3, job.opts.Attempts)
	assert.Equal(t, queue.BackoffExponential, job.opts.Backoff.Type)
	assert.Equal(t, 2*time.Second, job.opts.Backoff.Delay)

	again, err := env.svc.Enqueue(ctx, env.input())
	require.NoError(t, err)
	assert.Equal(t, res.RequestID, again.RequestID)
}

func TestEnqueueErrors(t *testing.T) {
	ctx := context.Background()
	env := newForecastEnv(t, nil)

	in := env.input()
	in.RouteID = "missing"
	_, err := env.svc.Enqueue(ctx, in)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	in = env.input()
	in.OwnerID = owner + 1
	_, err = env.svc.Enqueue(ctx, in)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	in = env.input()
	in.StartHour = 30
	_, err = env.svc.Enqueue(ctx, in)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	env.queue.err = errors.New("queue down")
	_, err = env.svc.Enqueue(ctx, env.input())
	assert.Error(t, err)
	assert.Empty(t, env.queue.jobs)
}

func TestSecondEnqueueHitsCache(t *testing.T) {
	ctx := context.Background()
	env := newForecastEnv(t, noRender)

	first, err := env.svc.Enqueue(ctx, env.input())
	require.NoError(t, err)
	require.NoError(t, env.svc.ExecuteWeatherFetch(ctx, first.RequestID))

	second, err := env.svc.Enqueue(ctx, env.input())
	require.NoError(t, err)
	assert.Equal(t, first.RequestID, second.RequestID)
	assert.Equal(t, StatusCached, second.Status)
	assert.True(t, second.Cached)
	assert.Equal(t, []string{JobWeatherFetch}, env.queue.names())
}

func TestStaleForecastIsRefetched(t *testing.T) {
	ctx := context.Background()
	env := newForecastEnv(t, func(o *ForecastOptions) {
		o.RenderEnabled = false
		o.CacheTTL = 0
	})

	first, err := env.svc.Enqueue(ctx, env.input())
	require.NoError(t, err)
	require.NoError(t, env.svc.ExecuteWeatherFetch(ctx, first.RequestID))

	second, err := env.svc.Enqueue(ctx, env.input())
	require.NoError(t, err)
	assert.False(t, second.Cached)
	assert.Equal(t, "pending", second.Status)
	assert.Equal(t, []string{JobWeatherFetch, JobWeatherFetch}, env.queue.names())
}

func TestWeatherFetchWithoutRendering(t *testing.T) {
	ctx := context.Background()
	env := newForecastEnv(t, noRender)

	res, err := env.svc.Enqueue(ctx, env.input())
	require.NoError(t, err)
	require.NoError(t, env.svc.ExecuteWeatherFetch(ctx, res.RequestID))

	snap, err := env.svc.GetStatus(ctx, res.RequestID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, snap.Status)
	assert.Equal(t, "Lakeside", snap.RouteName)
	assert.False(t, snap.HasImage)
	assert.Nil(t, snap.Error)
	require.NotNil(t, snap.FetchedAt)
	assert.True(t, fixedNow.Equal(*snap.FetchedAt))

	require.NotNil(t, snap.Summary)
	assert.Equal(t, 15.0, snap.Summary.TemperatureMin)
	assert.Equal(t, 15.0, snap.Summary.WindGustsMax)

	// eastbound route with a westerly wind
	require.NotNil(t, snap.WindImpact)
	assert.Equal(t, 0, snap.WindImpact.Distribution.HeadwindPercent)
	assert.Equal(t, 100, snap.WindImpact.Distribution.TailwindPercent)
	assert.InDelta(t, 10, snap.WindImpact.Tailwind, 0.1)

	require.NotNil(t, snap.EstimatedTimeHours)
	assert.Equal(t, 0.6, *snap.EstimatedTimeHours)
	require.NotNil(t, snap.ElevationGain)

	_, err = env.svc.GetImage(ctx, res.RequestID, owner)
	assert.ErrorIs(t, err, apperrors.ErrDataNotReady)
}

func TestFetchThenRender(t *testing.T) {
	ctx := context.Background()
	env := newForecastEnv(t, nil)

	res, err := env.svc.Enqueue(ctx, env.input())
	require.NoError(t, err)
	require.NoError(t, env.svc.ExecuteWeatherFetch(ctx, res.RequestID))

	snap, err := env.svc.GetStatus(ctx, res.RequestID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, snap.Status)
	assert.NotNil(t, snap.Summary)

	require.Equal(t, []string{JobWeatherFetch, JobImageRender}, env.queue.names())
	renderJob := env.queue.jobs[1]
	assert.Equal(t, res.RequestID, renderJob.payload.RequestID)
	assert.Equal(t, 2, renderJob.opts.Attempts)
	assert.Equal(t, time.Second, renderJob.opts.Backoff.Delay)

	require.NoError(t, env.svc.ExecuteImageRender(ctx, res.RequestID))

	snap, err = env.svc.GetStatus(ctx, res.RequestID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, snap.Status)
	assert.True(t, snap.HasImage)

	img, err := env.svc.GetImage(ctx, res.RequestID, owner)
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.MimeType)
	assert.NotEmpty(t, img.Bytes)

	require.Equal(t, 1, env.renderer.calls())
	in := env.renderer.inputs[0]
	assert.Equal(t, "Lakeside", in.Route.Name)
	assert.Equal(t, "2025-06-02", in.Forecast.Date)
	assert.Equal(t, 8, in.Forecast.StartHour)
	assert.NotEmpty(t, in.Route.Points)
	assert.NotEmpty(t, in.WindMarkers)
}

func TestRenderBeforeFetchIsNotReady(t *testing.T) {
	ctx := context.Background()
	env := newForecastEnv(t, nil)

	res, err := env.svc.Enqueue(ctx, env.input())
	require.NoError(t, err)

	err = env.svc.ExecuteImageRender(ctx, res.RequestID)
	assert.ErrorIs(t, err, apperrors.ErrDataNotReady)
	assert.False(t, apperrors.IsRetryable(err))
	assert.Zero(t, env.renderer.calls())

	snap, err := env.svc.GetStatus(ctx, res.RequestID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, snap.Status)
	assert.Nil(t, snap.Error)
}

func TestFetchFailureMarksFailedAndAllowsRetry(t *testing.T) {
	ctx := context.Background()
	env := newForecastEnv(t, nil)
	env.provider.err = apperrors.Upstream("test", "open-meteo returned 503", nil)

	res, err := env.svc.Enqueue(ctx, env.input())
	require.NoError(t, err)

	err = env.svc.ExecuteWeatherFetch(ctx, res.RequestID)
	assert.ErrorIs(t, err, apperrors.ErrUpstream)
	assert.True(t, apperrors.IsRetryable(err))

	snap, err := env.svc.GetStatus(ctx, res.RequestID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, snap.Status)
	require.NotNil(t, snap.Error)
	assert.Contains(t, *snap.Error, "503")

	again, err := env.svc.Enqueue(ctx, env.input())
	require.NoError(t, err)
	assert.Equal(t, res.RequestID, again.RequestID)
	assert.Equal(t, "pending", again.Status)
	assert.Equal(t, []string{JobWeatherFetch, JobWeatherFetch}, env.queue.names())

	snap, err = env.svc.GetStatus(ctx, res.RequestID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, snap.Status)
	assert.Nil(t, snap.Error)
}

func TestRenderFailureKeepsWeatherData(t *testing.T) {
	ctx := context.Background()
	env := newForecastEnv(t, nil)
	env.renderer.err = errors.New("canvas exploded")

	res, err := env.svc.Enqueue(ctx, env.input())
	require.NoError(t, err)
	require.NoError(t, env.svc.ExecuteWeatherFetch(ctx, res.RequestID))

	err = env.svc.ExecuteImageRender(ctx, res.RequestID)
	assert.ErrorIs(t, err, apperrors.ErrRender)

	snap, err := env.svc.GetStatus(ctx, res.RequestID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, snap.Status)
	assert.NotNil(t, snap.Summary)
	assert.NotNil(t, snap.WindImpact)
	assert.False(t, snap.HasImage)
}

func TestExecuteUnknownRequest(t *testing.T) {
	env := newForecastEnv(t, nil)
	err := env.svc.ExecuteWeatherFetch(context.Background(), "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.False(t, apperrors.IsRetryable(err))
}

func TestStatusIsOwnerScoped(t *testing.T) {
	ctx := context.Background()
	env := newForecastEnv(t, nil)

	res, err := env.svc.Enqueue(ctx, env.input())
	require.NoError(t, err)

	_, err = env.svc.GetStatus(ctx, res.RequestID, owner+1)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = env.svc.GetImage(ctx, res.RequestID, owner+1)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestRenderNow(t *testing.T) {
	ctx := context.Background()
	env := newForecastEnv(t, noRender)

	img, cached, err := env.svc.RenderNow(ctx, env.input())
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "image/png", img.MimeType)

	img2, cached, err := env.svc.RenderNow(ctx, env.input())
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, img.Bytes, img2.Bytes)

	fetches, timed := env.provider.calls()
	assert.Equal(t, 1, fetches)
	assert.Equal(t, 1, timed)
	assert.Equal(t, 1, env.renderer.calls())
	assert.Empty(t, env.queue.names())
}

func TestRenderNowReusesCachedWeather(t *testing.T) {
	ctx := context.Background()
	env := newForecastEnv(t, noRender)

	res, err := env.svc.Enqueue(ctx, env.input())
	require.NoError(t, err)
	require.NoError(t, env.svc.ExecuteWeatherFetch(ctx, res.RequestID))

	_, cached, err := env.svc.RenderNow(ctx, env.input())
	require.NoError(t, err)
	assert.False(t, cached)

	fetches, _ := env.provider.calls()
	assert.Equal(t, 1, fetches)
	assert.Equal(t, 1, env.renderer.calls())
}

func TestJobsRunThroughQueue(t *testing.T) {
	ctx := context.Background()
	db := dbtest.Open(t)
	routeRepo := repository.NewRouteRepository(db)
	requestRepo := repository.NewForecastRequestRepository(db)

	upload, err := NewRouteService(routeRepo).Upload(ctx, UploadInput{Content: trackGPX("Queued", 30), OwnerID: owner})
	require.NoError(t, err)

	q := queue.New(queue.Config{Workers: 2}, nil)
	defer q.Close()

	opts := DefaultForecastOptions()
	opts.Now = func() time.Time { return fixedNow }
	opts.FetchJob.Backoff.Delay = time.Millisecond
	opts.RenderJob.Backoff.Delay = time.Millisecond
	provider := &fakeProvider{windFrom: 90, windSpeed: 12}
	svc := NewForecastService(routeRepo, requestRepo, provider, &fakeRenderer{}, q, opts)
	require.NoError(t, svc.RegisterJobs(q))

	res, err := svc.Enqueue(ctx, ForecastInput{RouteID: upload.Route.ID, OwnerID: owner, Date: "2025-06-03", StartHour: 6, DurationHours: 2})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := svc.GetStatus(ctx, res.RequestID, owner)
		return err == nil && snap.Status == models.StatusCompleted && snap.HasImage
	}, 5*time.Second, 10*time.Millisecond)

	snap, err := svc.GetStatus(ctx, res.RequestID, owner)
	require.NoError(t, err)
	assert.Equal(t, 100, snap.WindImpact.Distribution.HeadwindPercent)
}

func TestRefetchDropsPreviousImage(t *testing.T) {
	ctx := context.Background()
	now := fixedNow
	env := newForecastEnv(t, func(o *ForecastOptions) {
		o.Now = func() time.Time { return now }
	})

	res, err := env.svc.Enqueue(ctx, env.input())
	require.NoError(t, err)
	require.NoError(t, env.svc.ExecuteWeatherFetch(ctx, res.RequestID))
	require.NoError(t, env.svc.ExecuteImageRender(ctx, res.RequestID))
	_, err = env.svc.GetImage(ctx, res.RequestID, owner)
	require.NoError(t, err)

	now = fixedNow.Add(2 * time.Hour)
	env.provider.windFrom = 90
	again, err := env.svc.Enqueue(ctx, env.input())
	require.NoError(t, err)
	require.False(t, again.Cached)
	require.Equal(t, res.RequestID, again.RequestID)

	snap, err := env.svc.GetStatus(ctx, res.RequestID, owner)
	require.NoError(t, err)
	assert.False(t, snap.HasImage)

	require.NoError(t, env.svc.ExecuteWeatherFetch(ctx, res.RequestID))
	env.renderer.err = errors.New("tile server down")
	assert.ErrorIs(t, env.svc.ExecuteImageRender(ctx, res.RequestID), apperrors.ErrRender)

	snap, err = env.svc.GetStatus(ctx, res.RequestID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, snap.Status)
	assert.False(t, snap.HasImage)
	require.NotNil(t, snap.WindImpact)
	assert.Equal(t, 100, snap.WindImpact.Distribution.HeadwindPercent)

	_, err = env.svc.GetImage(ctx, res.RequestID, owner)
	assert.ErrorIs(t, err, apperrors.ErrDataNotReady)

	stored, err := env.requests.FindByID(ctx, res.RequestID)
	require.NoError(t, err)
	assert.Empty(t, stored.ImageBytes)
	assert.Nil(t, stored.ImageRenderedAt)
}

func TestRenderNowIgnoresCallerCancellation(t *testing.T) {
	env := newForecastEnv(t, noRender)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	img, _, err := env.svc.RenderNow(ctx, env.input())
	require.NoError(t, err)
	assert.NotEmpty(t, img.Bytes)
	assert.False(t, env.provider.canceled)

	hash := RequestHash(env.route.ID, "2025-06-02", 8, 3)
	stored, err := env.requests.FindByHash(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
}

func TestRenderNowLeavesProcessingRequestToWorker(t *testing.T) {
	ctx := context.Background()
	env := newForecastEnv(t, nil)

	res, err := env.svc.Enqueue(ctx, env.input())
	require.NoError(t, err)
	require.NoError(t, env.requests.UpdateStatus(ctx, res.RequestID, models.StatusProcessing, nil))

	_, _, err = env.svc.RenderNow(ctx, env.input())
	assert.ErrorIs(t, err, apperrors.ErrDataNotReady)

	fetches, timed := env.provider.calls()
	assert.Zero(t, fetches)
	assert.Zero(t, timed)
	assert.Zero(t, env.renderer.calls())
}
