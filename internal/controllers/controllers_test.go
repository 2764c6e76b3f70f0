package controllers

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sergeycw/windline/internal/apperrors"
	"github.com/sergeycw/windline/internal/dbtest"
	"github.com/sergeycw/windline/internal/middleware"
	"github.com/sergeycw/windline/internal/repository"
	"github.com/sergeycw/windline/internal/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func sampleGPX(name string, n int) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><gpx version="1.1" creator="test" xmlns="http://www.topografix.com/GPX/1/1"><trk>`)
	if name != "" {
		fmt.Fprintf(&b, "<name>%s</name>", name)
	}
	b.WriteString("<trkseg>")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `<trkpt lat="46.00000" lon="%.5f"><ele>100</ele></trkpt>`, 8+float64(i)*0.01)
	}
	b.WriteString("</trkseg></trk></gpx>")
	return b.String()
}

// asOwner stands in for middleware.RequireAuth.
func asOwner(owner int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.OwnerIDKey, owner)
		c.Next()
	}
}

func routeRouter(t *testing.T) (*gin.Engine, *gin.Engine) {
	t.Helper()
	rc := NewRouteController(services.NewRouteService(repository.NewRouteRepository(dbtest.Open(t))))

	build := func(owner int64) *gin.Engine {
		r := gin.New()
		r.Use(asOwner(owner))
		r.POST("/gpx/upload", rc.Upload)
		r.POST("/gpx/parse", rc.Parse)
		r.GET("/routes", rc.List)
		r.GET("/routes/:id", rc.Get)
		r.DELETE("/routes/:id", rc.Delete)
		return r
	}
	return build(1), build(2)
}

func do(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestUploadAndFetchRoute(t *testing.T) {
	mine, theirs := routeRouter(t)
	content := sampleGPX("Ridge loop", 30)

	w := do(mine, http.MethodPost, "/gpx/upload", gin.H{"gpxContent": content})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created uploadResponse
	decodeBody(t, w, &created)
	assert.True(t, created.IsNew)
	assert.Equal(t, "Ridge loop", created.Name)
	assert.Greater(t, created.Distance, 20000)

	w = do(mine, http.MethodPost, "/gpx/upload", gin.H{"gpxContent": content})
	require.Equal(t, http.StatusOK, w.Code)
	var again uploadResponse
	decodeBody(t, w, &again)
	assert.False(t, again.IsNew)
	assert.Equal(t, created.ID, again.ID)

	w = do(mine, http.MethodGet, "/routes/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Route RouteResponse `json:"route"`
	}
	decodeBody(t, w, &got)
	assert.Equal(t, created.ID, got.Route.ID)
	assert.Contains(t, got.Route.Geometry, `"type":"LineString"`)

	w = do(mine, http.MethodGet, "/routes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Routes []RouteResponse `json:"routes"`
	}
	decodeBody(t, w, &list)
	require.Len(t, list.Routes, 1)
	assert.Empty(t, list.Routes[0].Geometry)

	assert.Equal(t, http.StatusNotFound, do(theirs, http.MethodGet, "/routes/"+created.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(theirs, http.MethodDelete, "/routes/"+created.ID, nil).Code)
	assert.Equal(t, http.StatusNoContent, do(mine, http.MethodDelete, "/routes/"+created.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(mine, http.MethodGet, "/routes/"+created.ID, nil).Code)
}

func TestUploadMultipart(t *testing.T) {
	mine, _ := routeRouter(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "Evening Spin.gpx")
	require.NoError(t, err)
	_, err = part.Write([]byte(sampleGPX("", 5)))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/gpx/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	mine.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created uploadResponse
	decodeBody(t, w, &created)
	assert.Equal(t, "Evening Spin", created.Name)
}

func TestUploadRejectsBadInput(t *testing.T) {
	mine, _ := routeRouter(t)

	w := do(mine, http.MethodPost, "/gpx/upload", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(mine, http.MethodPost, "/gpx/upload", gin.H{"gpxContent": "<gpx"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]string
	decodeBody(t, w, &body)
	assert.Equal(t, string(apperrors.KindParse), body["kind"])
}

func TestParseEndpoint(t *testing.T) {
	mine, _ := routeRouter(t)

	w := do(mine, http.MethodPost, "/gpx/parse", gin.H{"gpxContent": sampleGPX("Preview", 12)})
	require.Equal(t, http.StatusOK, w.Code)
	var res services.ParseResult
	decodeBody(t, w, &res)
	assert.Equal(t, "Preview", res.Name)
	assert.Equal(t, 12, res.PointsCount)

	w = do(mine, http.MethodGet, "/routes", nil)
	assert.JSONEq(t, `{"routes":[]}`, w.Body.String())
}

type stubForecasts struct {
	enqueue   *services.EnqueueResult
	snapshot  *services.StatusSnapshot
	image     *services.Image
	cached    bool
	err       error
	lastInput services.ForecastInput
	lastOwner int64
}

func (s *stubForecasts) Enqueue(_ context.Context, in services.ForecastInput) (*services.EnqueueResult, error) {
	s.lastInput = in
	return s.enqueue, s.err
}

func (s *stubForecasts) GetStatus(_ context.Context, _ string, owner int64) (*services.StatusSnapshot, error) {
	s.lastOwner = owner
	return s.snapshot, s.err
}

func (s *stubForecasts) GetImage(_ context.Context, _ string, owner int64) (*services.Image, error) {
	s.lastOwner = owner
	return s.image, s.err
}

func (s *stubForecasts) RenderNow(_ context.Context, in services.ForecastInput) (*services.Image, bool, error) {
	s.lastInput = in
	return s.image, s.cached, s.err
}

func forecastRouter(stub *stubForecasts) *gin.Engine {
	fc := NewForecastController(stub)
	r := gin.New()
	r.Use(asOwner(9))
	r.POST("/weather/forecast", fc.Create)
	r.POST("/weather/forecast/image", fc.RenderImage)
	r.GET("/weather/forecast/:id", fc.Status)
	r.GET("/weather/forecast/:id/image", fc.Image)
	return r
}

func TestCreateForecast(t *testing.T) {
	stub := &stubForecasts{enqueue: &services.EnqueueResult{RequestID: "req-1", Status: "pending"}}
	r := forecastRouter(stub)

	w := do(r, http.MethodPost, "/weather/forecast", gin.H{"routeId": "route-1", "date": "2025-06-02", "startHour": 0, "durationHours": 4})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.JSONEq(t, `{"requestId":"req-1","status":"pending","cached":false}`, w.Body.String())
	assert.Equal(t, services.ForecastInput{RouteID: "route-1", OwnerID: 9, Date: "2025-06-02", StartHour: 0, DurationHours: 4}, stub.lastInput)

	stub.enqueue = &services.EnqueueResult{RequestID: "req-1", Status: services.StatusCached, Cached: true}
	w = do(r, http.MethodPost, "/weather/forecast", gin.H{"routeId": "route-1", "date": "2025-06-02", "startHour": 0, "durationHours": 4})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateForecastValidation(t *testing.T) {
	stub := &stubForecasts{}
	r := forecastRouter(stub)

	w := do(r, http.MethodPost, "/weather/forecast", gin.H{"routeId": "route-1", "date": "2025-06-02", "durationHours": 4})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	stub.err = apperrors.Validation("services.Validate", "startHour must be between 0 and 23")
	w = do(r, http.MethodPost, "/weather/forecast", gin.H{"routeId": "route-1", "date": "2025-06-02", "startHour": 30, "durationHours": 4})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]string
	decodeBody(t, w, &body)
	assert.Equal(t, "startHour must be between 0 and 23", body["error"])
}

func TestForecastErrorStatuses(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{apperrors.NotFound("op", "forecast request not found"), http.StatusNotFound},
		{apperrors.DataNotReady("op", "image not rendered yet"), http.StatusConflict},
		{apperrors.Quota("op", "daily limit reached"), http.StatusTooManyRequests},
		{apperrors.Upstream("op", "weather api unavailable", nil), http.StatusBadGateway},
		{apperrors.Render("op", "render failed", nil), http.StatusInternalServerError},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		r := forecastRouter(&stubForecasts{err: tt.err})
		w := do(r, http.MethodGet, "/weather/forecast/req-1/image", nil)
		assert.Equal(t, tt.status, w.Code, tt.err.Error())
	}
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	r := forecastRouter(&stubForecasts{err: fmt.Errorf("pq: password authentication failed")})
	w := do(r, http.MethodGet, "/weather/forecast/req-1", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "password")
}

func TestForecastStatusAndImage(t *testing.T) {
	stub := &stubForecasts{
		snapshot: &services.StatusSnapshot{RequestID: "req-1", Status: "completed", HasImage: true},
		image:    &services.Image{Bytes: []byte("png-bytes"), MimeType: "image/png"},
	}
	r := forecastRouter(stub)

	w := do(r, http.MethodGet, "/weather/forecast/req-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snapshot services.StatusSnapshot
	decodeBody(t, w, &snapshot)
	assert.Equal(t, "req-1", snapshot.RequestID)
	assert.True(t, snapshot.HasImage)
	assert.Equal(t, int64(9), stub.lastOwner)

	w = do(r, http.MethodGet, "/weather/forecast/req-1/image", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, "png-bytes", w.Body.String())
}

func TestRenderImageInline(t *testing.T) {
	stub := &stubForecasts{image: &services.Image{Bytes: []byte("png"), MimeType: "image/png"}, cached: true}
	r := forecastRouter(stub)

	w := do(r, http.MethodPost, "/weather/forecast/image", gin.H{"routeId": "route-1", "date": "2025-06-02", "startHour": 7, "durationHours": 2})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get("X-Forecast-Cached"))
	assert.Equal(t, int64(9), stub.lastInput.OwnerID)
}

func TestHealth(t *testing.T) {
	r := gin.New()
	r.GET("/healthz", NewHealthController(dbtest.Open(t)).Health)

	w := do(r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}
