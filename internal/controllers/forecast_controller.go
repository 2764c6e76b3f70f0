package controllers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sergeycw/windline/internal/apperrors"
	"github.com/sergeycw/windline/internal/services"
)

// ForecastAPI is the forecast service as seen by the HTTP layer.
type ForecastAPI interface {
	Enqueue(ctx context.Context, in services.ForecastInput) (*services.EnqueueResult, error)
	GetStatus(ctx context.Context, requestID string, ownerID int64) (*services.StatusSnapshot, error)
	GetImage(ctx context.Context, requestID string, ownerID int64) (*services.Image, error)
	RenderNow(ctx context.Context, in services.ForecastInput) (*services.Image, bool, error)
}

type ForecastController struct {
	forecasts ForecastAPI
}

func NewForecastController(forecasts ForecastAPI) *ForecastController {
	return &ForecastController{forecasts: forecasts}
}

// forecastInput uses pointers so a missing hour is told apart from hour 0.
type forecastInput struct {
	RouteID       string `json:"routeId" binding:"required"`
	Date          string `json:"date" binding:"required"`
	StartHour     *int   `json:"startHour" binding:"required"`
	DurationHours *int   `json:"durationHours" binding:"required"`
}

func bindForecastInput(c *gin.Context) (services.ForecastInput, bool) {
	owner, ok := ownerOrAbort(c)
	if !ok {
		return services.ForecastInput{}, false
	}
	var input forecastInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, "bindForecastInput", apperrors.Validation("controllers.bindForecastInput", "Invalid input: "+err.Error()))
		return services.ForecastInput{}, false
	}
	return services.ForecastInput{
		RouteID:       input.RouteID,
		OwnerID:       owner,
		Date:          input.Date,
		StartHour:     *input.StartHour,
		DurationHours: *input.DurationHours,
	}, true
}

// Create queues a forecast for a route and time window. A fresh cached
// result is reported with status "cached" and nothing is queued.
func (fc *ForecastController) Create(c *gin.Context) {
	in, ok := bindForecastInput(c)
	if !ok {
		return
	}
	res, err := fc.forecasts.Enqueue(c.Request.Context(), in)
	if err != nil {
		respondError(c, "Create", err)
		return
	}

	status := http.StatusAccepted
	if res.Cached {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

// Status is polled by clients until the request is completed or failed.
func (fc *ForecastController) Status(c *gin.Context) {
	owner, ok := ownerOrAbort(c)
	if !ok {
		return
	}
	snapshot, err := fc.forecasts.GetStatus(c.Request.Context(), c.Param("id"), owner)
	if err != nil {
		respondError(c, "Status", err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// Image returns the rendered map; 409 until the render stage has finished.
func (fc *ForecastController) Image(c *gin.Context) {
	owner, ok := ownerOrAbort(c)
	if !ok {
		return
	}
	img, err := fc.forecasts.GetImage(c.Request.Context(), c.Param("id"), owner)
	if err != nil {
		respondError(c, "Image", err)
		return
	}
	c.Header("Cache-Control", "private, max-age=300")
	c.Data(http.StatusOK, img.MimeType, img.Bytes)
}

// RenderImage runs the forecast and render inline and returns the image.
func (fc *ForecastController) RenderImage(c *gin.Context) {
	in, ok := bindForecastInput(c)
	if !ok {
		return
	}
	img, cached, err := fc.forecasts.RenderNow(c.Request.Context(), in)
	if err != nil {
		respondError(c, "RenderImage", err)
		return
	}
	c.Header("X-Forecast-Cached", strconv.FormatBool(cached))
	c.Data(http.StatusOK, img.MimeType, img.Bytes)
}
