package controllers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/twpayne/go-geom"
	gjson "github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sergeycw/windline/internal/apperrors"
	"github.com/sergeycw/windline/internal/models"
	"github.com/sergeycw/windline/internal/services"
)

// MaxUploadBytes caps the size of an uploaded GPX document.
const MaxUploadBytes = 10 << 20

// RouteAPI is the route service as seen by the HTTP layer.
type RouteAPI interface {
	Upload(ctx context.Context, in services.UploadInput) (*services.UploadResult, error)
	Parse(content []byte) (*services.ParseResult, error)
	Get(ctx context.Context, id string, ownerID int64) (*models.Route, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]models.Route, error)
	Delete(ctx context.Context, id string, ownerID int64) error
}

type RouteController struct {
	routes RouteAPI
}

func NewRouteController(routes RouteAPI) *RouteController {
	return &RouteController{routes: routes}
}

// RouteResponse is the API shape of a stored route. Geometry is a GeoJSON
// LineString string of the stored points and is only filled for single routes.
type RouteResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Distance    int       `json:"distance"`
	PointsCount int       `json:"pointsCount"`
	CreatedAt   time.Time `json:"createdAt"`
	Geometry    string    `json:"geometry,omitempty"`
}

type uploadResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Distance    int    `json:"distance"`
	PointsCount int    `json:"pointsCount"`
	IsNew       bool   `json:"isNew"`
}

type gpxInput struct {
	GPXContent string `json:"gpxContent" binding:"required"`
	FileName   string `json:"fileName"`
}

// toRouteResponse converts a models.Route to a RouteResponse
func toRouteResponse(route models.Route, withGeometry bool) RouteResponse {
	resp := RouteResponse{
		ID:          route.ID,
		Name:        route.Name,
		Distance:    route.Distance,
		PointsCount: route.PointsCount,
		CreatedAt:   route.CreatedAt,
	}
	if withGeometry {
		geometry, err := routeGeoJSON(route)
		if err != nil {
			logrus.WithError(err).WithField("route_id", route.ID).Warn("could not encode route geometry")
		}
		resp.Geometry = geometry
	}
	return resp
}

// routeGeoJSON encodes the stored points as a GeoJSON LineString in lon, lat order.
func routeGeoJSON(route models.Route) (string, error) {
	points, err := route.RoutePoints()
	if err != nil || len(points) < 2 {
		return "", err
	}
	coords := make([]geom.Coord, len(points))
	for i, p := range points {
		coords[i] = geom.Coord{p.Lon, p.Lat}
	}
	line, err := geom.NewLineString(geom.XY).SetCoords(coords)
	if err != nil {
		return "", err
	}
	b, err := gjson.Marshal(line)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// readGPX accepts either a JSON body {gpxContent, fileName} or a multipart
// form with a "file" part.
func readGPX(c *gin.Context) ([]byte, string, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadBytes)

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("file")
		if err != nil {
			return nil, "", apperrors.Validation("controllers.readGPX", "missing file part: "+err.Error())
		}
		f, err := fh.Open()
		if err != nil {
			return nil, "", apperrors.Validation("controllers.readGPX", "unreadable file part")
		}
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return nil, "", apperrors.Validation("controllers.readGPX", "unreadable file part")
		}
		return content, fh.Filename, nil
	}

	var input gpxInput
	if err := c.ShouldBindJSON(&input); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, "", apperrors.Validation("controllers.readGPX", "gpx document too large")
		}
		return nil, "", apperrors.Validation("controllers.readGPX", "Invalid input: "+err.Error())
	}
	return []byte(input.GPXContent), input.FileName, nil
}

// Upload stores a GPX route for the caller. Re-uploading the same bytes
// returns the existing route with isNew false.
func (rc *RouteController) Upload(c *gin.Context) {
	owner, ok := ownerOrAbort(c)
	if !ok {
		return
	}
	content, fileName, err := readGPX(c)
	if err != nil {
		respondError(c, "Upload", err)
		return
	}

	res, err := rc.routes.Upload(c.Request.Context(), services.UploadInput{Content: content, OwnerID: owner, FileName: fileName})
	if err != nil {
		respondError(c, "Upload", err)
		return
	}

	status := http.StatusOK
	if res.IsNew {
		status = http.StatusCreated
	}
	c.JSON(status, uploadResponse{
		ID:          res.Route.ID,
		Name:        res.Route.Name,
		Distance:    res.Route.Distance,
		PointsCount: res.Route.PointsCount,
		IsNew:       res.IsNew,
	})
}

// Parse validates a GPX document without storing it.
func (rc *RouteController) Parse(c *gin.Context) {
	content, _, err := readGPX(c)
	if err != nil {
		respondError(c, "Parse", err)
		return
	}
	res, err := rc.routes.Parse(content)
	if err != nil {
		respondError(c, "Parse", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// List returns the caller's routes, newest first.
func (rc *RouteController) List(c *gin.Context) {
	owner, ok := ownerOrAbort(c)
	if !ok {
		return
	}
	routes, err := rc.routes.ListByOwner(c.Request.Context(), owner)
	if err != nil {
		respondError(c, "List", err)
		return
	}

	routeResponses := make([]RouteResponse, 0, len(routes))
	for _, r := range routes {
		routeResponses = append(routeResponses, toRouteResponse(r, false))
	}
	c.JSON(http.StatusOK, gin.H{"routes": routeResponses})
}

func (rc *RouteController) Get(c *gin.Context) {
	owner, ok := ownerOrAbort(c)
	if !ok {
		return
	}
	route, err := rc.routes.Get(c.Request.Context(), c.Param("id"), owner)
	if err != nil {
		respondError(c, "Get", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"route": toRouteResponse(*route, true)})
}

func (rc *RouteController) Delete(c *gin.Context) {
	owner, ok := ownerOrAbort(c)
	if !ok {
		return
	}
	if err := rc.routes.Delete(c.Request.Context(), c.Param("id"), owner); err != nil {
		respondError(c, "Delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}
