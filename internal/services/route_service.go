// Package services implements the route upload and forecast workflows on top
// of the repositories, the weather provider, the map renderer and the queue.
package services

import (
	"context"
	"encoding/hex"
	"errors"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/sergeycw/windline/internal/apperrors"
	"github.com/sergeycw/windline/internal/gpx"
	"github.com/sergeycw/windline/internal/metrics"
	"github.com/sergeycw/windline/internal/models"
	"github.com/sergeycw/windline/internal/repository"
)

type UploadInput struct {
	Content  []byte
	OwnerID  int64
	FileName string
}

type UploadResult struct {
	Route *models.Route
	IsNew bool
}

// ParseResult describes a GPX document without storing it.
type ParseResult struct {
	Name        string `json:"name"`
	Distance    int    `json:"distance"`
	PointsCount int    `json:"pointsCount"`
}

type RouteService struct {
	routes   repository.RouteRepository
	optimize gpx.OptimizeOptions
	render   gpx.RenderOptions
}

func NewRouteService(routes repository.RouteRepository) *RouteService {
	return &RouteService{
		routes:   routes,
		optimize: gpx.DefaultOptimizeOptions,
		render:   gpx.DefaultRenderOptions,
	}
}

// ContentHash is the hex blake2b-256 digest of raw upload bytes.
func ContentHash(content []byte) string {
	sum := blake2b.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Upload stores a GPX route. Uploading identical bytes again returns the
// existing route with IsNew false.
func (s *RouteService) Upload(ctx context.Context, in UploadInput) (*UploadResult, error) {
	hash := ContentHash(in.Content)
	if existing, err := s.routes.FindByContentHash(ctx, in.OwnerID, hash); err == nil {
		metrics.RouteUploads.WithLabelValues("duplicate").Inc()
		return &UploadResult{Route: existing, IsNew: false}, nil
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	parsed, err := gpx.Parse(in.Content)
	if err != nil {
		metrics.RouteUploads.WithLabelValues("invalid").Inc()
		return nil, err
	}

	route := &models.Route{
		OwnerID:        in.OwnerID,
		Name:           routeName(parsed.Name, in.FileName),
		ContentHash:    hash,
		Distance:       parsed.Distance,
		RenderPolyline: gpx.RenderPolyline(parsed.Points, s.render),
	}
	if err := route.SetPoints(gpx.Optimize(parsed.Points, s.optimize)); err != nil {
		return nil, apperrors.Internal("services.Upload", "encode route points", err)
	}

	stored, isNew, err := s.routes.CreateOrGet(ctx, route)
	if err != nil {
		return nil, err
	}
	if isNew {
		metrics.RouteUploads.WithLabelValues("new").Inc()
		logrus.WithFields(logrus.Fields{
			"route_id": stored.ID,
			"owner_id": stored.OwnerID,
			"distance": stored.Distance,
			"points":   stored.PointsCount,
		}).Info("route uploaded")
	} else {
		metrics.RouteUploads.WithLabelValues("duplicate").Inc()
	}
	return &UploadResult{Route: stored, IsNew: isNew}, nil
}

// routeName prefers the GPX name, then the uploaded file name without its
// extension.
func routeName(parsed, fileName string) string {
	if parsed != gpx.DefaultRouteName || fileName == "" {
		return parsed
	}
	base := filepath.Base(fileName)
	if name := strings.TrimSpace(strings.TrimSuffix(base, filepath.Ext(base))); name != "" && name != "." {
		return name
	}
	return parsed
}

func (s *RouteService) Parse(content []byte) (*ParseResult, error) {
	parsed, err := gpx.Parse(content)
	if err != nil {
		return nil, err
	}
	return &ParseResult{Name: parsed.Name, Distance: parsed.Distance, PointsCount: len(parsed.Points)}, nil
}

// Get returns a route owned by ownerID. Routes of other owners are reported
// as not found.
func (s *RouteService) Get(ctx context.Context, id string, ownerID int64) (*models.Route, error) {
	route, err := s.routes.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if route.OwnerID != ownerID {
		return nil, apperrors.NotFound("services.Get", "route "+id+" not found")
	}
	return route, nil
}

func (s *RouteService) ListByOwner(ctx context.Context, ownerID int64) ([]models.Route, error) {
	return s.routes.ListByOwner(ctx, ownerID)
}

// Delete removes a route and its forecasts.
func (s *RouteService) Delete(ctx context.Context, id string, ownerID int64) error {
	if _, err := s.Get(ctx, id, ownerID); err != nil {
		return err
	}
	return s.routes.Delete(ctx, id)
}
