// Package repository persists routes and forecast requests with GORM.
package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sergeycw/windline/internal/apperrors"
	"github.com/sergeycw/windline/internal/models"
)

type RouteRepository interface {
	FindByID(ctx context.Context, id string) (*models.Route, error)
	FindByContentHash(ctx context.Context, ownerID int64, hash string) (*models.Route, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]models.Route, error)
	// CreateOrGet inserts route unless the owner already has a route with the
	// same content hash, and returns the stored row plus whether it was inserted.
	CreateOrGet(ctx context.Context, route *models.Route) (*models.Route, bool, error)
	Delete(ctx context.Context, id string) error
}

type GormRouteRepository struct {
	db *gorm.DB
}

func NewRouteRepository(db *gorm.DB) *GormRouteRepository {
	return &GormRouteRepository{db: db}
}

func (r *GormRouteRepository) FindByID(ctx context.Context, id string) (*models.Route, error) {
	var route models.Route
	if err := r.db.WithContext(ctx).First(&route, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "route", id)
	}
	return &route, nil
}

func (r *GormRouteRepository) FindByContentHash(ctx context.Context, ownerID int64, hash string) (*models.Route, error) {
	var route models.Route
	err := r.db.WithContext(ctx).First(&route, "owner_id = ? AND content_hash = ?", ownerID, hash).Error
	if err != nil {
		return nil, notFound(err, "route with hash", hash)
	}
	return &route, nil
}

func (r *GormRouteRepository) ListByOwner(ctx context.Context, ownerID int64) ([]models.Route, error) {
	var routes []models.Route
	err := r.db.WithContext(ctx).
		Omit("points", "render_polyline").
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&routes).Error
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	return routes, nil
}

func (r *GormRouteRepository) CreateOrGet(ctx context.Context, route *models.Route) (*models.Route, bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "owner_id"}, {Name: "content_hash"}}, DoNothing: true}).
		Create(route)
	if res.Error != nil {
		return nil, false, fmt.Errorf("create route: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return route, true, nil
	}

	existing, err := r.FindByContentHash(ctx, route.OwnerID, route.ContentHash)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Delete removes a route together with its forecast requests.
func (r *GormRouteRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("route_id = ?", id).Delete(&models.ForecastRequest{}).Error; err != nil {
			return fmt.Errorf("delete forecast requests: %w", err)
		}
		res := tx.Delete(&models.Route{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("delete route: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperrors.NotFound("repository", fmt.Sprintf("route %s not found", id))
		}
		return nil
	})
}

func notFound(err error, what, key string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.NotFound("repository", fmt.Sprintf("%s %s not found", what, key))
	}
	return fmt.Errorf("find %s %s: %w", what, key, err)
}
