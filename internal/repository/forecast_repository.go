package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sergeycw/windline/internal/models"
)

type ForecastRequestRepository interface {
	FindByID(ctx context.Context, id string) (*models.ForecastRequest, error)
	FindByHash(ctx context.Context, hash string) (*models.ForecastRequest, error)
	// FindOrCreate inserts req unless its RequestHash already exists and
	// returns the stored row plus whether it was inserted.
	FindOrCreate(ctx context.Context, req *models.ForecastRequest) (*models.ForecastRequest, bool, error)
	Save(ctx context.Context, req *models.ForecastRequest) error
	// UpdateStatus changes only status and error.
	UpdateStatus(ctx context.Context, id string, status models.ForecastStatus, errMsg *string) error
}

type GormForecastRequestRepository struct {
	db *gorm.DB
}

func NewForecastRequestRepository(db *gorm.DB) *GormForecastRequestRepository {
	return &GormForecastRequestRepository{db: db}
}

func (r *GormForecastRequestRepository) FindByID(ctx context.Context, id string) (*models.ForecastRequest, error) {
	var req models.ForecastRequest
	if err := r.db.WithContext(ctx).First(&req, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "forecast request", id)
	}
	return &req, nil
}

func (r *GormForecastRequestRepository) FindByHash(ctx context.Context, hash string) (*models.ForecastRequest, error) {
	var req models.ForecastRequest
	if err := r.db.WithContext(ctx).First(&req, "request_hash = ?", hash).Error; err != nil {
		return nil, notFound(err, "forecast request with hash", hash)
	}
	return &req, nil
}

func (r *GormForecastRequestRepository) FindOrCreate(ctx context.Context, req *models.ForecastRequest) (*models.ForecastRequest, bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "request_hash"}}, DoNothing: true}).
		Create(req)
	if res.Error != nil {
		return nil, false, fmt.Errorf("create forecast request: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return req, true, nil
	}

	existing, err := r.FindByHash(ctx, req.RequestHash)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *GormForecastRequestRepository) Save(ctx context.Context, req *models.ForecastRequest) error {
	if err := r.db.WithContext(ctx).Omit(clause.Associations).Save(req).Error; err != nil {
		return fmt.Errorf("save forecast request %s: %w", req.ID, err)
	}
	return nil
}

func (r *GormForecastRequestRepository) UpdateStatus(ctx context.Context, id string, status models.ForecastStatus, errMsg *string) error {
	res := r.db.WithContext(ctx).
		Model(&models.ForecastRequest{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "error": errMsg})
	if res.Error != nil {
		return fmt.Errorf("update forecast request %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound(gorm.ErrRecordNotFound, "forecast request", id)
	}
	return nil
}
