package models

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/sergeycw/windline/internal/geo"
)

// Route is an uploaded track. ContentHash identifies the raw GPX bytes, so
// an owner uploading the same file twice resolves to the same row.
type Route struct {
	ID          string `gorm:"type:varchar(36);primaryKey" json:"id"`
	OwnerID     int64  `gorm:"uniqueIndex:idx_routes_owner_hash,priority:1;not null" json:"ownerId"`
	Name        string `gorm:"not null" json:"name"`
	ContentHash string `gorm:"type:varchar(64);uniqueIndex:idx_routes_owner_hash,priority:2;not null" json:"-"`
	Distance    int    `gorm:"not null" json:"distance"` // meters

	// Points are downsampled for storage; RenderPolyline keeps the simplified
	// full-resolution shape for map rendering.
	Points         datatypes.JSON `gorm:"not null" json:"-"`
	PointsCount    int            `gorm:"not null" json:"pointsCount"`
	RenderPolyline string         `gorm:"type:text" json:"-"`

	ForecastRequests []ForecastRequest `gorm:"foreignKey:RouteID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`

	CreatedAt time.Time `json:"createdAt"`
}

func (r *Route) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// SetPoints stores points as JSON.
func (r *Route) SetPoints(points []geo.Point) error {
	b, err := json.Marshal(points)
	if err != nil {
		return err
	}
	r.Points = datatypes.JSON(b)
	r.PointsCount = len(points)
	return nil
}

// RoutePoints decodes the stored points.
func (r *Route) RoutePoints() ([]geo.Point, error) {
	if len(r.Points) == 0 {
		return nil, nil
	}
	var points []geo.Point
	if err := json.Unmarshal(r.Points, &points); err != nil {
		return nil, err
	}
	return points, nil
}
