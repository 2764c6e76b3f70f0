package models

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/sergeycw/windline/internal/weather"
)

// ForecastStatus is the lifecycle state of a ForecastRequest.
type ForecastStatus string

const (
	StatusPending    ForecastStatus = "pending"
	StatusProcessing ForecastStatus = "processing"
	StatusCompleted  ForecastStatus = "completed"
	StatusFailed     ForecastStatus = "failed"
)

// ForecastRequest is one (route, date, start hour, duration) forecast.
// RequestHash is unique, so concurrent identical requests share a row.
type ForecastRequest struct {
	ID            string `gorm:"type:varchar(36);primaryKey" json:"id"`
	RouteID       string `gorm:"type:varchar(36);index;not null" json:"routeId"`
	Route         *Route `gorm:"foreignKey:RouteID" json:"-"`
	OwnerID       int64  `gorm:"index;not null" json:"ownerId"`
	RequestHash   string `gorm:"type:varchar(64);uniqueIndex;not null" json:"-"`
	Date          string `gorm:"type:varchar(10);not null" json:"date"` // YYYY-MM-DD
	StartHour     int    `gorm:"not null" json:"startHour"`
	DurationHours int    `gorm:"not null" json:"durationHours"`

	EstimatedTimeHours *float64 `json:"estimatedTimeHours"`
	ElevationGain      *int     `json:"elevationGain"`

	Status      ForecastStatus `gorm:"type:varchar(16);index;not null;default:pending" json:"status"`
	Summary     datatypes.JSON `json:"-"`
	WindImpact  datatypes.JSON `json:"-"`
	WindMarkers datatypes.JSON `json:"-"`
	FetchedAt   *time.Time     `json:"fetchedAt"`
	Error       *string        `gorm:"type:text" json:"error"`

	ImageBytes      []byte     `json:"-"`
	ImageMimeType   string     `gorm:"type:varchar(32)" json:"-"`
	ImageRenderedAt *time.Time `json:"imageRenderedAt"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (f *ForecastRequest) BeforeCreate(tx *gorm.DB) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	return nil
}

// IsFresh reports whether f is a completed forecast fetched within ttl of now.
func (f *ForecastRequest) IsFresh(now time.Time, ttl time.Duration) bool {
	return f.Status == StatusCompleted && f.FetchedAt != nil && now.Sub(*f.FetchedAt) < ttl
}

// HasImage reports whether a rendered map of the current weather is stored.
// Only completed requests have one.
func (f *ForecastRequest) HasImage() bool {
	return f.Status == StatusCompleted && len(f.ImageBytes) > 0
}

func (f *ForecastRequest) SetSummary(s *weather.ForecastSummary) error {
	return setJSON(&f.Summary, s)
}

func (f *ForecastRequest) ForecastSummary() (*weather.ForecastSummary, error) {
	return getJSON[weather.ForecastSummary](f.Summary)
}

func (f *ForecastRequest) SetWindImpact(w *weather.WindImpact) error {
	return setJSON(&f.WindImpact, w)
}

func (f *ForecastRequest) ForecastWindImpact() (*weather.WindImpact, error) {
	return getJSON[weather.WindImpact](f.WindImpact)
}

func (f *ForecastRequest) SetWindMarkers(m []weather.WindMarker) error {
	if m == nil {
		f.WindMarkers = nil
		return nil
	}
	return setJSON(&f.WindMarkers, &m)
}

func (f *ForecastRequest) ForecastWindMarkers() ([]weather.WindMarker, error) {
	m, err := getJSON[[]weather.WindMarker](f.WindMarkers)
	if err != nil || m == nil {
		return nil, err
	}
	return *m, nil
}

func setJSON[T any](dst *datatypes.JSON, v *T) error {
	if v == nil {
		*dst = nil
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	*dst = datatypes.JSON(b)
	return nil
}

func getJSON[T any](src datatypes.JSON) (*T, error) {
	if len(src) == 0 || string(src) == "null" {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(src, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
