package weather

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sergeycw/windline/internal/apperrors"
)

// Provider fetches hourly forecasts keyed by grid key.
type Provider interface {
	FetchForecast(ctx context.Context, q ForecastQuery) (Forecasts, error)
	FetchTimedForecast(ctx context.Context, q TimedForecastQuery) (TimedForecasts, error)
}

// ProviderOptions selects and configures a Provider.
type ProviderOptions struct {
	Name    string // "openmeteo"
	BaseURL string
	Timeout time.Duration

	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
	// Now is the clock used for horizon checks.
	Now func() time.Time
}

// NewProvider builds the backend named in opts.
func NewProvider(opts ProviderOptions) (Provider, error) {
	switch opts.Name {
	case "", ProviderOpenMeteo:
		return NewOpenMeteo(opts), nil
	default:
		return nil, fmt.Errorf("unknown weather provider %q", opts.Name)
	}
}

// CheckHorizon rejects dates before today or more than MaxForecastDays ahead,
// comparing calendar days in UTC.
func CheckHorizon(date, now time.Time) error {
	today := truncateDay(now)
	day := truncateDay(date)
	if day.Before(today) {
		return apperrors.Validation("weather", "historical forecasts are not supported")
	}
	if day.After(today.AddDate(0, 0, MaxForecastDays)) {
		return apperrors.Validation("weather", fmt.Sprintf("forecast is only available up to %d days ahead", MaxForecastDays))
	}
	return nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
