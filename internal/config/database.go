package config

import (
	"fmt"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/sergeycw/windline/internal/logger"
	"github.com/sergeycw/windline/internal/models"
)

// InitDB opens the configured database and migrates the schema.
func InitDB(cfg DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.Path + "?_foreign_keys=on")
	default:
		// Build Data Source Name
		dsn := fmt.Sprintf(
			"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
			cfg.Host, cfg.User, cfg.Password, cfg.Name, cfg.Port, cfg.SSLMode, cfg.TimeZone,
		)
		// database/sql driver registered by lib/pq
		dialector = postgres.New(postgres.Config{DriverName: "postgres", DSN: dsn})
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.GormLogger()})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	logrus.WithField("driver", cfg.Driver).Info("Database connected")
	return db, nil
}

// Migrate creates or updates the windline tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Route{}, &models.ForecastRequest{}); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}
	return nil
}
