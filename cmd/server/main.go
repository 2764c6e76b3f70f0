package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/sergeycw/windline/internal/config"
	"github.com/sergeycw/windline/internal/controllers"
	"github.com/sergeycw/windline/internal/logger"
	"github.com/sergeycw/windline/internal/queue"
	"github.com/sergeycw/windline/internal/renderer"
	"github.com/sergeycw/windline/internal/repository"
	"github.com/sergeycw/windline/internal/routes"
	"github.com/sergeycw/windline/internal/services"
	"github.com/sergeycw/windline/internal/weather"
)

func main() {
	configPath := flag.String("config", "windline.toml", "path to the TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}

	// Initialize structured logging to file
	logger.Setup(cfg.Log.Level, cfg.Log.File)

	// Connect to the database
	db, err := config.InitDB(cfg.Database)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize database")
	}

	routeRepo := repository.NewRouteRepository(db)
	requestRepo := repository.NewForecastRequestRepository(db)

	provider, err := weather.NewProvider(weather.ProviderOptions{
		Name:    cfg.Weather.Provider,
		BaseURL: cfg.Weather.BaseURL,
		Timeout: cfg.Weather.Timeout,
	})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create weather provider")
	}

	tiles, err := renderer.TileSourceFor(cfg.Renderer.TileProvider, cfg.Renderer.StadiaAPIKey)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to configure map tiles")
	}
	mapRenderer, err := renderer.New(renderer.Options{
		Width:   cfg.Renderer.Width,
		Height:  cfg.Renderer.Height,
		Tiles:   tiles,
		Timeout: cfg.Renderer.Timeout,
	})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create map renderer")
	}

	jobs := queue.New(queue.Config{Workers: cfg.Queue.Workers}, logger.NewWatermillLogger())

	forecastOpts := services.DefaultForecastOptions()
	forecastOpts.CacheTTL = cfg.Forecast.CacheTTL
	forecastOpts.RenderEnabled = cfg.Renderer.Enabled

	routeService := services.NewRouteService(routeRepo)
	forecastService := services.NewForecastService(routeRepo, requestRepo, provider, mapRenderer, jobs, forecastOpts)
	if err := forecastService.RegisterJobs(jobs); err != nil {
		logrus.WithError(err).Fatal("Failed to register job handlers")
	}

	gin.SetMode(gin.ReleaseMode)
	r := routes.SetupRouter(routes.Handlers{
		Routes:    controllers.NewRouteController(routeService),
		Forecasts: controllers.NewForecastController(forecastService),
		Health:    controllers.NewHealthController(db),
	}, routes.Options{
		JWTSecret:      []byte(cfg.Auth.JWTSecret),
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logrus.WithFields(logrus.Fields{
			"addr":          cfg.Server.Addr,
			"tile_provider": cfg.Renderer.TileProvider,
			"render":        cfg.Renderer.Enabled,
			"workers":       cfg.Queue.Workers,
		}).Info("Server running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("HTTP shutdown failed")
	}
	if err := jobs.Close(); err != nil {
		logrus.WithError(err).Error("Queue shutdown failed")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
