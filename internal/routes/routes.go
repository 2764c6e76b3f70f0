package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sergeycw/windline/internal/controllers"
	"github.com/sergeycw/windline/internal/middleware"
)

// Handlers groups the controllers mounted by SetupRouter.
type Handlers struct {
	Routes    *controllers.RouteController
	Forecasts *controllers.ForecastController
	Health    *controllers.HealthController
}

type Options struct {
	JWTSecret      []byte
	AllowedOrigins []string
}

func SetupRouter(h Handlers, opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(), middleware.CORS(opts.AllowedOrigins))

	// Unauthenticated
	r.GET("/healthz", h.Health.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/", middleware.RequireAuth(opts.JWTSecret))
	GPXRoutes(api, h.Routes)
	RouteRoutes(api, h.Routes)
	WeatherRoutes(api, h.Forecasts)

	return r
}
