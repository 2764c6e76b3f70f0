package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/sergeycw/windline/internal/controllers"
)

func GPXRoutes(r *gin.RouterGroup, rc *controllers.RouteController) {
	gpx := r.Group("/gpx")
	{
		gpx.POST("/upload", rc.Upload)
		gpx.POST("/parse", rc.Parse)
	}
}

func RouteRoutes(r *gin.RouterGroup, rc *controllers.RouteController) {
	routes := r.Group("/routes")
	{
		routes.GET("", rc.List)
		routes.GET("/:id", rc.Get)
		routes.DELETE("/:id", rc.Delete)
	}
}
