package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/sergeycw/windline/internal/controllers"
)

func WeatherRoutes(r *gin.RouterGroup, fc *controllers.ForecastController) {
	forecast := r.Group("/weather/forecast")
	{
		forecast.POST("", fc.Create)
		forecast.POST("/image", fc.RenderImage)
		forecast.GET("/:id", fc.Status)
		forecast.GET("/:id/image", fc.Image)
	}
}
