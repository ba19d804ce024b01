package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/controllers/search_controller"
	middleware "github.com/ayoubbenmbarek/maritime-reservation-backend/middlewares"
)

func RegisterSearchRoutes(router *gin.Engine, searchController *search_controller.SearchController) {
	// Search fans out to every operator, so it gets the tightest quota.
	router.GET("/search", middleware.NewRateLimiter("30-1m", "search"), searchController.Search)
}
