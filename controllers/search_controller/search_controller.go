package search_controller

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/clients/operators"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/logger"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/search"
)

// SearchController exposes the fan-out ferry search.
type SearchController struct {
	Aggregator *search.Aggregator
}

func NewSearchController(agg *search.Aggregator) *SearchController {
	return &SearchController{Aggregator: agg}
}

type searchRequest struct {
	DeparturePort string `form:"departure_port" binding:"required"`
	ArrivalPort   string `form:"arrival_port" binding:"required"`
	DepartureDate string `form:"departure_date" binding:"required"`
	Passengers    int    `form:"passengers" binding:"required,gt=0"`
	Vehicles      int    `form:"vehicles"`
}

// Search handles GET /search.
func (sc *SearchController) Search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid search parameters", "details": err.Error()})
		return
	}

	date, err := time.Parse("2006-01-02", req.DepartureDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "departure_date must be YYYY-MM-DD"})
		return
	}

	result, err := sc.Aggregator.Search(c.Request.Context(), operators.SearchCriteria{
		DeparturePort: req.DeparturePort,
		ArrivalPort:   req.ArrivalPort,
		DepartureDate: date,
		Passengers:    req.Passengers,
		Vehicles:      req.Vehicles,
	})
	if err != nil {
		logger.ErrorLogger.Errorf("Search failed for %s->%s: %v", req.DeparturePort, req.ArrivalPort, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"offers":    result.Offers,
		"omissions": result.Omissions,
	})
}
