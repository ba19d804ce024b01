package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/controllers/booking_controller"
	middleware "github.com/ayoubbenmbarek/maritime-reservation-backend/middlewares"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/middlewares/auth"
)

func RegisterBookingRoutes(router *gin.Engine, bookingController *booking_controller.BookingController) {
	// Protected routes
	protected := router.Group("/")
	protected.Use(auth.AuthMiddleware())
	{
		protected.POST("/bookings", middleware.NewRateLimiter("10-1m", "create_booking"), bookingController.CreateBooking)
		protected.GET("/bookings/:id", middleware.NewRateLimiter("60-1m", "get_booking"), bookingController.GetBooking)
		protected.POST("/bookings/:id/cancel", middleware.NewRateLimiter("10-1m", "cancel_booking"), bookingController.CancelBooking)
	}
}
