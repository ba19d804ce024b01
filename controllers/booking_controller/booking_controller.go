package booking_controller

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/logger"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/booking_models"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/shared_models"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/saga"
)

// SagaService is what the controller needs from the saga layer.
// *saga.Coordinator satisfies it.
type SagaService interface {
	CreateBooking(ctx context.Context, req saga.CreateBookingRequest) (*booking_models.Booking, error)
	GetBooking(ctx context.Context, id uuid.UUID) (*booking_models.Booking, error)
	Cancel(ctx context.Context, id uuid.UUID) (*booking_models.Booking, error)
}

// StepLister exposes a booking's step log. *booking_models.Store satisfies
// it.
type StepLister interface {
	Steps(ctx context.Context, id uuid.UUID) ([]booking_models.StepEntry, error)
}

// BookingController holds dependencies for booking operations.
type BookingController struct {
	Saga  SagaService
	Steps StepLister
}

func NewBookingController(sagaSvc SagaService, steps StepLister) *BookingController {
	return &BookingController{Saga: sagaSvc, Steps: steps}
}

type createBookingRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	OperatorCode   string `json:"operator_code" binding:"required"`
	OfferRef       string `json:"offer_ref" binding:"required"`
	DeparturePort  string `json:"departure_port" binding:"required"`
	ArrivalPort    string `json:"arrival_port" binding:"required"`
	Passengers     int    `json:"passengers" binding:"required,gt=0"`
	Vehicles       int    `json:"vehicles"`
	LeadName       string `json:"lead_name" binding:"required"`
	LeadEmail      string `json:"lead_email" binding:"required,email"`
	PaymentMethod  string `json:"payment_method"`
	AmountMinor    int64  `json:"amount_minor" binding:"required,gt=0"`
	Currency       string `json:"currency" binding:"required,len=3"`
}

// CreateBooking handles POST /bookings. The idempotency key may come from
// the Idempotency-Key header or the body; the header wins.
func (bc *BookingController) CreateBooking(c *gin.Context) {
	var req createBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	key := c.GetHeader("Idempotency-Key")
	if key == "" {
		key = req.IdempotencyKey
	}
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idempotency key required"})
		return
	}

	booking, err := bc.Saga.CreateBooking(c.Request.Context(), saga.CreateBookingRequest{
		IdempotencyKey: key,
		OperatorCode:   req.OperatorCode,
		OfferRef:       req.OfferRef,
		DeparturePort:  req.DeparturePort,
		ArrivalPort:    req.ArrivalPort,
		Passengers:     req.Passengers,
		Vehicles:       req.Vehicles,
		LeadName:       req.LeadName,
		LeadEmail:      req.LeadEmail,
		PaymentMethod:  req.PaymentMethod,
		Total:          shared_models.NewMoney(req.AmountMinor, req.Currency),
	})
	if err != nil {
		switch {
		case errors.Is(err, saga.ErrInvalidBooking), errors.Is(err, saga.ErrUnknownOperator):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, saga.ErrBookingBusy):
			c.JSON(http.StatusConflict, gin.H{"code": "BOOKING_BUSY", "error": "booking is being processed"})
		default:
			logger.ErrorLogger.Errorf("CreateBooking failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create booking"})
		}
		return
	}

	c.JSON(http.StatusCreated, booking)
}

// GetBooking handles GET /bookings/:id.
func (bc *BookingController) GetBooking(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid booking id"})
		return
	}

	booking, err := bc.Saga.GetBooking(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, booking_models.ErrBookingNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "booking not found"})
			return
		}
		logger.ErrorLogger.Errorf("GetBooking %s failed: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load booking"})
		return
	}

	steps, err := bc.Steps.Steps(c.Request.Context(), id)
	if err != nil {
		logger.WarnLogger.Warnf("Failed to load steps for booking %s: %v", id, err)
	}

	c.JSON(http.StatusOK, gin.H{"booking": booking, "steps": steps})
}

// CancelBooking handles POST /bookings/:id/cancel.
func (bc *BookingController) CancelBooking(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid booking id"})
		return
	}

	booking, err := bc.Saga.Cancel(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, booking_models.ErrBookingNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "booking not found"})
		case errors.Is(err, saga.ErrBookingBusy):
			c.JSON(http.StatusAccepted, gin.H{
				"code":    "BOOKING_BUSY",
				"message": "cancellation requested, booking is mid-transition",
			})
		default:
			logger.ErrorLogger.Errorf("CancelBooking %s failed: %v", id, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel booking"})
		}
		return
	}

	c.JSON(http.StatusOK, booking)
}
