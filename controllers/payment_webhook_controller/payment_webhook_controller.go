package payment_webhook_controller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/clients/gateways"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/logger"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/booking_models"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/payments"
)

// WebhookApplier settles payment attempts from gateway events.
// *payments.Orchestrator satisfies it.
type WebhookApplier interface {
	ApplyWebhook(ctx context.Context, event payments.WebhookEvent) error
}

// Resumer re-drives a booking after its payment settled asynchronously.
type Resumer interface {
	Resume(ctx context.Context, id uuid.UUID) (*booking_models.Booking, error)
}

// WebhookController terminates inbound payment gateway webhooks. Every
// payload is signature-checked against the named gateway before anything is
// parsed out of it.
type WebhookController struct {
	Gateways map[string]gateways.Client
	Payments WebhookApplier
	Saga     Resumer
}

func NewWebhookController(gws map[string]gateways.Client, applier WebhookApplier, resumer Resumer) *WebhookController {
	return &WebhookController{Gateways: gws, Payments: applier, Saga: resumer}
}

// signatureHeaders maps a gateway name to the header carrying its signature.
var signatureHeaders = map[string]string{
	"stripe":   "Stripe-Signature",
	"razorpay": "X-Razorpay-Signature",
}

// Handle processes POST /webhooks/:gateway.
func (wc *WebhookController) Handle(c *gin.Context) {
	gatewayName := c.Param("gateway")
	gw, ok := wc.Gateways[gatewayName]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown gateway"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	header := signatureHeaders[gatewayName]
	signature := c.GetHeader(header)
	if signature == "" || !gw.VerifyWebhookSignature(signature, body) {
		logger.WarnLogger.Warnf("Rejected webhook for %s: bad signature", gatewayName)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	event, err := parseEvent(gatewayName, body, c)
	if err != nil {
		logger.WarnLogger.Warnf("Unparseable %s webhook: %v", gatewayName, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "unparseable event"})
		return
	}
	if event.EventID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing event id"})
		return
	}

	if err := wc.Payments.ApplyWebhook(c.Request.Context(), event); err != nil {
		logger.ErrorLogger.Errorf("Failed to apply %s webhook %s: %v", gatewayName, event.EventID, err)
		// Non-2xx makes the gateway redeliver; dedup absorbs the replay.
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process event"})
		return
	}

	if bookingID, ok := bookingIDFromKey(event.IdempotencyKey); ok {
		if _, err := wc.Saga.Resume(c.Request.Context(), bookingID); err != nil {
			logger.WarnLogger.Warnf("Resume after webhook for booking %s: %v", bookingID, err)
		}
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// bookingIDFromKey recovers the booking id from a derived idempotency key of
// the form "<uuid>-<ordinal>".
func bookingIDFromKey(key string) (uuid.UUID, bool) {
	i := strings.LastIndex(key, "-")
	if i <= 0 {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(key[:i])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func parseEvent(gatewayName string, body []byte, c *gin.Context) (payments.WebhookEvent, error) {
	switch gatewayName {
	case "stripe":
		return parseStripeEvent(body)
	case "razorpay":
		return parseRazorpayEvent(body, c.GetHeader("X-Razorpay-Event-Id"))
	default:
		return payments.WebhookEvent{}, fmt.Errorf("no parser for gateway %s", gatewayName)
	}
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string `json:"id"`
			Metadata struct {
				IdempotencyKey string `json:"idempotency_key"`
			} `json:"metadata"`
			LastPaymentError struct {
				Code string `json:"code"`
			} `json:"last_payment_error"`
		} `json:"object"`
	} `json:"data"`
}

func parseStripeEvent(body []byte) (payments.WebhookEvent, error) {
	var ev stripeEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return payments.WebhookEvent{}, err
	}

	event := payments.WebhookEvent{
		Gateway:        "stripe",
		EventID:        ev.ID,
		IdempotencyKey: ev.Data.Object.Metadata.IdempotencyKey,
		PaymentRef:     ev.Data.Object.ID,
		Raw:            body,
	}

	switch ev.Type {
	case "payment_intent.succeeded":
		event.Status = gateways.ChargeSucceeded
	case "payment_intent.payment_failed", "payment_intent.canceled":
		event.Status = gateways.ChargeDeclined
		event.DeclineCode = ev.Data.Object.LastPaymentError.Code
	case "payment_intent.processing":
		event.Status = gateways.ChargePending
	default:
		return payments.WebhookEvent{}, fmt.Errorf("unhandled event type %q", ev.Type)
	}
	return event, nil
}

type razorpayEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID        string `json:"id"`
				OrderID   string `json:"order_id"`
				ErrorCode string `json:"error_code"`
			} `json:"entity"`
		} `json:"payment"`
		Order struct {
			Entity struct {
				ID      string `json:"id"`
				Receipt string `json:"receipt"`
			} `json:"entity"`
		} `json:"order"`
	} `json:"payload"`
}

func parseRazorpayEvent(body []byte, eventID string) (payments.WebhookEvent, error) {
	var ev razorpayEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return payments.WebhookEvent{}, err
	}

	event := payments.WebhookEvent{
		Gateway:        "razorpay",
		EventID:        eventID,
		IdempotencyKey: ev.Payload.Order.Entity.Receipt,
		PaymentRef:     ev.Payload.Payment.Entity.ID,
		Raw:            body,
	}

	switch ev.Event {
	case "payment.captured", "order.paid":
		event.Status = gateways.ChargeSucceeded
	case "payment.failed":
		event.Status = gateways.ChargeDeclined
		event.DeclineCode = ev.Payload.Payment.Entity.ErrorCode
	case "payment.authorized":
		event.Status = gateways.ChargePending
	default:
		return payments.WebhookEvent{}, fmt.Errorf("unhandled event type %q", ev.Event)
	}
	return event, nil
}
