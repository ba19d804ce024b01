package payment_webhook_controller

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/clients/gateways"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/booking_models"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/shared_models"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/payments"
)

type sigGateway struct {
	name  string
	valid bool
}

func (g *sigGateway) Name() string { return g.name }

func (g *sigGateway) Supports(string) bool { return true }

func (g *sigGateway) Charge(context.Context, gateways.ChargeRequest) (gateways.ChargeResult, error) {
	return gateways.ChargeResult{}, nil
}

func (g *sigGateway) Refund(context.Context, string, shared_models.Money) error { return nil }

func (g *sigGateway) Status(context.Context, string) (gateways.ChargeResult, error) {
	return gateways.ChargeResult{}, nil
}

func (g *sigGateway) VerifyWebhookSignature(string, []byte) bool { return g.valid }

type capturedApply struct {
	events []payments.WebhookEvent
	err    error
}

func (a *capturedApply) ApplyWebhook(_ context.Context, event payments.WebhookEvent) error {
	if a.err != nil {
		return a.err
	}
	a.events = append(a.events, event)
	return nil
}

type recordResumer struct {
	resumed []uuid.UUID
}

func (r *recordResumer) Resume(_ context.Context, id uuid.UUID) (*booking_models.Booking, error) {
	r.resumed = append(r.resumed, id)
	return &booking_models.Booking{ID: id}, nil
}

func setup(valid bool) (*gin.Engine, *capturedApply, *recordResumer) {
	gin.SetMode(gin.TestMode)
	applier := &capturedApply{}
	resumer := &recordResumer{}
	wc := NewWebhookController(map[string]gateways.Client{
		"stripe":   &sigGateway{name: "stripe", valid: valid},
		"razorpay": &sigGateway{name: "razorpay", valid: valid},
	}, applier, resumer)

	r := gin.New()
	r.POST("/webhooks/:gateway", wc.Handle)
	return r, applier, resumer
}

func stripeBody(bookingID uuid.UUID) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_123",
		"type": "payment_intent.succeeded",
		"data": {"object": {
			"id": "pi_123",
			"metadata": {"idempotency_key": "%s-1"}
		}}
	}`, bookingID))
}

func TestHandleStripeSucceededEvent(t *testing.T) {
	r, applier, resumer := setup(true)
	bookingID := uuid.New()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(stripeBody(bookingID)))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, applier.events, 1)
	ev := applier.events[0]
	assert.Equal(t, "stripe", ev.Gateway)
	assert.Equal(t, "evt_123", ev.EventID)
	assert.Equal(t, gateways.ChargeSucceeded, ev.Status)
	assert.Equal(t, "pi_123", ev.PaymentRef)
	assert.Equal(t, fmt.Sprintf("%s-1", bookingID), ev.IdempotencyKey)
	assert.Equal(t, []uuid.UUID{bookingID}, resumer.resumed)
}

func TestHandleRazorpayCapturedEvent(t *testing.T) {
	r, applier, resumer := setup(true)
	bookingID := uuid.New()

	body := []byte(fmt.Sprintf(`{
		"event": "payment.captured",
		"payload": {
			"payment": {"entity": {"id": "pay_9", "order_id": "order_9"}},
			"order": {"entity": {"id": "order_9", "receipt": "%s-2"}}
		}
	}`, bookingID))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/razorpay", bytes.NewReader(body))
	req.Header.Set("X-Razorpay-Signature", "sig")
	req.Header.Set("X-Razorpay-Event-Id", "evt_rzp_1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, applier.events, 1)
	assert.Equal(t, "evt_rzp_1", applier.events[0].EventID)
	assert.Equal(t, gateways.ChargeSucceeded, applier.events[0].Status)
	assert.Equal(t, []uuid.UUID{bookingID}, resumer.resumed)
}

func TestHandleRejectsBadSignature(t *testing.T) {
	r, applier, _ := setup(false)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(stripeBody(uuid.New())))
	req.Header.Set("Stripe-Signature", "t=1,v1=forged")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, applier.events)
}

func TestHandleRejectsMissingSignature(t *testing.T) {
	r, applier, _ := setup(true)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(stripeBody(uuid.New())))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, applier.events)
}

func TestHandleUnknownGateway(t *testing.T) {
	r, _, _ := setup(true)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/paypal", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleUnparseableEvent(t *testing.T) {
	r, applier, _ := setup(true)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader([]byte(`{"type":"charge.refund.updated"}`)))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, applier.events)
}

func TestBookingIDFromKey(t *testing.T) {
	id := uuid.New()

	got, ok := bookingIDFromKey(fmt.Sprintf("%s-3", id))
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = bookingIDFromKey("client-chosen-key")
	assert.False(t, ok)

	_, ok = bookingIDFromKey("")
	assert.False(t, ok)
}
