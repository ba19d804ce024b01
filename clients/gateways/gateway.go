package gateways

import (
	"context"
	"errors"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/shared_models"
)

var (
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrPaymentDeclined    = errors.New("payment declined")
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrRefundFailed       = errors.New("refund failed")
)

// ChargeStatus is the normalized outcome of a charge or status query.
type ChargeStatus string

const (
	ChargeSucceeded ChargeStatus = "succeeded"
	ChargeDeclined  ChargeStatus = "declined"
	ChargePending   ChargeStatus = "pending"
)

// ChargeRequest carries everything a gateway needs to take a payment.
// IdempotencyKey must be stable across retries of the same attempt.
type ChargeRequest struct {
	IdempotencyKey string
	Amount         shared_models.Money
	CustomerEmail  string
	Description    string
	PaymentMethod  string // gateway-specific token from the excluded checkout layer
}

// ChargeResult is the gateway's answer, normalized.
type ChargeResult struct {
	GatewayName string
	PaymentRef  string
	Status      ChargeStatus
	DeclineCode string
}

// Client is the uniform contract over one payment processor. Implementations
// never retry internally; the resilience decorator owns retry policy.
type Client interface {
	Name() string
	// Supports reports whether this gateway can settle the given currency.
	Supports(currency string) bool
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, paymentRef string, amount shared_models.Money) error
	// Status looks a charge up by the idempotency key it was created with,
	// so an attempt that timed out in flight can be resolved.
	Status(ctx context.Context, idempotencyKey string) (ChargeResult, error)
	VerifyWebhookSignature(signature string, body []byte) bool
}
