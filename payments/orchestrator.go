package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/clients/gateways"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/logger"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/payment_models"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/shared_models"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/resilience"
)

var (
	ErrNoGatewayForCurrency = errors.New("no gateway supports currency")
	ErrPaymentUnresolved    = errors.New("payment outcome unresolved")
)

// AttemptStore is the slice of the payment persistence layer the
// orchestrator needs. *payment_models.Store satisfies it.
type AttemptStore interface {
	Create(ctx context.Context, bookingID uuid.UUID, gateway string, amount shared_models.Money) (*payment_models.Attempt, error)
	MarkSucceeded(ctx context.Context, id uuid.UUID, paymentRef string) error
	MarkFailed(ctx context.Context, id uuid.UUID, declineCode string) error
	MarkIndeterminate(ctx context.Context, id uuid.UUID) error
	MarkRefunded(ctx context.Context, id uuid.UUID) error
	SetPaymentRef(ctx context.Context, id uuid.UUID, paymentRef string) error
	GetByIdempotencyKey(ctx context.Context, key string) (*payment_models.Attempt, error)
	ListByBooking(ctx context.Context, bookingID uuid.UUID) ([]*payment_models.Attempt, error)
	Succeeded(ctx context.Context, bookingID uuid.UUID) (*payment_models.Attempt, error)
	RecordWebhookEvent(ctx context.Context, gateway, eventID string, payload []byte) (bool, error)
	DeleteWebhookEvent(ctx context.Context, gateway, eventID string) error
}

// ChargeRequest carries everything needed to collect payment for a booking.
type ChargeRequest struct {
	BookingID     uuid.UUID
	Amount        shared_models.Money
	CustomerEmail string
	Description   string
	PaymentMethod string
}

// WebhookEvent is a gateway notification already parsed and signature-checked
// by the inbound controller.
type WebhookEvent struct {
	Gateway        string
	EventID        string
	IdempotencyKey string
	PaymentRef     string
	Status         gateways.ChargeStatus
	DeclineCode    string
	Raw            []byte
}

// Orchestrator fronts all payment gateways behind one charge/refund contract.
// Gateways are tried in configured order among those supporting the booking's
// currency; failover to the next gateway is permitted only when the previous
// attempt is known not to have charged.
type Orchestrator struct {
	Gateways []gateways.Client
	Store    AttemptStore
}

func NewOrchestrator(gws []gateways.Client, store AttemptStore) *Orchestrator {
	return &Orchestrator{Gateways: gws, Store: store}
}

func (o *Orchestrator) candidates(currency string) []gateways.Client {
	var out []gateways.Client
	for _, gw := range o.Gateways {
		if gw.Supports(currency) {
			out = append(out, gw)
		}
	}
	return out
}

func (o *Orchestrator) gateway(name string) (gateways.Client, error) {
	for _, gw := range o.Gateways {
		if gw.Name() == name {
			return gw, nil
		}
	}
	return nil, fmt.Errorf("unknown gateway %q", name)
}

// Charge collects the booking total. It is idempotent: a booking that
// already holds a captured attempt gets that attempt back, and an unresolved
// earlier attempt is re-queried before any new charge is placed.
func (o *Orchestrator) Charge(ctx context.Context, req ChargeRequest) (*payment_models.Attempt, error) {
	if captured, err := o.Store.Succeeded(ctx, req.BookingID); err == nil {
		return captured, nil
	} else if !errors.Is(err, payment_models.ErrAttemptNotFound) {
		return nil, err
	}

	// An indeterminate or still-pending attempt must be settled first;
	// charging elsewhere while it might have captured risks a double
	// charge.
	prior, err := o.Store.ListByBooking(ctx, req.BookingID)
	if err != nil {
		return nil, err
	}
	for _, a := range prior {
		if a.Status != payment_models.AttemptPending {
			continue
		}
		resolved, err := o.Resolve(ctx, a)
		if err != nil {
			return nil, fmt.Errorf("%w: attempt %s on %s", ErrPaymentUnresolved, a.ID, a.Gateway)
		}
		switch resolved.Status {
		case payment_models.AttemptSucceeded:
			return resolved, nil
		case payment_models.AttemptPending:
			return resolved, nil
		}
	}

	cands := o.candidates(req.Amount.Currency)
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoGatewayForCurrency, req.Amount.Currency)
	}

	for i, gw := range cands {
		attempt, err := o.Store.Create(ctx, req.BookingID, gw.Name(), req.Amount)
		if err != nil {
			return nil, err
		}

		result, chargeErr := gw.Charge(ctx, gateways.ChargeRequest{
			IdempotencyKey: attempt.IdempotencyKey,
			Amount:         req.Amount,
			CustomerEmail:  req.CustomerEmail,
			Description:    req.Description,
			PaymentMethod:  req.PaymentMethod,
		})

		switch {
		case chargeErr == nil:
			return o.settle(ctx, attempt, result)

		case errors.Is(chargeErr, gateways.ErrPaymentDeclined):
			// A decline is the gateway's answer, not an outage; the
			// caller decides whether to retry with another card, we
			// never shop the charge to another gateway.
			if err := o.Store.MarkFailed(ctx, attempt.ID, declineCode(result)); err != nil {
				return nil, err
			}
			attempt.Status = payment_models.AttemptFailed
			attempt.DeclineCode = declineCode(result)
			return attempt, chargeErr

		case errors.Is(chargeErr, resilience.ErrCircuitOpen):
			// The request never left the process, so the next gateway
			// is safe to try.
			logger.WarnLogger.Warnf("Gateway %s circuit open for booking %s", gw.Name(), req.BookingID)
			if err := o.Store.MarkFailed(ctx, attempt.ID, "circuit_open"); err != nil {
				return nil, err
			}

		default:
			// The gateway may or may not have seen the request. Flag
			// the attempt and try to learn the truth before deciding.
			if err := o.Store.MarkIndeterminate(ctx, attempt.ID); err != nil {
				return nil, err
			}
			attempt.Indeterminate = true
			resolved, resolveErr := o.Resolve(ctx, attempt)
			if resolveErr != nil {
				return nil, fmt.Errorf("%w: attempt %s on %s", ErrPaymentUnresolved, attempt.ID, gw.Name())
			}
			switch resolved.Status {
			case payment_models.AttemptSucceeded, payment_models.AttemptPending:
				return resolved, nil
			}
			logger.WarnLogger.Warnf("Gateway %s unreachable for booking %s, charge confirmed absent: %v",
				gw.Name(), req.BookingID, chargeErr)
		}

		if i == len(cands)-1 {
			return nil, fmt.Errorf("%w: all gateways for %s exhausted",
				gateways.ErrGatewayUnavailable, req.Amount.Currency)
		}
	}
	return nil, gateways.ErrGatewayUnavailable
}

func declineCode(r gateways.ChargeResult) string {
	if r.DeclineCode != "" {
		return r.DeclineCode
	}
	return "declined"
}

func (o *Orchestrator) settle(ctx context.Context, attempt *payment_models.Attempt, result gateways.ChargeResult) (*payment_models.Attempt, error) {
	switch result.Status {
	case gateways.ChargeSucceeded:
		if err := o.Store.MarkSucceeded(ctx, attempt.ID, result.PaymentRef); err != nil {
			return nil, err
		}
		attempt.Status = payment_models.AttemptSucceeded
		attempt.PaymentRef = result.PaymentRef
		logger.InfoLogger.Infof("Payment captured for booking %s via %s (%s)",
			attempt.BookingID, attempt.Gateway, result.PaymentRef)
	case gateways.ChargeDeclined:
		if err := o.Store.MarkFailed(ctx, attempt.ID, declineCode(result)); err != nil {
			return nil, err
		}
		attempt.Status = payment_models.AttemptFailed
		attempt.DeclineCode = declineCode(result)
	case gateways.ChargePending:
		// Persist the gateway ref now; a crash before the settling webhook
		// must still leave the reference on record.
		if result.PaymentRef != "" && result.PaymentRef != attempt.PaymentRef {
			if err := o.Store.SetPaymentRef(ctx, attempt.ID, result.PaymentRef); err != nil {
				return nil, err
			}
			attempt.PaymentRef = result.PaymentRef
		}
	}
	return attempt, nil
}

// Resolve re-queries the gateway for an attempt's true outcome and settles
// the local record accordingly. A gateway that has never seen the key marks
// the attempt failed, which re-opens failover.
func (o *Orchestrator) Resolve(ctx context.Context, attempt *payment_models.Attempt) (*payment_models.Attempt, error) {
	gw, err := o.gateway(attempt.Gateway)
	if err != nil {
		return nil, err
	}

	result, err := gw.Status(ctx, attempt.IdempotencyKey)
	if err != nil {
		if errors.Is(err, gateways.ErrPaymentNotFound) {
			if markErr := o.Store.MarkFailed(ctx, attempt.ID, "not_found"); markErr != nil {
				return nil, markErr
			}
			attempt.Status = payment_models.AttemptFailed
			attempt.Indeterminate = false
			return attempt, nil
		}
		return nil, err
	}
	return o.settle(ctx, attempt, result)
}

// Attempts lists every charge attempt recorded for a booking.
func (o *Orchestrator) Attempts(ctx context.Context, bookingID uuid.UUID) ([]*payment_models.Attempt, error) {
	return o.Store.ListByBooking(ctx, bookingID)
}

// Captured returns the booking's succeeded attempt, or
// payment_models.ErrAttemptNotFound when nothing has been captured.
func (o *Orchestrator) Captured(ctx context.Context, bookingID uuid.UUID) (*payment_models.Attempt, error) {
	return o.Store.Succeeded(ctx, bookingID)
}

// Refund returns a booking's captured amount through the gateway that took
// it.
func (o *Orchestrator) Refund(ctx context.Context, bookingID uuid.UUID, amount shared_models.Money) error {
	captured, err := o.Store.Succeeded(ctx, bookingID)
	if err != nil {
		if errors.Is(err, payment_models.ErrAttemptNotFound) {
			// Nothing was captured, nothing to return.
			return nil
		}
		return err
	}

	gw, err := o.gateway(captured.Gateway)
	if err != nil {
		return err
	}
	if err := gw.Refund(ctx, captured.PaymentRef, amount); err != nil {
		return err
	}
	if err := o.Store.MarkRefunded(ctx, captured.ID); err != nil {
		return err
	}
	logger.InfoLogger.Infof("Refunded booking %s via %s (%s)", bookingID, captured.Gateway, captured.PaymentRef)
	return nil
}

// ApplyWebhook settles an attempt from an asynchronous gateway event.
// Duplicate deliveries of the same gateway event id are absorbed by the
// dedup record; only the first delivery mutates state. An event that fails
// to apply releases its dedup record so the redelivery can retry.
func (o *Orchestrator) ApplyWebhook(ctx context.Context, event WebhookEvent) error {
	first, err := o.Store.RecordWebhookEvent(ctx, event.Gateway, event.EventID, event.Raw)
	if err != nil {
		return err
	}
	if !first {
		logger.InfoLogger.Infof("Duplicate webhook %s/%s ignored", event.Gateway, event.EventID)
		return nil
	}

	attempt, err := o.Store.GetByIdempotencyKey(ctx, event.IdempotencyKey)
	if err != nil {
		if errors.Is(err, payment_models.ErrAttemptNotFound) {
			logger.WarnLogger.Warnf("Webhook %s/%s references unknown idempotency key %q",
				event.Gateway, event.EventID, event.IdempotencyKey)
			return nil
		}
		o.releaseWebhookEvent(ctx, event)
		return err
	}
	if attempt.Status == payment_models.AttemptSucceeded && event.Status == gateways.ChargeSucceeded {
		return nil
	}

	if _, err = o.settle(ctx, attempt, gateways.ChargeResult{
		GatewayName: event.Gateway,
		PaymentRef:  event.PaymentRef,
		Status:      event.Status,
		DeclineCode: event.DeclineCode,
	}); err != nil {
		o.releaseWebhookEvent(ctx, event)
		return err
	}
	return nil
}

// releaseWebhookEvent drops the dedup record for an event that failed to
// apply, so the gateway's redelivery is not absorbed as a duplicate. If the
// delete itself fails the reconciler's status re-query remains the backstop.
func (o *Orchestrator) releaseWebhookEvent(ctx context.Context, event WebhookEvent) {
	if err := o.Store.DeleteWebhookEvent(ctx, event.Gateway, event.EventID); err != nil {
		logger.ErrorLogger.Errorf("Failed to release webhook dedup record %s/%s: %v",
			event.Gateway, event.EventID, err)
	}
}
