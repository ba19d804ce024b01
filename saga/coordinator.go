package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/clients/operators"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/logger"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/booking_models"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/compensation_models"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/hold_models"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/payment_models"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/shared_models"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/payments"
)

var (
	ErrUnknownOperator = errors.New("unknown operator")
	ErrInvalidBooking  = errors.New("invalid booking request")
)

// BookingStore is the slice of booking persistence the coordinator drives.
// *booking_models.Store satisfies it.
type BookingStore interface {
	Create(ctx context.Context, b *booking_models.Booking) error
	GetByID(ctx context.Context, id uuid.UUID) (*booking_models.Booking, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*booking_models.Booking, error)
	Transition(ctx context.Context, id uuid.UUID, to booking_models.BookingState, reason, step, outcome, externalRef string) (*booking_models.Booking, error)
	RequestCancel(ctx context.Context, id uuid.UUID) error
}

// HoldStore persists operator hold traces. *hold_models.Store satisfies it.
type HoldStore interface {
	Create(ctx context.Context, bookingID uuid.UUID, operatorCode, operatorRef string, expiresAt time.Time) (*hold_models.Hold, error)
	GetActiveByBooking(ctx context.Context, bookingID uuid.UUID) (*hold_models.Hold, error)
	SetStatus(ctx context.Context, id uuid.UUID, status hold_models.HoldStatus) error
}

// CompensationStore persists undo actions. *compensation_models.Store
// satisfies it.
type CompensationStore interface {
	Open(ctx context.Context, bookingID uuid.UUID, action compensation_models.Action, targetRef string) (*compensation_models.Record, error)
	Complete(ctx context.Context, id uuid.UUID) error
	NoteFailure(ctx context.Context, id uuid.UUID, cause string) error
}

// PaymentService is what the coordinator needs from the payment layer.
// *payments.Orchestrator satisfies it.
type PaymentService interface {
	Charge(ctx context.Context, req payments.ChargeRequest) (*payment_models.Attempt, error)
	Refund(ctx context.Context, bookingID uuid.UUID, amount shared_models.Money) error
	Captured(ctx context.Context, bookingID uuid.UUID) (*payment_models.Attempt, error)
}

// CreateBookingRequest is the normalized inbound booking command. The
// idempotency key is client-supplied; replaying the same key returns the
// original booking instead of creating another.
type CreateBookingRequest struct {
	IdempotencyKey string
	OperatorCode   string
	OfferRef       string
	DeparturePort  string
	ArrivalPort    string
	Passengers     int
	Vehicles       int
	LeadName       string
	LeadEmail      string
	PaymentMethod  string
	Total          shared_models.Money
}

func (r CreateBookingRequest) validate() error {
	switch {
	case r.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotency key required", ErrInvalidBooking)
	case r.OfferRef == "":
		return fmt.Errorf("%w: offer ref required", ErrInvalidBooking)
	case r.Passengers <= 0:
		return fmt.Errorf("%w: at least one passenger required", ErrInvalidBooking)
	case r.Total.Amount <= 0:
		return fmt.Errorf("%w: total must be positive", ErrInvalidBooking)
	}
	return nil
}

// Coordinator drives each booking through hold, payment and confirmation,
// unwinding with compensations when a step fails. All transitions for one
// booking happen under that booking's exclusive lock.
type Coordinator struct {
	Bookings      BookingStore
	Holds         HoldStore
	Compensations CompensationStore
	Payments      PaymentService
	Operators     map[string]operators.Client
	Locks         Locker
}

func NewCoordinator(bookings BookingStore, holds HoldStore, comps CompensationStore,
	pay PaymentService, ops map[string]operators.Client, locks Locker) *Coordinator {
	return &Coordinator{
		Bookings:      bookings,
		Holds:         holds,
		Compensations: comps,
		Payments:      pay,
		Operators:     ops,
		Locks:         locks,
	}
}

func (c *Coordinator) operator(code string) (operators.Client, error) {
	op, ok := c.Operators[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperator, code)
	}
	return op, nil
}

// CreateBooking registers the booking and runs its saga to the furthest
// reachable state. A replayed idempotency key returns the existing booking
// without side effects.
func (c *Coordinator) CreateBooking(ctx context.Context, req CreateBookingRequest) (*booking_models.Booking, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if _, err := c.operator(req.OperatorCode); err != nil {
		return nil, err
	}

	if existing, err := c.Bookings.GetByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
		return existing, nil
	} else if !errors.Is(err, booking_models.ErrBookingNotFound) {
		return nil, err
	}

	b, err := booking_models.NewBooking(req.IdempotencyKey, req.OperatorCode, req.OfferRef, req.Total)
	if err != nil {
		return nil, err
	}
	b.DeparturePort = req.DeparturePort
	b.ArrivalPort = req.ArrivalPort
	b.Passengers = req.Passengers
	b.Vehicles = req.Vehicles
	b.LeadName = req.LeadName
	b.LeadEmail = req.LeadEmail
	b.PaymentMethod = req.PaymentMethod

	if err := c.Bookings.Create(ctx, b); err != nil {
		if errors.Is(err, booking_models.ErrDuplicateIdempotency) {
			// Lost a race with a concurrent replay of the same key.
			return c.Bookings.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		}
		return nil, err
	}
	logger.InfoLogger.Infof("Booking %s created for %s %s->%s",
		b.ID, b.OperatorCode, b.DeparturePort, b.ArrivalPort)

	return c.run(ctx, b.ID)
}

// GetBooking returns a booking with its step log attached by the caller.
func (c *Coordinator) GetBooking(ctx context.Context, id uuid.UUID) (*booking_models.Booking, error) {
	return c.Bookings.GetByID(ctx, id)
}

// Resume re-drives a booking stuck in a non-terminal state, typically after
// a webhook settled a pending payment. Safe to call at any time.
func (c *Coordinator) Resume(ctx context.Context, id uuid.UUID) (*booking_models.Booking, error) {
	return c.run(ctx, id)
}

// Cancel aborts a booking before confirmation. If the saga is mid-flight the
// cancellation is flagged and honored at the next checkpoint; the caller
// gets ErrBookingBusy. Terminal bookings come back unchanged.
func (c *Coordinator) Cancel(ctx context.Context, id uuid.UUID) (*booking_models.Booking, error) {
	b, err := c.Bookings.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if booking_models.IsTerminal(b.State) {
		return b, nil
	}

	if err := c.Bookings.RequestCancel(ctx, id); err != nil {
		if errors.Is(err, booking_models.ErrBookingTerminal) {
			return c.Bookings.GetByID(ctx, id)
		}
		return nil, err
	}

	release, err := c.Locks.Acquire(ctx, id)
	if err != nil {
		// Another process owns the saga; it will see the flag at its
		// next checkpoint.
		return b, ErrBookingBusy
	}
	defer release()

	return c.advance(ctx, id)
}

// run acquires the booking's lock and advances the saga.
func (c *Coordinator) run(ctx context.Context, id uuid.UUID) (*booking_models.Booking, error) {
	release, err := c.Locks.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()
	return c.advance(ctx, id)
}

// advance is the state machine driver. It assumes the booking lock is held
// and stops at terminal states, at states awaiting external events, and at
// states only the reconciler may settle.
func (c *Coordinator) advance(ctx context.Context, id uuid.UUID) (*booking_models.Booking, error) {
	for {
		b, err := c.Bookings.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if booking_models.IsTerminal(b.State) {
			return b, nil
		}

		// Cancellation checkpoint: honored between steps only.
		if b.CancelRequested {
			switch b.State {
			case booking_models.StateCreated:
				return c.Bookings.Transition(ctx, id, booking_models.StateCancelled,
					shared_models.ReasonUserCancelled, "cancel", "ok", "")
			case booking_models.StateHeld:
				return c.unwind(ctx, b, shared_models.ReasonUserCancelled, false, true)
			case booking_models.StatePaid:
				return c.unwind(ctx, b, shared_models.ReasonUserCancelled, true, true)
			}
		}

		switch b.State {
		case booking_models.StateCreated:
			b, err = c.stepHold(ctx, b)
		case booking_models.StateHeld:
			b, err = c.stepPay(ctx, b)
		case booking_models.StatePaying:
			done, settled, serr := c.settlePaying(ctx, b)
			if serr != nil {
				return nil, serr
			}
			if !settled {
				// Outcome still pending; a webhook or the
				// reconciler moves it forward.
				return done, nil
			}
			b, err = done, nil
		case booking_models.StatePaid:
			b, err = c.stepConfirm(ctx, b)
		default:
			// holding/confirming mean a previous run died mid-call;
			// compensating means undo work is outstanding. Both
			// belong to the reconciler.
			return b, nil
		}
		if err != nil {
			return b, err
		}
	}
}

func (c *Coordinator) stepHold(ctx context.Context, b *booking_models.Booking) (*booking_models.Booking, error) {
	op, err := c.operator(b.OperatorCode)
	if err != nil {
		return nil, err
	}

	b, err = c.Bookings.Transition(ctx, b.ID, booking_models.StateHolding, "", "hold", "started", "")
	if err != nil {
		return nil, err
	}

	hold, err := op.Hold(ctx, b.OfferRef, operators.PassengerInfo{
		LeadName:   b.LeadName,
		LeadEmail:  b.LeadEmail,
		Passengers: b.Passengers,
		Vehicles:   b.Vehicles,
	})
	if err != nil {
		reason := shared_models.ReasonOperatorUnreachable
		if errors.Is(err, operators.ErrNoAvailability) {
			reason = shared_models.ReasonNoAvailability
		}
		logger.WarnLogger.Warnf("Hold failed for booking %s on %s: %v", b.ID, b.OperatorCode, err)
		// Nothing was reserved, so there is nothing to compensate.
		return c.Bookings.Transition(ctx, b.ID, booking_models.StateCancelled,
			reason, "hold", "failed", "")
	}

	if _, err := c.Holds.Create(ctx, b.ID, hold.OperatorCode, hold.Ref, hold.ExpiresAt); err != nil {
		return nil, err
	}
	return c.Bookings.Transition(ctx, b.ID, booking_models.StateHeld, "", "hold", "ok", hold.Ref)
}

func (c *Coordinator) stepPay(ctx context.Context, b *booking_models.Booking) (*booking_models.Booking, error) {
	b, err := c.Bookings.Transition(ctx, b.ID, booking_models.StatePaying, "", "charge", "started", "")
	if err != nil {
		return nil, err
	}

	attempt, err := c.Payments.Charge(ctx, payments.ChargeRequest{
		BookingID:     b.ID,
		Amount:        b.Total,
		CustomerEmail: b.LeadEmail,
		Description:   fmt.Sprintf("Ferry booking %s %s->%s", b.ID, b.DeparturePort, b.ArrivalPort),
		PaymentMethod: b.PaymentMethod,
	})
	switch {
	case err == nil && attempt.Status == payment_models.AttemptSucceeded:
		return c.Bookings.Transition(ctx, b.ID, booking_models.StatePaid, "", "charge", "ok", attempt.PaymentRef)

	case err == nil && attempt.Status == payment_models.AttemptPending:
		// Async capture; the webhook resumes the saga.
		logger.InfoLogger.Infof("Booking %s awaiting async payment capture on %s", b.ID, attempt.Gateway)
		return b, nil

	case errors.Is(err, payments.ErrPaymentUnresolved):
		// Never assume failure on an ambiguous charge; the reconciler
		// re-queries before deciding.
		logger.WarnLogger.Warnf("Booking %s payment unresolved: %v", b.ID, err)
		return b, nil

	default:
		reason := shared_models.ReasonGatewayUnreachable
		if attempt != nil && attempt.Status == payment_models.AttemptFailed {
			reason = shared_models.ReasonPaymentDeclined
		}
		logger.WarnLogger.Warnf("Charge failed for booking %s: %v", b.ID, err)
		return c.unwind(ctx, b, reason, false, true)
	}
}

// settlePaying checks whether an async payment has landed. It returns the
// booking and whether the saga can keep advancing.
func (c *Coordinator) settlePaying(ctx context.Context, b *booking_models.Booking) (*booking_models.Booking, bool, error) {
	captured, err := c.Payments.Captured(ctx, b.ID)
	if err != nil {
		if errors.Is(err, payment_models.ErrAttemptNotFound) {
			return b, false, nil
		}
		return nil, false, err
	}
	b, err = c.Bookings.Transition(ctx, b.ID, booking_models.StatePaid, "", "charge", "ok", captured.PaymentRef)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (c *Coordinator) stepConfirm(ctx context.Context, b *booking_models.Booking) (*booking_models.Booking, error) {
	op, err := c.operator(b.OperatorCode)
	if err != nil {
		return nil, err
	}
	hold, err := c.Holds.GetActiveByBooking(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	captured, err := c.Payments.Captured(ctx, b.ID)
	if err != nil {
		return nil, err
	}

	b, err = c.Bookings.Transition(ctx, b.ID, booking_models.StateConfirming, "", "confirm", "started", "")
	if err != nil {
		return nil, err
	}

	ref, err := op.Confirm(ctx, operators.HoldRef{
		OperatorCode: hold.OperatorCode,
		Ref:          hold.OperatorRef,
		ExpiresAt:    hold.ExpiresAt,
	}, operators.PaymentProof{
		GatewayName: captured.Gateway,
		PaymentRef:  captured.PaymentRef,
		Amount:      captured.Amount,
	})
	if err != nil {
		if errors.Is(err, operators.ErrHoldExpired) {
			// The hold raced payment and lost. The charge stands
			// until refunded; never swallow this as a no-op.
			logger.WarnLogger.Warnf("Hold expired before confirm for booking %s", b.ID)
			if err := c.Holds.SetStatus(ctx, hold.ID, hold_models.HoldExpired); err != nil {
				return nil, err
			}
			return c.unwind(ctx, b, shared_models.ReasonHoldExpired, true, false)
		}
		logger.ErrorLogger.Errorf("Confirm failed for booking %s: %v", b.ID, err)
		return c.unwind(ctx, b, shared_models.ReasonConfirmFailed, true, true)
	}

	if err := c.Holds.SetStatus(ctx, hold.ID, hold_models.HoldConfirmed); err != nil {
		return nil, err
	}
	return c.Bookings.Transition(ctx, b.ID, booking_models.StateConfirmed, "", "confirm", "ok", ref)
}

// unwind transitions the booking to compensating, performs the requested
// undo actions, and closes at cancelled when every action completed. Actions
// that fail leave their record open for the reconciler and the booking stays
// compensating.
func (c *Coordinator) unwind(ctx context.Context, b *booking_models.Booking, reason string, refund, releaseHold bool) (*booking_models.Booking, error) {
	b, err := c.Bookings.Transition(ctx, b.ID, booking_models.StateCompensating, reason, "compensate", "started", "")
	if err != nil {
		return nil, err
	}

	allDone := true
	if refund {
		if ok := c.runCompensation(ctx, b.ID, compensation_models.ActionRefundPayment, "", func(ctx context.Context) error {
			return c.Payments.Refund(ctx, b.ID, b.Total)
		}); !ok {
			allDone = false
		}
	}
	if releaseHold {
		hold, err := c.Holds.GetActiveByBooking(ctx, b.ID)
		if err == nil {
			if ok := c.runCompensation(ctx, b.ID, compensation_models.ActionReleaseHold, hold.OperatorRef, func(ctx context.Context) error {
				op, opErr := c.operator(hold.OperatorCode)
				if opErr != nil {
					return opErr
				}
				if relErr := op.Release(ctx, operators.HoldRef{
					OperatorCode: hold.OperatorCode,
					Ref:          hold.OperatorRef,
					ExpiresAt:    hold.ExpiresAt,
				}); relErr != nil {
					return relErr
				}
				return c.Holds.SetStatus(ctx, hold.ID, hold_models.HoldReleased)
			}); !ok {
				allDone = false
			}
		} else if !errors.Is(err, hold_models.ErrHoldNotFound) {
			return nil, err
		}
	}

	if !allDone {
		logger.WarnLogger.Warnf("Booking %s has open compensations, leaving for reconciliation", b.ID)
		return b, nil
	}
	return c.Bookings.Transition(ctx, b.ID, booking_models.StateCancelled, reason, "compensate", "ok", "")
}

// runCompensation records the undo action before attempting it, so a crash
// in between still leaves a retryable trace. Returns whether the action
// completed.
func (c *Coordinator) runCompensation(ctx context.Context, bookingID uuid.UUID, action compensation_models.Action, targetRef string, fn func(context.Context) error) bool {
	rec, err := c.Compensations.Open(ctx, bookingID, action, targetRef)
	if err != nil {
		logger.ErrorLogger.Errorf("Failed to open %s compensation for booking %s: %v", action, bookingID, err)
		return false
	}
	if err := fn(ctx); err != nil {
		logger.ErrorLogger.Errorf("Compensation %s failed for booking %s: %v", action, bookingID, err)
		if noteErr := c.Compensations.NoteFailure(ctx, rec.ID, err.Error()); noteErr != nil {
			logger.ErrorLogger.Errorf("Failed to record compensation failure for %s: %v", rec.ID, noteErr)
		}
		return false
	}
	if err := c.Compensations.Complete(ctx, rec.ID); err != nil {
		logger.ErrorLogger.Errorf("Failed to close compensation %s: %v", rec.ID, err)
		return false
	}
	return true
}
