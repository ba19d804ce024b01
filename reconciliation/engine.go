package reconciliation

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
	"github.com/ayoubbenmbarek/maritime-reservation-backend/saga"
)

// BookingStore is the booking persistence slice the engine drives.
// *booking_models.Store satisfies it.
type BookingStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*booking_models.Booking, error)
	Transition(ctx context.Context, id uuid.UUID, to booking_models.BookingState, reason, step, outcome, externalRef string) (*booking_models.Booking, error)
	ListUnsettled(ctx context.Context, staleBefore time.Time, limit int) ([]*booking_models.Booking, error)
	BumpReconcilePasses(ctx context.Context, id uuid.UUID) (int, error)
}

// HoldStore supplies the operator refs the engine re-queries.
type HoldStore interface {
	GetLatestByBooking(ctx context.Context, bookingID uuid.UUID) (*hold_models.Hold, error)
	SetStatus(ctx context.Context, id uuid.UUID, status hold_models.HoldStatus) error
}

// CompensationStore lists and settles outstanding undo actions.
type CompensationStore interface {
	Open(ctx context.Context, bookingID uuid.UUID, action compensation_models.Action, targetRef string) (*compensation_models.Record, error)
	Complete(ctx context.Context, id uuid.UUID) error
	NoteFailure(ctx context.Context, id uuid.UUID, cause string) error
	ListOpenByBooking(ctx context.Context, bookingID uuid.UUID) ([]*compensation_models.Record, error)
}

// PaymentService is the payment layer slice the engine needs.
// *payments.Orchestrator satisfies it.
type PaymentService interface {
	Attempts(ctx context.Context, bookingID uuid.UUID) ([]*payment_models.Attempt, error)
	Resolve(ctx context.Context, attempt *payment_models.Attempt) (*payment_models.Attempt, error)
	Refund(ctx context.Context, bookingID uuid.UUID, amount shared_models.Money) error
	Captured(ctx context.Context, bookingID uuid.UUID) (*payment_models.Attempt, error)
}

// Resumer re-drives a booking whose saga can simply continue.
// *saga.Coordinator satisfies it.
type Resumer interface {
	Resume(ctx context.Context, id uuid.UUID) (*booking_models.Booking, error)
}

// AlertSender notifies operations about bookings past automatic recovery.
// *mail.Sender satisfies it.
type AlertSender interface {
	SendReconciliationAlert(bookingID, state, reason string, passes int) error
}

// Report summarizes one reconciliation pass.
type Report struct {
	Scanned   int
	Resolved  int
	Skipped   int
	Escalated int
}

// Engine is the out-of-band backstop for sagas that crashed or stalled. It
// re-queries operators and gateways, retries open compensations and drives
// each unsettled booking to the terminal state the external truth dictates.
type Engine struct {
	Bookings      BookingStore
	Holds         HoldStore
	Compensations CompensationStore
	Payments      PaymentService
	Operators     map[string]operators.Client
	Saga          Resumer
	Locks         saga.Locker
	Alerts        AlertSender

	// StaleAfter is how long a non-terminal booking may sit untouched
	// before it is considered abandoned by its saga.
	StaleAfter time.Duration
	// EscalateAfter is the number of unresolved passes before an alert
	// email goes out.
	EscalateAfter int
	// MaxPasses is the number of unresolved passes before the booking is
	// parked at failed for manual handling.
	MaxPasses int
	BatchSize int
}

func NewEngine(bookings BookingStore, holds HoldStore, comps CompensationStore,
	pay PaymentService, ops map[string]operators.Client, resumer Resumer,
	locks saga.Locker, alerts AlertSender) *Engine {
	return &Engine{
		Bookings:      bookings,
		Holds:         holds,
		Compensations: comps,
		Payments:      pay,
		Operators:     ops,
		Saga:          resumer,
		Locks:         locks,
		Alerts:        alerts,
		StaleAfter:    10 * time.Minute,
		EscalateAfter: 3,
		MaxPasses:     6,
		BatchSize:     100,
	}
}

// RunOnce performs a single reconciliation sweep.
func (e *Engine) RunOnce(ctx context.Context) (Report, error) {
	var report Report

	unsettled, err := e.Bookings.ListUnsettled(ctx, time.Now().UTC().Add(-e.StaleAfter), e.BatchSize)
	if err != nil {
		return report, err
	}
	report.Scanned = len(unsettled)

	for _, b := range unsettled {
		outcome, err := e.reconcileOne(ctx, b.ID)
		if err != nil {
			logger.ErrorLogger.Errorf("Reconciliation of booking %s failed: %v", b.ID, err)
			report.Skipped++
			continue
		}
		switch outcome {
		case outcomeResolved:
			report.Resolved++
		case outcomeEscalated:
			report.Escalated++
		default:
			report.Skipped++
		}
	}

	logger.InfoLogger.Infof("Reconciliation pass: scanned=%d resolved=%d escalated=%d skipped=%d",
		report.Scanned, report.Resolved, report.Escalated, report.Skipped)
	return report, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeResolved
	outcomeEscalated
)

// reconcileOne handles a single booking under its exclusive lock. Bookings
// with a live saga show up as busy and are left alone.
func (e *Engine) reconcileOne(ctx context.Context, id uuid.UUID) (outcome, error) {
	release, err := e.Locks.Acquire(ctx, id)
	if err != nil {
		if errors.Is(err, saga.ErrBookingBusy) {
			return outcomeSkipped, nil
		}
		return outcomeSkipped, err
	}

	b, err := e.Bookings.GetByID(ctx, id)
	if err != nil {
		release()
		return outcomeSkipped, err
	}
	if booking_models.IsTerminal(b.State) {
		release()
		return outcomeResolved, nil
	}

	var resume bool
	var out outcome

	switch b.State {
	case booking_models.StateCreated, booking_models.StateHeld, booking_models.StatePaid:
		// The saga can simply continue from here.
		resume = true
		out = outcomeResolved
	case booking_models.StateHolding:
		out, resume, err = e.settleHolding(ctx, b)
	case booking_models.StatePaying:
		out, resume, err = e.settlePaying(ctx, b)
	case booking_models.StateConfirming:
		out, err = e.settleConfirming(ctx, b)
	case booking_models.StateCompensating:
		out, err = e.settleCompensating(ctx, b)
	}

	release()
	if err != nil {
		return outcomeSkipped, err
	}

	if resume {
		if _, resumeErr := e.Saga.Resume(ctx, id); resumeErr != nil && !errors.Is(resumeErr, saga.ErrBookingBusy) {
			return outcomeSkipped, resumeErr
		}
	}
	return out, nil
}

// settleHolding handles a saga that died between asking the operator for a
// hold and recording the next state.
func (e *Engine) settleHolding(ctx context.Context, b *booking_models.Booking) (outcome, bool, error) {
	hold, err := e.Holds.GetLatestByBooking(ctx, b.ID)
	if err != nil {
		if errors.Is(err, hold_models.ErrHoldNotFound) {
			// No hold was ever recorded; any operator-side hold will
			// lapse on its own expiry.
			_, err := e.Bookings.Transition(ctx, b.ID, booking_models.StateCancelled,
				shared_models.ReasonReconciled, "reconcile", "no hold recorded", "")
			if err != nil {
				return outcomeSkipped, false, err
			}
			return outcomeResolved, false, nil
		}
		return outcomeSkipped, false, err
	}

	if _, err := e.Bookings.Transition(ctx, b.ID, booking_models.StateHeld,
		"", "reconcile", "hold recovered", hold.OperatorRef); err != nil {
		return outcomeSkipped, false, err
	}
	return outcomeResolved, true, nil
}

// settlePaying resolves unresolved charge attempts against the gateway's
// records, then either moves forward or unwinds.
func (e *Engine) settlePaying(ctx context.Context, b *booking_models.Booking) (outcome, bool, error) {
	attempts, err := e.Payments.Attempts(ctx, b.ID)
	if err != nil {
		return outcomeSkipped, false, err
	}

	anyUnresolved := false
	for _, a := range attempts {
		if a.Status != payment_models.AttemptPending {
			continue
		}
		if _, err := e.Payments.Resolve(ctx, a); err != nil {
			logger.WarnLogger.Warnf("Could not resolve attempt %s for booking %s: %v", a.ID, b.ID, err)
			anyUnresolved = true
		}
	}

	if captured, err := e.Payments.Captured(ctx, b.ID); err == nil {
		if _, err := e.Bookings.Transition(ctx, b.ID, booking_models.StatePaid,
			"", "reconcile", "payment found captured", captured.PaymentRef); err != nil {
			return outcomeSkipped, false, err
		}
		return outcomeResolved, true, nil
	} else if !errors.Is(err, payment_models.ErrAttemptNotFound) {
		return outcomeSkipped, false, err
	}

	if anyUnresolved {
		return e.notePassFailed(ctx, b)
	}

	// Every attempt is provably settled and none captured: unwind.
	if _, err := e.Bookings.Transition(ctx, b.ID, booking_models.StateCompensating,
		shared_models.ReasonPaymentDeclined, "reconcile", "no capture found", ""); err != nil {
		return outcomeSkipped, false, err
	}
	if _, err := e.Compensations.Open(ctx, b.ID, compensation_models.ActionReleaseHold, ""); err != nil {
		return outcomeSkipped, false, err
	}
	b.State = booking_models.StateCompensating
	b.Reason = shared_models.ReasonPaymentDeclined
	out, err := e.settleCompensating(ctx, b)
	return out, false, err
}

func (e *Engine) notePassFailed(ctx context.Context, b *booking_models.Booking) (outcome, bool, error) {
	out, err := e.bumpAndMaybeEscalate(ctx, b)
	return out, false, err
}

// settleConfirming asks the operator whether the crashed Confirm actually
// landed.
func (e *Engine) settleConfirming(ctx context.Context, b *booking_models.Booking) (outcome, error) {
	hold, err := e.Holds.GetLatestByBooking(ctx, b.ID)
	if err != nil {
		return outcomeSkipped, err
	}
	op, ok := e.Operators[b.OperatorCode]
	if !ok {
		return outcomeSkipped, fmt.Errorf("unknown operator %s for booking %s", b.OperatorCode, b.ID)
	}

	status, err := op.Status(ctx, hold.OperatorRef)
	if err != nil {
		logger.WarnLogger.Warnf("Operator %s status query failed for booking %s: %v", b.OperatorCode, b.ID, err)
		return e.bumpAndMaybeEscalate(ctx, b)
	}

	if status.Confirmed {
		if err := e.Holds.SetStatus(ctx, hold.ID, hold_models.HoldConfirmed); err != nil {
			return outcomeSkipped, err
		}
		if _, err := e.Bookings.Transition(ctx, b.ID, booking_models.StateConfirmed,
			"", "reconcile", "operator confirms", status.Ref); err != nil {
			return outcomeSkipped, err
		}
		return outcomeResolved, nil
	}

	// The operator never confirmed; payment must come back.
	if _, err := e.Bookings.Transition(ctx, b.ID, booking_models.StateCompensating,
		shared_models.ReasonConfirmFailed, "reconcile", "operator denies confirm", ""); err != nil {
		return outcomeSkipped, err
	}
	if _, err := e.Compensations.Open(ctx, b.ID, compensation_models.ActionRefundPayment, ""); err != nil {
		return outcomeSkipped, err
	}
	if !status.Cancelled {
		if _, err := e.Compensations.Open(ctx, b.ID, compensation_models.ActionReleaseHold, hold.OperatorRef); err != nil {
			return outcomeSkipped, err
		}
	}
	b.State = booking_models.StateCompensating
	b.Reason = shared_models.ReasonConfirmFailed
	return e.settleCompensating(ctx, b)
}

// settleCompensating retries every open undo action and closes the booking
// at cancelled once all have completed.
func (e *Engine) settleCompensating(ctx context.Context, b *booking_models.Booking) (outcome, error) {
	open, err := e.Compensations.ListOpenByBooking(ctx, b.ID)
	if err != nil {
		return outcomeSkipped, err
	}

	remaining := 0
	for _, rec := range open {
		if err := e.runCompensation(ctx, b, rec); err != nil {
			logger.WarnLogger.Warnf("Compensation %s for booking %s still failing: %v", rec.Action, b.ID, err)
			if noteErr := e.Compensations.NoteFailure(ctx, rec.ID, err.Error()); noteErr != nil {
				return outcomeSkipped, noteErr
			}
			remaining++
			continue
		}
		if err := e.Compensations.Complete(ctx, rec.ID); err != nil {
			return outcomeSkipped, err
		}
	}

	if remaining > 0 {
		out, _, err := e.notePassFailed(ctx, b)
		return out, err
	}

	reason := b.Reason
	if reason == "" {
		reason = shared_models.ReasonReconciled
	}
	if _, err := e.Bookings.Transition(ctx, b.ID, booking_models.StateCancelled,
		reason, "reconcile", "compensations complete", ""); err != nil {
		return outcomeSkipped, err
	}
	return outcomeResolved, nil
}

func (e *Engine) runCompensation(ctx context.Context, b *booking_models.Booking, rec *compensation_models.Record) error {
	switch rec.Action {
	case compensation_models.ActionRefundPayment:
		return e.Payments.Refund(ctx, b.ID, b.Total)

	case compensation_models.ActionReleaseHold:
		hold, err := e.Holds.GetLatestByBooking(ctx, b.ID)
		if err != nil {
			if errors.Is(err, hold_models.ErrHoldNotFound) {
				return nil
			}
			return err
		}
		if hold.Status != hold_models.HoldActive {
			return nil
		}
		op, ok := e.Operators[hold.OperatorCode]
		if !ok {
			return fmt.Errorf("unknown operator %s", hold.OperatorCode)
		}
		if err := op.Release(ctx, operators.HoldRef{
			OperatorCode: hold.OperatorCode,
			Ref:          hold.OperatorRef,
			ExpiresAt:    hold.ExpiresAt,
		}); err != nil {
			return err
		}
		return e.Holds.SetStatus(ctx, hold.ID, hold_models.HoldReleased)

	default:
		return fmt.Errorf("unknown compensation action %q", rec.Action)
	}
}

// bumpAndMaybeEscalate counts an unresolved pass, alerting operations at the
// escalation threshold and parking the booking at failed once retries are
// exhausted.
func (e *Engine) bumpAndMaybeEscalate(ctx context.Context, b *booking_models.Booking) (outcome, error) {
	passes, err := e.Bookings.BumpReconcilePasses(ctx, b.ID)
	if err != nil {
		return outcomeSkipped, err
	}

	if passes >= e.MaxPasses && b.State == booking_models.StateCompensating {
		if _, err := e.Bookings.Transition(ctx, b.ID, booking_models.StateFailed,
			shared_models.ReasonCompensationFailed, "reconcile", "retries exhausted", ""); err != nil {
			return outcomeSkipped, err
		}
		e.alert(b, passes)
		return outcomeEscalated, nil
	}

	if passes >= e.EscalateAfter {
		e.alert(b, passes)
		return outcomeEscalated, nil
	}
	return outcomeSkipped, nil
}

func (e *Engine) alert(b *booking_models.Booking, passes int) {
	if e.Alerts == nil {
		return
	}
	if err := e.Alerts.SendReconciliationAlert(b.ID.String(), string(b.State), b.Reason, passes); err != nil {
		logger.ErrorLogger.Errorf("Failed to send reconciliation alert for booking %s: %v", b.ID, err)
	}
}
