package saga

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/clients/operators"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/booking_models"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/compensation_models"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/hold_models"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/payment_models"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/shared_models"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/payments"
)

// --- in-memory stores ---

type memBookingStore struct {
	mu       sync.Mutex
	bookings map[uuid.UUID]*booking_models.Booking
	byKey    map[string]uuid.UUID
	steps    map[uuid.UUID][]booking_models.StepEntry
}

func newMemBookingStore() *memBookingStore {
	return &memBookingStore{
		bookings: make(map[uuid.UUID]*booking_models.Booking),
		byKey:    make(map[string]uuid.UUID),
		steps:    make(map[uuid.UUID][]booking_models.StepEntry),
	}
}

func (m *memBookingStore) Create(_ context.Context, b *booking_models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byKey[b.IdempotencyKey]; dup {
		return booking_models.ErrDuplicateIdempotency
	}
	cp := *b
	m.bookings[b.ID] = &cp
	m.byKey[b.IdempotencyKey] = b.ID
	return nil
}

func (m *memBookingStore) GetByID(_ context.Context, id uuid.UUID) (*booking_models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, booking_models.ErrBookingNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *memBookingStore) GetByIdempotencyKey(_ context.Context, key string) (*booking_models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, booking_models.ErrBookingNotFound
	}
	cp := *m.bookings[id]
	return &cp, nil
}

func (m *memBookingStore) Transition(_ context.Context, id uuid.UUID, to booking_models.BookingState, reason, step, outcome, externalRef string) (*booking_models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, booking_models.ErrBookingNotFound
	}
	if booking_models.IsTerminal(b.State) {
		return nil, booking_models.ErrBookingTerminal
	}
	if !booking_models.CanTransition(b.State, to) {
		return nil, fmt.Errorf("%w: %s -> %s", booking_models.ErrInvalidTransition, b.State, to)
	}
	b.State = to
	b.Reason = reason
	b.UpdatedAt = time.Now().UTC()
	m.steps[id] = append(m.steps[id], booking_models.StepEntry{
		Seq: len(m.steps[id]) + 1, Step: step, Outcome: outcome, ExternalRef: externalRef, At: b.UpdatedAt,
	})
	cp := *b
	return &cp, nil
}

func (m *memBookingStore) RequestCancel(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return booking_models.ErrBookingNotFound
	}
	if booking_models.IsTerminal(b.State) {
		return booking_models.ErrBookingTerminal
	}
	b.CancelRequested = true
	return nil
}

type memHoldStore struct {
	mu    sync.Mutex
	holds map[uuid.UUID]*hold_models.Hold
}

func newMemHoldStore() *memHoldStore {
	return &memHoldStore{holds: make(map[uuid.UUID]*hold_models.Hold)}
}

func (m *memHoldStore) Create(_ context.Context, bookingID uuid.UUID, operatorCode, operatorRef string, expiresAt time.Time) (*hold_models.Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := &hold_models.Hold{
		ID:           uuid.New(),
		BookingID:    bookingID,
		OperatorCode: operatorCode,
		OperatorRef:  operatorRef,
		ExpiresAt:    expiresAt,
		Status:       hold_models.HoldActive,
	}
	m.holds[h.ID] = h
	return h, nil
}

func (m *memHoldStore) GetActiveByBooking(_ context.Context, bookingID uuid.UUID) (*hold_models.Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.holds {
		if h.BookingID == bookingID && h.Status == hold_models.HoldActive {
			cp := *h
			return &cp, nil
		}
	}
	return nil, hold_models.ErrHoldNotFound
}

func (m *memHoldStore) SetStatus(_ context.Context, id uuid.UUID, status hold_models.HoldStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[id]
	if !ok {
		return hold_models.ErrHoldNotFound
	}
	h.Status = status
	return nil
}

func (m *memHoldStore) statusOf(bookingID uuid.UUID) hold_models.HoldStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.holds {
		if h.BookingID == bookingID {
			return h.Status
		}
	}
	return ""
}

type memCompStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*compensation_models.Record
}

func newMemCompStore() *memCompStore {
	return &memCompStore{records: make(map[uuid.UUID]*compensation_models.Record)}
}

func (m *memCompStore) Open(_ context.Context, bookingID uuid.UUID, action compensation_models.Action, targetRef string) (*compensation_models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := &compensation_models.Record{
		ID: uuid.New(), BookingID: bookingID, Action: action,
		TargetRef: targetRef, Status: compensation_models.RecordOpen,
	}
	m.records[r.ID] = r
	return r, nil
}

func (m *memCompStore) Complete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id].Status = compensation_models.RecordCompleted
	return nil
}

func (m *memCompStore) NoteFailure(_ context.Context, id uuid.UUID, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id].Attempts++
	m.records[id].LastError = cause
	return nil
}

func (m *memCompStore) byAction(bookingID uuid.UUID, action compensation_models.Action) *compensation_models.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.BookingID == bookingID && r.Action == action {
			cp := *r
			return &cp
		}
	}
	return nil
}

// fakePayments is a PaymentService with scriptable outcomes.
type fakePayments struct {
	mu          sync.Mutex
	chargeErr   error
	pending     bool
	declined    bool
	refundErr   error
	chargeCalls int
	refunds     int
	captured    map[uuid.UUID]*payment_models.Attempt
}

func newFakePayments() *fakePayments {
	return &fakePayments{captured: make(map[uuid.UUID]*payment_models.Attempt)}
}

func (f *fakePayments) Charge(_ context.Context, req payments.ChargeRequest) (*payment_models.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chargeCalls++
	a := &payment_models.Attempt{
		ID: uuid.New(), BookingID: req.BookingID, Ordinal: 1,
		Gateway:        "stripe",
		IdempotencyKey: payment_models.DeriveIdempotencyKey(req.BookingID, 1),
		Amount:         req.Amount,
	}
	switch {
	case f.chargeErr != nil:
		return nil, f.chargeErr
	case f.declined:
		a.Status = payment_models.AttemptFailed
		a.DeclineCode = "card_declined"
		return a, fmt.Errorf("charge: %w", errPaymentDeclinedForTest)
	case f.pending:
		a.Status = payment_models.AttemptPending
		return a, nil
	default:
		a.Status = payment_models.AttemptSucceeded
		a.PaymentRef = "pi_test"
		f.captured[req.BookingID] = a
		return a, nil
	}
}

var errPaymentDeclinedForTest = fmt.Errorf("payment declined")

func (f *fakePayments) Refund(_ context.Context, bookingID uuid.UUID, _ shared_models.Money) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return f.refundErr
	}
	f.refunds++
	delete(f.captured, bookingID)
	return nil
}

func (f *fakePayments) Captured(_ context.Context, bookingID uuid.UUID) (*payment_models.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.captured[bookingID]
	if !ok {
		return nil, payment_models.ErrAttemptNotFound
	}
	return a, nil
}

// settle simulates a webhook landing an async capture.
func (f *fakePayments) settle(bookingID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured[bookingID] = &payment_models.Attempt{
		ID: uuid.New(), BookingID: bookingID,
		Gateway: "razorpay", PaymentRef: "pay_settled",
		Status: payment_models.AttemptSucceeded,
	}
}

// scriptedOperator implements operators.Client with injectable failures.
type scriptedOperator struct {
	mu         sync.Mutex
	code       string
	holdErr    error
	confirmErr error
	releases   int
	confirms   int
}

func (s *scriptedOperator) Code() string { return s.code }

func (s *scriptedOperator) CoversRoute(_, _ string) bool { return true }

func (s *scriptedOperator) Search(context.Context, operators.SearchCriteria) ([]operators.Offer, error) {
	return nil, nil
}

func (s *scriptedOperator) Hold(_ context.Context, offerRef string, _ operators.PassengerInfo) (operators.HoldRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holdErr != nil {
		return operators.HoldRef{}, s.holdErr
	}
	return operators.HoldRef{
		OperatorCode: s.code,
		Ref:          "HOLD-" + offerRef,
		ExpiresAt:    time.Now().Add(20 * time.Minute),
	}, nil
}

func (s *scriptedOperator) Confirm(context.Context, operators.HoldRef, operators.PaymentProof) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirms++
	if s.confirmErr != nil {
		return "", s.confirmErr
	}
	return "BK-001", nil
}

func (s *scriptedOperator) Release(context.Context, operators.HoldRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases++
	return nil
}

func (s *scriptedOperator) Status(context.Context, string) (operators.BookingStatus, error) {
	return operators.BookingStatus{}, nil
}

// --- fixtures ---

type fixture struct {
	coord    *Coordinator
	bookings *memBookingStore
	holds    *memHoldStore
	comps    *memCompStore
	pay      *fakePayments
	op       *scriptedOperator
}

func newFixture() *fixture {
	f := &fixture{
		bookings: newMemBookingStore(),
		holds:    newMemHoldStore(),
		comps:    newMemCompStore(),
		pay:      newFakePayments(),
		op:       &scriptedOperator{code: "CTN"},
	}
	f.coord = NewCoordinator(f.bookings, f.holds, f.comps, f.pay,
		map[string]operators.Client{"CTN": f.op}, NewMemoryLocker())
	return f
}

func request(key string) CreateBookingRequest {
	return CreateBookingRequest{
		IdempotencyKey: key,
		OperatorCode:   "CTN",
		OfferRef:       "offer-1",
		DeparturePort:  "TUNIS",
		ArrivalPort:    "MARSEILLE",
		Passengers:     2,
		LeadName:       "A. Traveler",
		LeadEmail:      "a@example.com",
		PaymentMethod:  "card",
		Total:          shared_models.NewMoney(24000, "EUR"),
	}
}

// --- tests ---

func TestSagaHappyPath(t *testing.T) {
	f := newFixture()

	b, err := f.coord.CreateBooking(context.Background(), request("key-1"))
	require.NoError(t, err)
	assert.Equal(t, booking_models.StateConfirmed, b.State)
	assert.Equal(t, hold_models.HoldConfirmed, f.holds.statusOf(b.ID))
	assert.Equal(t, 1, f.pay.chargeCalls)
	assert.Equal(t, 1, f.op.confirms)
}

func TestCreateBookingIdempotent(t *testing.T) {
	f := newFixture()

	first, err := f.coord.CreateBooking(context.Background(), request("key-dup"))
	require.NoError(t, err)

	second, err := f.coord.CreateBooking(context.Background(), request("key-dup"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.pay.chargeCalls, "replay must not charge again")
}

func TestNoAvailabilityCancelsWithoutCompensation(t *testing.T) {
	f := newFixture()
	f.op.holdErr = operators.ErrNoAvailability

	b, err := f.coord.CreateBooking(context.Background(), request("key-2"))
	require.NoError(t, err)
	assert.Equal(t, booking_models.StateCancelled, b.State)
	assert.Equal(t, shared_models.ReasonNoAvailability, b.Reason)
	assert.Zero(t, f.pay.chargeCalls)
	assert.Nil(t, f.comps.byAction(b.ID, compensation_models.ActionReleaseHold))
}

func TestDeclinedPaymentReleasesHold(t *testing.T) {
	f := newFixture()
	f.pay.declined = true

	b, err := f.coord.CreateBooking(context.Background(), request("key-3"))
	require.NoError(t, err)
	assert.Equal(t, booking_models.StateCancelled, b.State)
	assert.Equal(t, shared_models.ReasonPaymentDeclined, b.Reason)
	assert.Equal(t, 1, f.op.releases)

	rec := f.comps.byAction(b.ID, compensation_models.ActionReleaseHold)
	require.NotNil(t, rec)
	assert.Equal(t, compensation_models.RecordCompleted, rec.Status)
	assert.Nil(t, f.comps.byAction(b.ID, compensation_models.ActionRefundPayment))
}

func TestHoldExpiredDuringConfirmRefunds(t *testing.T) {
	f := newFixture()
	f.op.confirmErr = operators.ErrHoldExpired

	b, err := f.coord.CreateBooking(context.Background(), request("key-4"))
	require.NoError(t, err)
	assert.Equal(t, booking_models.StateCancelled, b.State)
	assert.Equal(t, shared_models.ReasonHoldExpired, b.Reason)
	assert.Equal(t, 1, f.pay.refunds)
	assert.Equal(t, hold_models.HoldExpired, f.holds.statusOf(b.ID))

	rec := f.comps.byAction(b.ID, compensation_models.ActionRefundPayment)
	require.NotNil(t, rec)
	assert.Equal(t, compensation_models.RecordCompleted, rec.Status)
	// the hold is already gone at the operator, no release is attempted
	assert.Zero(t, f.op.releases)
}

func TestConfirmFailureRefundsAndReleases(t *testing.T) {
	f := newFixture()
	f.op.confirmErr = operators.ErrOperatorUnavailable

	b, err := f.coord.CreateBooking(context.Background(), request("key-5"))
	require.NoError(t, err)
	assert.Equal(t, booking_models.StateCancelled, b.State)
	assert.Equal(t, shared_models.ReasonConfirmFailed, b.Reason)
	assert.Equal(t, 1, f.pay.refunds)
	assert.Equal(t, 1, f.op.releases)
}

func TestFailedCompensationStaysCompensating(t *testing.T) {
	f := newFixture()
	f.op.confirmErr = operators.ErrOperatorUnavailable
	f.pay.refundErr = fmt.Errorf("gateway down")

	b, err := f.coord.CreateBooking(context.Background(), request("key-6"))
	require.NoError(t, err)
	assert.Equal(t, booking_models.StateCompensating, b.State)

	rec := f.comps.byAction(b.ID, compensation_models.ActionRefundPayment)
	require.NotNil(t, rec)
	assert.Equal(t, compensation_models.RecordOpen, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
}

func TestPendingPaymentResumesAfterSettlement(t *testing.T) {
	f := newFixture()
	f.pay.pending = true

	b, err := f.coord.CreateBooking(context.Background(), request("key-7"))
	require.NoError(t, err)
	assert.Equal(t, booking_models.StatePaying, b.State)

	f.pay.settle(b.ID)
	resumed, err := f.coord.Resume(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, booking_models.StateConfirmed, resumed.State)
}

func TestCancelBeforeTerminalCompensates(t *testing.T) {
	f := newFixture()
	f.pay.pending = true

	b, err := f.coord.CreateBooking(context.Background(), request("key-8"))
	require.NoError(t, err)
	require.Equal(t, booking_models.StatePaying, b.State)

	// nothing captured yet; cancellation flags the booking and the next
	// checkpoint honors it
	f.pay.settle(b.ID)
	cancelled, err := f.coord.Cancel(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, booking_models.StateCancelled, cancelled.State)
	assert.Equal(t, shared_models.ReasonUserCancelled, cancelled.Reason)
	assert.Equal(t, 1, f.pay.refunds)
	assert.Equal(t, 1, f.op.releases)
}

func TestCancelOnConfirmedBookingReturnsFinalResult(t *testing.T) {
	f := newFixture()

	b, err := f.coord.CreateBooking(context.Background(), request("key-9"))
	require.NoError(t, err)
	require.Equal(t, booking_models.StateConfirmed, b.State)

	same, err := f.coord.Cancel(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, booking_models.StateConfirmed, same.State)
	assert.Zero(t, f.pay.refunds)
}

func TestConcurrentCancelOneWins(t *testing.T) {
	f := newFixture()
	f.pay.pending = true

	b, err := f.coord.CreateBooking(context.Background(), request("key-10"))
	require.NoError(t, err)

	// hold the lock to simulate a saga mid-flight
	release, err := f.coord.Locks.Acquire(context.Background(), b.ID)
	require.NoError(t, err)

	_, err = f.coord.Cancel(context.Background(), b.ID)
	assert.ErrorIs(t, err, ErrBookingBusy)

	got, err := f.bookings.GetByID(context.Background(), b.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested, "busy cancel must still flag the booking")
	release()
}

func TestCreateBookingValidation(t *testing.T) {
	f := newFixture()

	bad := request("")
	_, err := f.coord.CreateBooking(context.Background(), bad)
	assert.ErrorIs(t, err, ErrInvalidBooking)

	unknownOp := request("key-11")
	unknownOp.OperatorCode = "NOPE"
	_, err = f.coord.CreateBooking(context.Background(), unknownOp)
	assert.ErrorIs(t, err, ErrUnknownOperator)
}
