package booking_models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/logger"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/shared_models"
)

// BookingState is one node of the booking state machine.
type BookingState string

const (
	StateCreated      BookingState = "created"
	StateHolding      BookingState = "holding"
	StateHeld         BookingState = "held"
	StatePaying       BookingState = "paying"
	StatePaid         BookingState = "paid"
	StateConfirming   BookingState = "confirming"
	StateConfirmed    BookingState = "confirmed"
	StateCompensating BookingState = "compensating"
	StateCancelled    BookingState = "cancelled"
	StateFailed       BookingState = "failed"
)

// allowedTransitions encodes the forward path and the compensation branches.
// A booking only ever moves along these edges; backward movement happens
// exclusively through the compensating state.
var allowedTransitions = map[BookingState][]BookingState{
	StateCreated:      {StateHolding, StateCancelled},
	StateHolding:      {StateHeld, StateCancelled, StateFailed},
	StateHeld:         {StatePaying, StateCompensating, StateCancelled},
	StatePaying:       {StatePaid, StateCompensating, StateFailed},
	StatePaid:         {StateConfirming, StateCompensating},
	StateConfirming:   {StateConfirmed, StateCompensating, StateFailed},
	StateCompensating: {StateCancelled, StateFailed},
}

var (
	ErrBookingNotFound      = errors.New("booking not found")
	ErrInvalidTransition    = errors.New("invalid booking state transition")
	ErrBookingTerminal      = errors.New("booking already in terminal state")
	ErrDuplicateIdempotency = errors.New("idempotency key already used")
)

// IsTerminal reports whether the state is final; terminal bookings are
// immutable.
func IsTerminal(s BookingState) bool {
	return s == StateConfirmed || s == StateCancelled || s == StateFailed
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to BookingState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StepEntry is one line of a booking's ordered step log.
type StepEntry struct {
	Seq         int       `json:"seq"`
	Step        string    `json:"step"`
	Outcome     string    `json:"outcome"`
	ExternalRef string    `json:"external_ref,omitempty"`
	At          time.Time `json:"at"`
}

// Booking is the durable record a saga drives through its state machine.
type Booking struct {
	ID              uuid.UUID           `json:"id"`
	IdempotencyKey  string              `json:"idempotency_key"`
	OperatorCode    string              `json:"operator_code"`
	OfferRef        string              `json:"offer_ref"`
	DeparturePort   string              `json:"departure_port"`
	ArrivalPort     string              `json:"arrival_port"`
	Passengers      int                 `json:"passengers"`
	Vehicles        int                 `json:"vehicles"`
	LeadName        string              `json:"lead_name"`
	LeadEmail       string              `json:"lead_email"`
	PaymentMethod   string              `json:"-"`
	Total           shared_models.Money `json:"total"`
	State           BookingState        `json:"state"`
	Reason          string              `json:"reason,omitempty"`
	CancelRequested bool                `json:"cancel_requested"`
	ReconcilePasses int                 `json:"-"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// NewBooking creates a booking in the created state.
func NewBooking(idempotencyKey, operatorCode, offerRef string, total shared_models.Money) (*Booking, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate booking id: %w", err)
	}
	now := time.Now().UTC()
	return &Booking{
		ID:             id,
		IdempotencyKey: idempotencyKey,
		OperatorCode:   operatorCode,
		OfferRef:       offerRef,
		Total:          total,
		State:          StateCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Store persists bookings and their step logs in PostgreSQL.
type Store struct {
	DB *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const bookingColumns = `id, idempotency_key, operator_code, offer_ref, departure_port, arrival_port,
	passengers, vehicles, lead_name, lead_email, payment_method, total_minor, total_currency,
	state, reason, cancel_requested, reconcile_passes, created_at, updated_at`

func scanBooking(row pgx.Row) (*Booking, error) {
	b := &Booking{}
	err := row.Scan(
		&b.ID, &b.IdempotencyKey, &b.OperatorCode, &b.OfferRef, &b.DeparturePort, &b.ArrivalPort,
		&b.Passengers, &b.Vehicles, &b.LeadName, &b.LeadEmail, &b.PaymentMethod,
		&b.Total.Amount, &b.Total.Currency,
		&b.State, &b.Reason, &b.CancelRequested, &b.ReconcilePasses, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, fmt.Errorf("scan booking: %w", err)
	}
	return b, nil
}

// Create inserts a new booking. A duplicate idempotency key is reported as
// ErrDuplicateIdempotency so the caller can return the existing booking.
func (s *Store) Create(ctx context.Context, b *Booking) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		b.ID, b.IdempotencyKey, b.OperatorCode, b.OfferRef, b.DeparturePort, b.ArrivalPort,
		b.Passengers, b.Vehicles, b.LeadName, b.LeadEmail, b.PaymentMethod,
		b.Total.Amount, b.Total.Currency,
		b.State, b.Reason, b.CancelRequested, b.ReconcilePasses, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateIdempotency
		}
		logger.ErrorLogger.Errorf("Failed to insert booking %s: %v", b.ID, err)
		return fmt.Errorf("create booking: %w", err)
	}
	return nil
}

// GetByID fetches one booking.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*Booking, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	return scanBooking(row)
}

// GetByIdempotencyKey fetches the booking created under a client key.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*Booking, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE idempotency_key = $1`, key)
	return scanBooking(row)
}

// Transition moves a booking to a new state, appending a step log entry in
// the same transaction. Illegal transitions and writes to terminal bookings
// are rejected.
func (s *Store) Transition(ctx context.Context, id uuid.UUID, to BookingState, reason, step, outcome, externalRef string) (*Booking, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id)
	b, err := scanBooking(row)
	if err != nil {
		return nil, err
	}
	if IsTerminal(b.State) {
		return nil, fmt.Errorf("%w: %s", ErrBookingTerminal, b.State)
	}
	if !CanTransition(b.State, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.State, to)
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx,
		`UPDATE bookings SET state = $1, reason = $2, updated_at = $3 WHERE id = $4`,
		to, reason, now, id)
	if err != nil {
		return nil, fmt.Errorf("update booking state: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO booking_steps (booking_id, seq, step, outcome, external_ref, at)
		VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM booking_steps WHERE booking_id = $1), $2, $3, $4, $5)`,
		id, step, outcome, externalRef, now)
	if err != nil {
		return nil, fmt.Errorf("append booking step: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}

	b.State = to
	b.Reason = reason
	b.UpdatedAt = now
	return b, nil
}

// Steps returns the ordered step log for a booking.
func (s *Store) Steps(ctx context.Context, id uuid.UUID) ([]StepEntry, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT seq, step, outcome, external_ref, at
		FROM booking_steps WHERE booking_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("query booking steps: %w", err)
	}
	defer rows.Close()

	var steps []StepEntry
	for rows.Next() {
		var e StepEntry
		if err := rows.Scan(&e.Seq, &e.Step, &e.Outcome, &e.ExternalRef, &e.At); err != nil {
			return nil, fmt.Errorf("scan booking step: %w", err)
		}
		steps = append(steps, e)
	}
	return steps, rows.Err()
}

// RequestCancel flags the booking so the saga honors the cancellation at its
// next checkpoint. Terminal bookings are left untouched.
func (s *Store) RequestCancel(ctx context.Context, id uuid.UUID) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE bookings SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1 AND state NOT IN ('confirmed', 'cancelled', 'failed')`, id)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBookingTerminal
	}
	return nil
}

// ListUnsettled returns bookings the reconciler must look at: anything
// compensating, plus anything non-terminal that has not moved since the
// staleness cutoff.
func (s *Store) ListUnsettled(ctx context.Context, staleBefore time.Time, limit int) ([]*Booking, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE state = 'compensating'
		   OR (state NOT IN ('confirmed', 'cancelled', 'failed') AND updated_at < $1)
		ORDER BY updated_at
		LIMIT $2`, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("query unsettled bookings: %w", err)
	}
	defer rows.Close()

	var out []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// BumpReconcilePasses increments the unresolved-pass counter and returns the
// new value; the reconciler escalates once it crosses its threshold.
func (s *Store) BumpReconcilePasses(ctx context.Context, id uuid.UUID) (int, error) {
	var passes int
	err := s.DB.QueryRow(ctx, `
		UPDATE bookings SET reconcile_passes = reconcile_passes + 1, updated_at = NOW()
		WHERE id = $1 RETURNING reconcile_passes`, id).Scan(&passes)
	if err != nil {
		return 0, fmt.Errorf("bump reconcile passes: %w", err)
	}
	return passes, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
