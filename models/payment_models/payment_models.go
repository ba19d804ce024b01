package payment_models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/shared_models"
)

type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
	AttemptRefunded  AttemptStatus = "refunded"
)

var (
	ErrAttemptNotFound = errors.New("payment attempt not found")
	ErrAlreadyCaptured = errors.New("booking already has a succeeded payment")
)

// Attempt is one charge attempt against a gateway. The idempotency key is
// derived from the booking id and the attempt ordinal, so a replayed attempt
// reuses the same key and a fresh attempt gets a new one.
type Attempt struct {
	ID             uuid.UUID           `json:"id"`
	BookingID      uuid.UUID           `json:"booking_id"`
	Ordinal        int                 `json:"ordinal"`
	Gateway        string              `json:"gateway"`
	IdempotencyKey string              `json:"idempotency_key"`
	PaymentRef     string              `json:"payment_ref,omitempty"`
	Amount         shared_models.Money `json:"amount"`
	Status         AttemptStatus       `json:"status"`
	Indeterminate  bool                `json:"indeterminate"`
	DeclineCode    string              `json:"decline_code,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// DeriveIdempotencyKey builds the gateway idempotency key for one attempt.
func DeriveIdempotencyKey(bookingID uuid.UUID, ordinal int) string {
	return fmt.Sprintf("%s-%d", bookingID, ordinal)
}

type Store struct {
	DB *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const attemptColumns = `id, booking_id, ordinal, gateway, idempotency_key, payment_ref,
	amount_minor, amount_currency, status, indeterminate, decline_code, created_at, updated_at`

func scanAttempt(row pgx.Row) (*Attempt, error) {
	a := &Attempt{}
	err := row.Scan(&a.ID, &a.BookingID, &a.Ordinal, &a.Gateway, &a.IdempotencyKey, &a.PaymentRef,
		&a.Amount.Amount, &a.Amount.Currency, &a.Status, &a.Indeterminate, &a.DeclineCode,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("scan payment attempt: %w", err)
	}
	return a, nil
}

// Create opens a new pending attempt for a booking. The ordinal is assigned
// from the booking's current attempt count so derived keys never collide.
func (s *Store) Create(ctx context.Context, bookingID uuid.UUID, gateway string, amount shared_models.Money) (*Attempt, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate attempt id: %w", err)
	}
	now := time.Now().UTC()

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create attempt: %w", err)
	}
	defer tx.Rollback(ctx)

	var ordinal int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(ordinal), 0) + 1 FROM payment_attempts WHERE booking_id = $1`,
		bookingID).Scan(&ordinal)
	if err != nil {
		return nil, fmt.Errorf("next attempt ordinal: %w", err)
	}

	a := &Attempt{
		ID:             id,
		BookingID:      bookingID,
		Ordinal:        ordinal,
		Gateway:        gateway,
		IdempotencyKey: DeriveIdempotencyKey(bookingID, ordinal),
		Amount:         amount,
		Status:         AttemptPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO payment_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.BookingID, a.Ordinal, a.Gateway, a.IdempotencyKey, a.PaymentRef,
		a.Amount.Amount, a.Amount.Currency, a.Status, a.Indeterminate, a.DeclineCode,
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert payment attempt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create attempt: %w", err)
	}
	return a, nil
}

// MarkSucceeded settles an attempt as captured. The partial unique index on
// (booking_id) WHERE status = 'succeeded' guarantees at most one capture per
// booking; a second capture surfaces as ErrAlreadyCaptured.
func (s *Store) MarkSucceeded(ctx context.Context, id uuid.UUID, paymentRef string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE payment_attempts
		SET status = 'succeeded', payment_ref = $1, indeterminate = FALSE, updated_at = NOW()
		WHERE id = $2`, paymentRef, id)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyCaptured
		}
		return fmt.Errorf("mark attempt succeeded: %w", err)
	}
	return nil
}

// MarkFailed settles an attempt as declined or errored.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, declineCode string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE payment_attempts
		SET status = 'failed', decline_code = $1, indeterminate = FALSE, updated_at = NOW()
		WHERE id = $2`, declineCode, id)
	if err != nil {
		return fmt.Errorf("mark attempt failed: %w", err)
	}
	return nil
}

// MarkIndeterminate flags an attempt whose outcome at the gateway is unknown.
// Indeterminate attempts block failover to another gateway until resolved.
func (s *Store) MarkIndeterminate(ctx context.Context, id uuid.UUID) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE payment_attempts SET indeterminate = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark attempt indeterminate: %w", err)
	}
	return nil
}

// SetPaymentRef records the gateway reference on a still-pending attempt, so
// a crash before the settling webhook leaves the ref on record.
func (s *Store) SetPaymentRef(ctx context.Context, id uuid.UUID, paymentRef string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE payment_attempts SET payment_ref = $1, updated_at = NOW() WHERE id = $2`,
		paymentRef, id)
	if err != nil {
		return fmt.Errorf("set payment ref: %w", err)
	}
	return nil
}

// MarkRefunded settles a previously captured attempt as refunded.
func (s *Store) MarkRefunded(ctx context.Context, id uuid.UUID) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE payment_attempts SET status = 'refunded', updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark attempt refunded: %w", err)
	}
	return nil
}

// GetByIdempotencyKey resolves an attempt from its derived key; webhook
// handlers use it to map gateway events back to attempts.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*Attempt, error) {
	row := s.DB.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE idempotency_key = $1`, key)
	return scanAttempt(row)
}

// ListByBooking returns all attempts for a booking in ordinal order.
func (s *Store) ListByBooking(ctx context.Context, bookingID uuid.UUID) ([]*Attempt, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE booking_id = $1 ORDER BY ordinal`,
		bookingID)
	if err != nil {
		return nil, fmt.Errorf("query payment attempts: %w", err)
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Succeeded returns the booking's captured attempt, if any.
func (s *Store) Succeeded(ctx context.Context, bookingID uuid.UUID) (*Attempt, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+attemptColumns+` FROM payment_attempts
		WHERE booking_id = $1 AND status = 'succeeded'`, bookingID)
	return scanAttempt(row)
}

// RecordWebhookEvent inserts the gateway event id into the dedup table and
// reports whether this is the first time the event was seen. The raw payload
// is kept for audit.
func (s *Store) RecordWebhookEvent(ctx context.Context, gateway, eventID string, payload []byte) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
		INSERT INTO webhook_events (gateway, event_id, payload, received_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (gateway, event_id) DO NOTHING`,
		gateway, eventID, payload)
	if err != nil {
		return false, fmt.Errorf("record webhook event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteWebhookEvent releases a dedup record whose event could not be
// applied, so the gateway's redelivery gets another chance.
func (s *Store) DeleteWebhookEvent(ctx context.Context, gateway, eventID string) error {
	_, err := s.DB.Exec(ctx, `
		DELETE FROM webhook_events WHERE gateway = $1 AND event_id = $2`,
		gateway, eventID)
	if err != nil {
		return fmt.Errorf("delete webhook event: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
