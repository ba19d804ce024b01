package hold_models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type HoldStatus string

const (
	HoldActive    HoldStatus = "active"
	HoldConfirmed HoldStatus = "confirmed"
	HoldReleased  HoldStatus = "released"
	HoldExpired   HoldStatus = "expired"
)

var ErrHoldNotFound = errors.New("hold not found")

// Hold is the durable trace of a seat reservation held at an operator on
// behalf of one booking. Each booking owns at most one active hold.
type Hold struct {
	ID           uuid.UUID  `json:"id"`
	BookingID    uuid.UUID  `json:"booking_id"`
	OperatorCode string     `json:"operator_code"`
	OperatorRef  string     `json:"operator_ref"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Status       HoldStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Expired reports whether the hold's expiry has passed.
func (h *Hold) Expired(now time.Time) bool {
	return !h.ExpiresAt.IsZero() && now.After(h.ExpiresAt)
}

type Store struct {
	DB *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const holdColumns = `id, booking_id, operator_code, operator_ref, expires_at, status, created_at, updated_at`

func scanHold(row pgx.Row) (*Hold, error) {
	h := &Hold{}
	err := row.Scan(&h.ID, &h.BookingID, &h.OperatorCode, &h.OperatorRef,
		&h.ExpiresAt, &h.Status, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrHoldNotFound
		}
		return nil, fmt.Errorf("scan hold: %w", err)
	}
	return h, nil
}

// Create records a fresh active hold for a booking.
func (s *Store) Create(ctx context.Context, bookingID uuid.UUID, operatorCode, operatorRef string, expiresAt time.Time) (*Hold, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate hold id: %w", err)
	}
	now := time.Now().UTC()
	h := &Hold{
		ID:           id,
		BookingID:    bookingID,
		OperatorCode: operatorCode,
		OperatorRef:  operatorRef,
		ExpiresAt:    expiresAt,
		Status:       HoldActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO operator_holds (`+holdColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		h.ID, h.BookingID, h.OperatorCode, h.OperatorRef, h.ExpiresAt, h.Status, h.CreatedAt, h.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create hold: %w", err)
	}
	return h, nil
}

// GetActiveByBooking returns the booking's current active hold.
func (s *Store) GetActiveByBooking(ctx context.Context, bookingID uuid.UUID) (*Hold, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+holdColumns+` FROM operator_holds
		WHERE booking_id = $1 AND status = 'active'
		ORDER BY created_at DESC LIMIT 1`, bookingID)
	return scanHold(row)
}

// GetLatestByBooking returns the booking's most recent hold regardless of
// status; the reconciler uses it to learn which operator ref to query.
func (s *Store) GetLatestByBooking(ctx context.Context, bookingID uuid.UUID) (*Hold, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+holdColumns+` FROM operator_holds
		WHERE booking_id = $1
		ORDER BY created_at DESC LIMIT 1`, bookingID)
	return scanHold(row)
}

// SetStatus moves a hold to a new status.
func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status HoldStatus) error {
	tag, err := s.DB.Exec(ctx,
		`UPDATE operator_holds SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("update hold status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrHoldNotFound
	}
	return nil
}
