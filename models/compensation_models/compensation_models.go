package compensation_models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Action string

const (
	ActionReleaseHold   Action = "release_hold"
	ActionRefundPayment Action = "refund_payment"
)

type RecordStatus string

const (
	RecordOpen      RecordStatus = "open"
	RecordCompleted RecordStatus = "completed"
)

var ErrRecordNotFound = errors.New("compensation record not found")

// Record is one pending or completed undo action. Open records survive
// process crashes so the reconciler can retry them.
type Record struct {
	ID        uuid.UUID    `json:"id"`
	BookingID uuid.UUID    `json:"booking_id"`
	Action    Action       `json:"action"`
	TargetRef string       `json:"target_ref"`
	Status    RecordStatus `json:"status"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"last_error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type Store struct {
	DB *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const recordColumns = `id, booking_id, action, target_ref, status, attempts, last_error, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	r := &Record{}
	err := row.Scan(&r.ID, &r.BookingID, &r.Action, &r.TargetRef, &r.Status,
		&r.Attempts, &r.LastError, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("scan compensation record: %w", err)
	}
	return r, nil
}

// Open writes a new open record before the undo action is attempted, so a
// crash between the write and the action leaves a retryable trace.
func (s *Store) Open(ctx context.Context, bookingID uuid.UUID, action Action, targetRef string) (*Record, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate compensation id: %w", err)
	}
	now := time.Now().UTC()
	r := &Record{
		ID:        id,
		BookingID: bookingID,
		Action:    action,
		TargetRef: targetRef,
		Status:    RecordOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO compensation_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.BookingID, r.Action, r.TargetRef, r.Status, r.Attempts, r.LastError,
		r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("open compensation record: %w", err)
	}
	return r, nil
}

// Complete closes a record after its undo action succeeded.
func (s *Store) Complete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE compensation_records SET status = 'completed', updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("complete compensation record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// NoteFailure bumps the attempt counter and keeps the record open.
func (s *Store) NoteFailure(ctx context.Context, id uuid.UUID, cause string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE compensation_records
		SET attempts = attempts + 1, last_error = $1, updated_at = NOW()
		WHERE id = $2`, cause, id)
	if err != nil {
		return fmt.Errorf("note compensation failure: %w", err)
	}
	return nil
}

// ListOpenByBooking returns a booking's outstanding undo actions, oldest
// first.
func (s *Store) ListOpenByBooking(ctx context.Context, bookingID uuid.UUID) ([]*Record, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+recordColumns+` FROM compensation_records
		WHERE booking_id = $1 AND status = 'open'
		ORDER BY created_at`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("query open compensations: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
