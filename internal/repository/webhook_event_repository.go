package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/slot-booking/internal/database"
	"github.com/iliyamo/slot-booking/internal/model"
)

// WebhookEventRepo is the processed-events ledger. A row is written in the
// same transaction as the booking change the event caused, so the presence
// of a row means the event's effects are committed.
type WebhookEventRepo struct {
	db *sql.DB
}

// NewWebhookEventRepo returns a new WebhookEventRepo bound to the given database.
func NewWebhookEventRepo(db *sql.DB) *WebhookEventRepo { return &WebhookEventRepo{db: db} }

// Exists reports whether the event id is already in the ledger.
func (r *WebhookEventRepo) Exists(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM webhook_events WHERE event_id = ?`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecordTx inserts the ledger row. A concurrent delivery of the same event
// that already committed makes this return ErrEventAlreadyProcessed.
func (r *WebhookEventRepo) RecordTx(ctx context.Context, tx *sql.Tx, ev *model.WebhookEvent) error {
	if ev.ProcessedAt.IsZero() {
		ev.ProcessedAt = time.Now()
	}
	ev.ProcessedAt = ev.ProcessedAt.UTC().Truncate(time.Second)
	const q = `INSERT INTO webhook_events (event_id, event_type, environment, booking_id, outcome, processed_at)
	           VALUES (?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, q, ev.EventID, ev.EventType, ev.Environment, nullUint64(ev.BookingID), ev.Outcome, ev.ProcessedAt)
	if err != nil {
		if database.IsDuplicateKey(err) {
			return ErrEventAlreadyProcessed
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	ev.ID = uint64(id)
	return nil
}

// GetByEventID returns the ledger row for an event.
func (r *WebhookEventRepo) GetByEventID(ctx context.Context, eventID string) (*model.WebhookEvent, error) {
	var (
		ev        model.WebhookEvent
		bookingID sql.NullInt64
	)
	const q = `SELECT id, event_id, event_type, environment, booking_id, outcome, processed_at
	           FROM webhook_events WHERE event_id = ?`
	err := r.db.QueryRowContext(ctx, q, eventID).Scan(&ev.ID, &ev.EventID, &ev.EventType, &ev.Environment,
		&bookingID, &ev.Outcome, &ev.ProcessedAt)
	if err != nil {
		return nil, err
	}
	if bookingID.Valid {
		v := uint64(bookingID.Int64)
		ev.BookingID = &v
	}
	return &ev, nil
}

// CountByBooking returns how many ledger rows reference a booking.
func (r *WebhookEventRepo) CountByBooking(ctx context.Context, bookingID uint64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_events WHERE booking_id = ?`, bookingID).Scan(&n)
	return n, err
}
