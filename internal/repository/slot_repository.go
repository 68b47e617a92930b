package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/slot-booking/internal/database"
	"github.com/iliyamo/slot-booking/internal/model"
)

// SlotRepo owns the slots table and the reserved counter on each slot.
// Reserve and Release are the only code paths that change reserved, and
// both run as a single conditional UPDATE so concurrent callers can never
// push reserved past capacity or below zero. All timestamps are UTC.
type SlotRepo struct {
	db *sql.DB
}

// NewSlotRepo returns a new SlotRepo bound to the given database.
func NewSlotRepo(db *sql.DB) *SlotRepo { return &SlotRepo{db: db} }

// DB exposes the underlying handle so callers can open transactions.
func (r *SlotRepo) DB() *sql.DB { return r.db }

const slotColumns = `id, owner_id, service_id, starts_at, ends_at, capacity, reserved, active, disabled,
	price_cents, payee_account_ref, payee_share_percent, created_at, updated_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlot(row rowScanner) (*model.Slot, error) {
	var (
		s         model.Slot
		serviceID sql.NullInt64
		payeeRef  sql.NullString
	)
	if err := row.Scan(&s.ID, &s.OwnerID, &serviceID, &s.StartsAt, &s.EndsAt,
		&s.Capacity, &s.Reserved, &s.Active, &s.Disabled,
		&s.PriceCents, &payeeRef, &s.PayeeSharePercent, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	if serviceID.Valid {
		v := uint64(serviceID.Int64)
		s.ServiceID = &v
	}
	s.PayeeAccountRef = stringPtr(payeeRef)
	return &s, nil
}

func nullUint64(v *uint64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// validSlotTerms checks the price and payout terms a booking inherits.
// A payee share needs a payee account.
func validSlotTerms(s *model.Slot) bool {
	if s.PriceCents <= 0 || s.PayeeSharePercent < 0 || s.PayeeSharePercent > 100 {
		return false
	}
	if s.PayeeAccountRef == nil {
		return s.PayeeSharePercent == 0
	}
	return strings.TrimSpace(*s.PayeeAccountRef) != ""
}

// Create inserts a new open slot. The (owner, start) pair is unique and a
// collision returns ErrDuplicateSlot.
func (r *SlotRepo) Create(ctx context.Context, s *model.Slot) error {
	if s.Capacity == 0 || !s.EndsAt.After(s.StartsAt) || !validSlotTerms(s) {
		return ErrInvalidSlot
	}
	now := time.Now().UTC().Truncate(time.Second)
	const q = `INSERT INTO slots (owner_id, service_id, starts_at, ends_at, capacity, reserved, active, disabled,
	                              price_cents, payee_account_ref, payee_share_percent, created_at, updated_at)
	           VALUES (?, ?, ?, ?, ?, 0, 1, 0, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, q, s.OwnerID, nullUint64(s.ServiceID),
		s.StartsAt.UTC(), s.EndsAt.UTC(), s.Capacity,
		s.PriceCents, nullString(s.PayeeAccountRef), s.PayeeSharePercent, now, now)
	if err != nil {
		if database.IsDuplicateKey(err) {
			return ErrDuplicateSlot
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	s.ID = uint64(id)
	s.StartsAt = s.StartsAt.UTC()
	s.EndsAt = s.EndsAt.UTC()
	s.Reserved = 0
	s.Active = true
	s.Disabled = false
	s.CreatedAt = now
	s.UpdatedAt = now
	return nil
}

// CreateBatch inserts each slot independently. Slots colliding with an
// existing (owner, start) pair are skipped and returned in duplicates; any
// other failure stops the batch.
func (r *SlotRepo) CreateBatch(ctx context.Context, slots []model.Slot) (created []model.Slot, duplicates []model.Slot, err error) {
	for i := range slots {
		s := slots[i]
		switch err := r.Create(ctx, &s); {
		case err == nil:
			created = append(created, s)
		case errors.Is(err, ErrDuplicateSlot):
			duplicates = append(duplicates, s)
		default:
			return created, duplicates, fmt.Errorf("slot %d (owner %d at %s): %w",
				i+1, s.OwnerID, s.StartsAt.Format(time.RFC3339), err)
		}
	}
	return created, duplicates, nil
}

// GetByID returns a slot by id or ErrSlotNotFound.
func (r *SlotRepo) GetByID(ctx context.Context, id uint64) (*model.Slot, error) {
	s, err := scanSlot(r.db.QueryRowContext(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSlotNotFound
	}
	return s, err
}

// GetByIDTx is GetByID inside an existing transaction.
func (r *SlotRepo) GetByIDTx(ctx context.Context, tx *sql.Tx, id uint64) (*model.Slot, error) {
	s, err := scanSlot(tx.QueryRowContext(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSlotNotFound
	}
	return s, err
}

// ListByOwner returns the owner's slots starting in [from, to), ordered by
// start time. A zero to means no upper bound.
func (r *SlotRepo) ListByOwner(ctx context.Context, ownerID uint64, from, to time.Time) ([]model.Slot, error) {
	q := `SELECT ` + slotColumns + ` FROM slots WHERE owner_id = ? AND starts_at >= ?`
	args := []any{ownerID, from.UTC()}
	if !to.IsZero() {
		q += ` AND starts_at < ?`
		args = append(args, to.UTC())
	}
	q += ` ORDER BY starts_at ASC, id ASC`
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// ReserveTx claims one place on the slot. The claim is one conditional
// UPDATE: it matches only an active, enabled, future slot with room, and
// clears active when the new count reaches capacity. When nothing matched,
// the slot is re-read only to choose the error. The returned snapshot is
// the post-reservation state and serves as the reservation token.
func (r *SlotRepo) ReserveTx(ctx context.Context, tx *sql.Tx, slotID uint64, now time.Time) (*model.Slot, error) {
	now = now.UTC()
	// active is assigned before reserved: MySQL evaluates SET left to right,
	// so both engines see the pre-update reserved here.
	const q = `UPDATE slots
	           SET active = CASE WHEN reserved + 1 >= capacity THEN 0 ELSE active END,
	               reserved = reserved + 1,
	               updated_at = ?
	           WHERE id = ? AND active = 1 AND disabled = 0 AND reserved < capacity AND starts_at > ?`
	res, err := tx.ExecContext(ctx, q, now.Truncate(time.Second), slotID, now)
	if err != nil {
		return nil, fmt.Errorf("reserve slot %d: %w", slotID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, r.classifyMissTx(ctx, tx, slotID, now)
	}
	return r.GetByIDTx(ctx, tx, slotID)
}

func (r *SlotRepo) classifyMissTx(ctx context.Context, tx *sql.Tx, slotID uint64, now time.Time) error {
	s, err := r.GetByIDTx(ctx, tx, slotID)
	if err != nil {
		return err
	}
	switch {
	case s.Disabled || !s.StartsAt.After(now):
		return ErrSlotInactive
	case s.Reserved >= s.Capacity:
		return ErrSlotFull
	default:
		return ErrSlotInactive
	}
}

// ReleaseTx returns one place to the slot. The counter never goes below
// zero. The slot reopens unless it is disabled or has already started.
func (r *SlotRepo) ReleaseTx(ctx context.Context, tx *sql.Tx, slotID uint64, now time.Time) error {
	now = now.UTC()
	const q = `UPDATE slots
	           SET active = CASE WHEN disabled = 0 AND starts_at > ? THEN 1 ELSE active END,
	               reserved = reserved - 1,
	               updated_at = ?
	           WHERE id = ? AND reserved > 0`
	res, err := tx.ExecContext(ctx, q, now, now.Truncate(time.Second), slotID)
	if err != nil {
		return fmt.Errorf("release slot %d: %w", slotID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Already at zero; only a missing slot is an error.
		if _, err := r.GetByIDTx(ctx, tx, slotID); err != nil {
			return err
		}
	}
	return nil
}

// SetDisabled closes or reopens a slot administratively. Reopening only
// makes the slot active again if it has room and has not started.
func (r *SlotRepo) SetDisabled(ctx context.Context, id uint64, disabled bool, now time.Time) (*model.Slot, error) {
	now = now.UTC()
	const q = `UPDATE slots
	           SET active = CASE WHEN ? = 0 AND reserved < capacity AND starts_at > ? THEN 1 ELSE 0 END,
	               disabled = ?,
	               updated_at = ?
	           WHERE id = ?`
	d := boolInt(disabled)
	if _, err := r.db.ExecContext(ctx, q, d, now, d, now.Truncate(time.Second), id); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// Delete removes a slot that has never been booked and holds no
// reservations. Otherwise ErrConflict is returned.
func (r *SlotRepo) Delete(ctx context.Context, id uint64) error {
	const q = `DELETE FROM slots
	           WHERE id = ? AND reserved = 0
	             AND NOT EXISTS (SELECT 1 FROM bookings b WHERE b.slot_id = ?)`
	res, err := r.db.ExecContext(ctx, q, id, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}
