package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/slot-booking/internal/database"
	"github.com/iliyamo/slot-booking/internal/model"
)

// BookingRepo owns the bookings table and its state machine. Every status
// change is a guarded UPDATE that names the statuses it may leave, so two
// racing writers can never both apply a transition. Transitions that end a
// booking's hold on its slot release the place through SlotRepo in the same
// transaction, which makes the release happen exactly once.
type BookingRepo struct {
	db    *sql.DB
	slots *SlotRepo
}

// NewBookingRepo returns a BookingRepo. slots is used to release capacity
// when a booking is cancelled.
func NewBookingRepo(db *sql.DB, slots *SlotRepo) *BookingRepo {
	if slots == nil {
		panic("nil SlotRepo passed to NewBookingRepo")
	}
	return &BookingRepo{db: db, slots: slots}
}

// DB exposes the underlying handle so callers can open transactions.
func (r *BookingRepo) DB() *sql.DB { return r.db }

// CancelSettlement states how the money side of a cancellation was settled.
type CancelSettlement int

const (
	// SettleNone: nothing was paid, or the caller has not settled yet. A
	// confirmed booking cannot be cancelled with this value.
	SettleNone CancelSettlement = iota
	// SettleRefunded: the payment was refunded at the provider.
	SettleRefunded
	// SettleWaived: staff explicitly waived the refund.
	SettleWaived
)

const bookingColumns = `id, slot_id, customer_id, service_id, starts_at, ends_at, duration_minutes,
	status, payment_status, amount_cents, external_checkout_ref, external_payment_ref, payment_env,
	payee_account_ref, platform_fee_cents, cancel_reason, refund_waived, created_at, updated_at`

func scanBooking(row rowScanner) (*model.Booking, error) {
	var (
		b                                            model.Booking
		serviceID, platformFee                       sql.NullInt64
		checkoutRef, paymentRef, payeeRef, cancelRsn sql.NullString
	)
	if err := row.Scan(&b.ID, &b.SlotID, &b.CustomerID, &serviceID, &b.StartsAt, &b.EndsAt, &b.DurationMinutes,
		&b.Status, &b.PaymentStatus, &b.AmountCents, &checkoutRef, &paymentRef, &b.PaymentEnv,
		&payeeRef, &platformFee, &cancelRsn, &b.RefundWaived, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	if serviceID.Valid {
		v := uint64(serviceID.Int64)
		b.ServiceID = &v
	}
	if platformFee.Valid {
		v := platformFee.Int64
		b.PlatformFeeCents = &v
	}
	b.ExternalCheckoutRef = stringPtr(checkoutRef)
	b.ExternalPaymentRef = stringPtr(paymentRef)
	b.PayeeAccountRef = stringPtr(payeeRef)
	b.CancelReason = stringPtr(cancelRsn)
	return &b, nil
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// CreatePendingTx inserts a booking in pending_payment/pending. It must run
// in the same transaction as the SlotRepo.ReserveTx that claimed its place.
func (r *BookingRepo) CreatePendingTx(ctx context.Context, tx *sql.Tx, b *model.Booking) error {
	now := time.Now().UTC().Truncate(time.Second)
	b.Status = model.BookingPendingPayment
	b.PaymentStatus = model.PaymentPending
	var fee sql.NullInt64
	if b.PlatformFeeCents != nil {
		fee = sql.NullInt64{Int64: *b.PlatformFeeCents, Valid: true}
	}
	const q = `INSERT INTO bookings (slot_id, customer_id, service_id, starts_at, ends_at, duration_minutes,
	               status, payment_status, amount_cents, external_checkout_ref, payment_env,
	               payee_account_ref, platform_fee_cents, refund_waived, created_at, updated_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`
	res, err := tx.ExecContext(ctx, q, b.SlotID, b.CustomerID, nullUint64(b.ServiceID),
		b.StartsAt.UTC(), b.EndsAt.UTC(), b.DurationMinutes,
		string(b.Status), string(b.PaymentStatus), b.AmountCents, nullString(b.ExternalCheckoutRef), b.PaymentEnv,
		nullString(b.PayeeAccountRef), fee, now, now)
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	b.ID = uint64(id)
	b.CreatedAt = now
	b.UpdatedAt = now
	return nil
}

// GetByID returns a booking by id or ErrBookingNotFound.
func (r *BookingRepo) GetByID(ctx context.Context, id uint64) (*model.Booking, error) {
	b, err := scanBooking(r.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	return b, err
}

// GetByIDTx is GetByID inside an existing transaction.
func (r *BookingRepo) GetByIDTx(ctx context.Context, tx *sql.Tx, id uint64) (*model.Booking, error) {
	b, err := scanBooking(tx.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	return b, err
}

// FindByPaymentRefTx returns the latest booking paid with the given
// provider payment reference.
func (r *BookingRepo) FindByPaymentRefTx(ctx context.Context, tx *sql.Tx, ref string) (*model.Booking, error) {
	const q = `SELECT ` + bookingColumns + ` FROM bookings WHERE external_payment_ref = ? ORDER BY id DESC LIMIT 1`
	b, err := scanBooking(tx.QueryRowContext(ctx, q, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	return b, err
}

// FindByCheckoutRefTx returns the booking created for a checkout session.
func (r *BookingRepo) FindByCheckoutRefTx(ctx context.Context, tx *sql.Tx, ref string) (*model.Booking, error) {
	const q = `SELECT ` + bookingColumns + ` FROM bookings WHERE external_checkout_ref = ?`
	b, err := scanBooking(tx.QueryRowContext(ctx, q, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	return b, err
}

// SetCheckoutRef records the provider checkout session on a pending booking.
func (r *BookingRepo) SetCheckoutRef(ctx context.Context, id uint64, ref string) error {
	const q = `UPDATE bookings SET external_checkout_ref = ?, updated_at = ?
	           WHERE id = ? AND status = 'pending_payment'`
	res, err := r.db.ExecContext(ctx, q, ref, time.Now().UTC().Truncate(time.Second), id)
	if err != nil {
		if database.IsDuplicateKey(err) {
			return fmt.Errorf("checkout ref %s already bound: %w", ref, ErrConflict)
		}
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return r.transitionMiss(ctx, id, "pending_payment")
	}
	return nil
}

// transitionMiss explains why a guarded update on the plain handle matched
// nothing.
func (r *BookingRepo) transitionMiss(ctx context.Context, id uint64, target string) error {
	b, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, target)
}

// MarkConfirmedTx moves a pending booking to confirmed/paid and stores the
// provider payment reference. A booking already confirmed with the same
// reference is left untouched and returned with changed=false.
func (r *BookingRepo) MarkConfirmedTx(ctx context.Context, tx *sql.Tx, id uint64, paymentRef string, now time.Time) (b *model.Booking, changed bool, err error) {
	const q = `UPDATE bookings
	           SET payment_status = 'paid', status = 'confirmed', external_payment_ref = ?, updated_at = ?
	           WHERE id = ? AND status = 'pending_payment'`
	res, err := tx.ExecContext(ctx, q, paymentRef, now.UTC().Truncate(time.Second), id)
	if err != nil {
		return nil, false, fmt.Errorf("confirm booking %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	b, err = r.GetByIDTx(ctx, tx, id)
	if err != nil {
		return nil, false, err
	}
	if n == 1 {
		return b, true, nil
	}
	if b.Status == model.BookingConfirmed && b.ExternalPaymentRef != nil && *b.ExternalPaymentRef == paymentRef {
		return b, false, nil
	}
	return b, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, model.BookingConfirmed)
}

// MarkFailedTx cancels a pending booking whose payment failed or whose
// checkout expired, and releases its place.
func (r *BookingRepo) MarkFailedTx(ctx context.Context, tx *sql.Tx, id uint64, reason string, now time.Time) (*model.Booking, error) {
	const q = `UPDATE bookings
	           SET payment_status = 'failed', status = 'cancelled', cancel_reason = ?, updated_at = ?
	           WHERE id = ? AND status = 'pending_payment'`
	res, err := tx.ExecContext(ctx, q, reason, now.UTC().Truncate(time.Second), id)
	if err != nil {
		return nil, fmt.Errorf("fail booking %d: %w", id, err)
	}
	return r.afterCancelTx(ctx, tx, id, res, now)
}

// MarkCancelledTx cancels a pending or confirmed booking and releases its
// place. A confirmed booking additionally needs settle to be SettleRefunded
// or SettleWaived, otherwise ErrRefundRequired is returned.
func (r *BookingRepo) MarkCancelledTx(ctx context.Context, tx *sql.Tx, id uint64, reason string, settle CancelSettlement, now time.Time) (*model.Booking, error) {
	refunded := boolInt(settle == SettleRefunded)
	settled := boolInt(settle != SettleNone)
	waived := boolInt(settle == SettleWaived)
	// payment_status and refund_waived read status, so they are assigned
	// before it.
	const q = `UPDATE bookings
	           SET payment_status = CASE WHEN ? = 1 THEN 'refunded'
	                                     WHEN status = 'pending_payment' THEN 'failed'
	                                     ELSE payment_status END,
	               refund_waived = CASE WHEN status = 'confirmed' AND ? = 1 THEN 1 ELSE 0 END,
	               status = 'cancelled',
	               cancel_reason = ?,
	               updated_at = ?
	           WHERE id = ? AND (status = 'pending_payment' OR (status = 'confirmed' AND ? = 1))`
	res, err := tx.ExecContext(ctx, q, refunded, waived, reason, now.UTC().Truncate(time.Second), id, settled)
	if err != nil {
		return nil, fmt.Errorf("cancel booking %d: %w", id, err)
	}
	b, err := r.afterCancelTx(ctx, tx, id, res, now)
	if errors.Is(err, ErrInvalidTransition) && b != nil && b.Status == model.BookingConfirmed {
		return b, ErrRefundRequired
	}
	return b, err
}

// afterCancelTx releases the slot when the cancelling update matched, or
// reports the current status as an invalid transition when it did not.
func (r *BookingRepo) afterCancelTx(ctx context.Context, tx *sql.Tx, id uint64, res sql.Result, now time.Time) (*model.Booking, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 1 {
		b, err := r.GetByIDTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if err := r.slots.ReleaseTx(ctx, tx, b.SlotID, now); err != nil {
			return nil, err
		}
		return b, nil
	}
	b, err := r.GetByIDTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return b, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, model.BookingCancelled)
}

// MarkCompletedTx records that a confirmed session took place. The place
// stays consumed.
func (r *BookingRepo) MarkCompletedTx(ctx context.Context, tx *sql.Tx, id uint64, now time.Time) (*model.Booking, error) {
	const q = `UPDATE bookings SET status = 'completed', updated_at = ?
	           WHERE id = ? AND status = 'confirmed'`
	return r.guardedTx(ctx, tx, q, id, now, model.BookingCompleted)
}

// MarkRefundedTx marks a paid booking that no longer changes status
// (completed, or cancelled with the refund waived) as refunded. Capacity is
// untouched.
func (r *BookingRepo) MarkRefundedTx(ctx context.Context, tx *sql.Tx, id uint64, now time.Time) (*model.Booking, error) {
	const q = `UPDATE bookings SET payment_status = 'refunded', updated_at = ?
	           WHERE id = ? AND status IN ('completed', 'cancelled') AND payment_status = 'paid'`
	return r.guardedTx(ctx, tx, q, id, now, "refunded")
}

func (r *BookingRepo) guardedTx(ctx context.Context, tx *sql.Tx, q string, id uint64, now time.Time, target any) (*model.Booking, error) {
	res, err := tx.ExecContext(ctx, q, now.UTC().Truncate(time.Second), id)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	b, err := r.GetByIDTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return b, fmt.Errorf("%w: %s/%s -> %v", ErrInvalidTransition, b.Status, b.PaymentStatus, target)
	}
	return b, nil
}

// ListExpiredPending returns pending bookings created at or before cutoff,
// oldest first.
func (r *BookingRepo) ListExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]model.Booking, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT ` + bookingColumns + ` FROM bookings
	           WHERE status = 'pending_payment' AND created_at <= ?
	           ORDER BY created_at ASC, id ASC LIMIT ?`
	return r.list(ctx, q, cutoff.UTC(), limit)
}

// ListByCustomer returns the customer's bookings, newest first.
func (r *BookingRepo) ListByCustomer(ctx context.Context, customerID uint64, limit int) ([]model.Booking, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `SELECT ` + bookingColumns + ` FROM bookings WHERE customer_id = ? ORDER BY id DESC LIMIT ?`
	return r.list(ctx, q, customerID, limit)
}

// ListBySlot returns every booking made against a slot, oldest first.
func (r *BookingRepo) ListBySlot(ctx context.Context, slotID uint64) ([]model.Booking, error) {
	const q = `SELECT ` + bookingColumns + ` FROM bookings WHERE slot_id = ? ORDER BY id ASC`
	return r.list(ctx, q, slotID)
}

func (r *BookingRepo) list(ctx context.Context, q string, args ...any) ([]model.Booking, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}
