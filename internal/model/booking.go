package model

import "time"

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	BookingPendingPayment BookingStatus = "pending_payment"
	BookingConfirmed      BookingStatus = "confirmed"
	BookingCompleted      BookingStatus = "completed"
	BookingCancelled      BookingStatus = "cancelled"
)

// PaymentStatus tracks money movement for a booking independently of its
// lifecycle status.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentFailed   PaymentStatus = "failed"
)

// bookingTransitions lists the lifecycle moves a booking may make. Cancelled
// is terminal. Completed only changes its payment status (refund marker).
var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingPendingPayment: {BookingConfirmed, BookingCancelled},
	BookingConfirmed:      {BookingCompleted, BookingCancelled},
}

// CanTransitionTo reports whether a booking in status s may move to next.
func (s BookingStatus) CanTransitionTo(next BookingStatus) bool {
	for _, allowed := range bookingTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// HoldsCapacity reports whether a booking in this status occupies a place
// on its slot.
func (s BookingStatus) HoldsCapacity() bool {
	return s == BookingPendingPayment || s == BookingConfirmed || s == BookingCompleted
}

// Booking is a customer's claim on one place in a slot. It holds one unit of
// the slot's Reserved counter from creation until it is cancelled.
//
// Fields:
//  StartsAt/EndsAt/DurationMinutes – copied from the slot at creation.
//  ExternalCheckoutRef             – provider checkout session id.
//  ExternalPaymentRef              – provider payment id, set on confirmation.
//  PaymentEnv                      – credential environment the checkout was
//                                    created under ("production"|"sandbox").
//  PayeeAccountRef/PlatformFeeCents – revenue split routing, when used.
type Booking struct {
	ID                  uint64        `json:"id"`
	SlotID              uint64        `json:"slot_id"`
	CustomerID          uint64        `json:"customer_id"`
	ServiceID           *uint64       `json:"service_id,omitempty"`
	StartsAt            time.Time     `json:"starts_at"`
	EndsAt              time.Time     `json:"ends_at"`
	DurationMinutes     int           `json:"duration_minutes"`
	Status              BookingStatus `json:"status"`
	PaymentStatus       PaymentStatus `json:"payment_status"`
	AmountCents         int64         `json:"amount_cents"`
	ExternalCheckoutRef *string       `json:"external_checkout_ref,omitempty"`
	ExternalPaymentRef  *string       `json:"external_payment_ref,omitempty"`
	PaymentEnv          string        `json:"payment_env"`
	PayeeAccountRef     *string       `json:"payee_account_ref,omitempty"`
	PlatformFeeCents    *int64        `json:"platform_fee_cents,omitempty"`
	CancelReason        *string       `json:"cancel_reason,omitempty"`
	RefundWaived        bool          `json:"refund_waived"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// Date returns the calendar date of the booked session in UTC.
func (b Booking) Date() string {
	return b.StartsAt.UTC().Format("2006-01-02")
}
