// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as
// handlers and services to distinguish between failure scenarios
// without inspecting driver errors.
package repository

import "errors"

// ErrForbidden is returned when the caller attempts an operation
// on a resource they do not own. Handlers should translate this
// into an HTTP 403 response.
var ErrForbidden = errors.New("forbidden")

// ErrConflict is returned when a delete or update cannot be
// performed because of conflicting state, such as deleting a slot
// that still has bookings. Handlers should translate this into an
// HTTP 409 response.
var ErrConflict = errors.New("conflict")

var (
	// ErrSlotNotFound means no slot exists with the given id.
	ErrSlotNotFound = errors.New("slot not found")
	// ErrSlotFull means every place in the slot is reserved.
	ErrSlotFull = errors.New("slot full")
	// ErrSlotInactive means the slot is disabled, closed or already started.
	ErrSlotInactive = errors.New("slot inactive")
	// ErrDuplicateSlot means the owner already has a slot at that start time.
	ErrDuplicateSlot = errors.New("duplicate slot")
	// ErrInvalidSlot means capacity, the time window or the price terms
	// are malformed.
	ErrInvalidSlot = errors.New("invalid slot")
)

var (
	// ErrBookingNotFound means no booking exists with the given id or
	// external reference.
	ErrBookingNotFound = errors.New("booking not found")
	// ErrInvalidTransition means the booking's current status does not
	// allow the requested move. Nothing was changed.
	ErrInvalidTransition = errors.New("invalid booking transition")
	// ErrRefundRequired means a confirmed booking can only be cancelled
	// after its payment was refunded or the refund was waived.
	ErrRefundRequired = errors.New("refund required before cancelling a paid booking")
)

// ErrEventAlreadyProcessed is returned when the ledger already holds the
// event id.
var ErrEventAlreadyProcessed = errors.New("event already processed")
