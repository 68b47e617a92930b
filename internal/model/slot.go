package model

import "time"

// Slot is a bookable time window owned by a coach or venue. A slot holds a
// fixed number of places; Reserved counts places currently held by pending
// or confirmed bookings.
//
// Fields:
//  ID        – primary key identifier.
//  OwnerID   – account that offers the slot.
//  ServiceID – optional service the slot is tied to.
//  StartsAt  – start of the window (UTC).
//  EndsAt    – end of the window (UTC, after StartsAt).
//  Capacity  – number of places, always positive.
//  Reserved  – places in use, 0 <= Reserved <= Capacity.
//  Active    – open for reservation. Cleared when full, restored on release.
//  Disabled  – administratively closed. A disabled slot never reopens on
//              release.
//  PriceCents        – what a booking of this slot costs, in minor units.
//  PayeeAccountRef   – connected account paid out for bookings, if any.
//  PayeeSharePercent – share of PriceCents routed to the payee (0..100).
type Slot struct {
	ID        uint64    `json:"id"`                   // slots.id
	OwnerID   uint64    `json:"owner_id"`             // slots.owner_id
	ServiceID *uint64   `json:"service_id,omitempty"` // slots.service_id
	StartsAt  time.Time `json:"starts_at"`            // slots.starts_at
	EndsAt    time.Time `json:"ends_at"`              // slots.ends_at
	Capacity  uint32    `json:"capacity"`             // slots.capacity
	Reserved  uint32    `json:"reserved"`             // slots.reserved
	Active    bool      `json:"active"`               // slots.active
	Disabled  bool      `json:"disabled"`             // slots.disabled

	PriceCents        int64   `json:"price_cents"`                 // slots.price_cents
	PayeeAccountRef   *string `json:"payee_account_ref,omitempty"` // slots.payee_account_ref
	PayeeSharePercent int     `json:"payee_share_percent"`         // slots.payee_share_percent

	CreatedAt time.Time `json:"created_at"`           // slots.created_at
	UpdatedAt time.Time `json:"updated_at"`           // slots.updated_at
}

// Remaining reports how many places are still free.
func (s Slot) Remaining() uint32 {
	if s.Reserved >= s.Capacity {
		return 0
	}
	return s.Capacity - s.Reserved
}

// DurationMinutes is the length of the slot in whole minutes.
func (s Slot) DurationMinutes() int {
	return int(s.EndsAt.Sub(s.StartsAt) / time.Minute)
}

// Date returns the calendar date of the slot start in UTC.
func (s Slot) Date() string {
	return s.StartsAt.UTC().Format("2006-01-02")
}
