// Package testutil provides a throwaway SQLite database with the service
// schema for repository and service tests.
package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/iliyamo/slot-booking/internal/database"
	"github.com/iliyamo/slot-booking/internal/model"
)

// sqliteSchema mirrors database.Schema with SQLite column types. The
// repositories issue the same SQL against both.
var sqliteSchema = []string{
	`CREATE TABLE slots (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id    INTEGER NOT NULL,
		service_id  INTEGER NULL,
		starts_at   DATETIME NOT NULL,
		ends_at     DATETIME NOT NULL,
		capacity    INTEGER NOT NULL CHECK (capacity > 0),
		reserved    INTEGER NOT NULL DEFAULT 0,
		active      INTEGER NOT NULL DEFAULT 1,
		disabled    INTEGER NOT NULL DEFAULT 0,
		price_cents         INTEGER NOT NULL CHECK (price_cents > 0),
		payee_account_ref   TEXT NULL,
		payee_share_percent INTEGER NOT NULL DEFAULT 0 CHECK (payee_share_percent BETWEEN 0 AND 100),
		created_at  DATETIME NOT NULL,
		updated_at  DATETIME NOT NULL,
		UNIQUE (owner_id, starts_at),
		CHECK (reserved >= 0 AND reserved <= capacity)
	)`,
	`CREATE TABLE bookings (
		id                    INTEGER PRIMARY KEY AUTOINCREMENT,
		slot_id               INTEGER NOT NULL REFERENCES slots(id),
		customer_id           INTEGER NOT NULL,
		service_id            INTEGER NULL,
		starts_at             DATETIME NOT NULL,
		ends_at               DATETIME NOT NULL,
		duration_minutes      INTEGER NOT NULL,
		status                TEXT NOT NULL,
		payment_status        TEXT NOT NULL,
		amount_cents          INTEGER NOT NULL,
		external_checkout_ref TEXT NULL UNIQUE,
		external_payment_ref  TEXT NULL,
		payment_env           TEXT NOT NULL,
		payee_account_ref     TEXT NULL,
		platform_fee_cents    INTEGER NULL,
		cancel_reason         TEXT NULL,
		refund_waived         INTEGER NOT NULL DEFAULT 0,
		created_at            DATETIME NOT NULL,
		updated_at            DATETIME NOT NULL
	)`,
	`CREATE INDEX idx_bookings_status_created ON bookings (status, created_at)`,
	`CREATE TABLE webhook_events (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id     TEXT NOT NULL UNIQUE,
		event_type   TEXT NOT NULL,
		environment  TEXT NOT NULL,
		booking_id   INTEGER NULL,
		outcome      TEXT NOT NULL,
		processed_at DATETIME NOT NULL
	)`,
}

// OpenDB creates a migrated SQLite database under t.TempDir(). The pool is
// limited to one connection, so code under test must not use the plain
// handle while it holds a transaction.
func OpenDB(t testing.TB) *sql.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "booking.db") + "?_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	if err := database.Migrate(context.Background(), db, sqliteSchema); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return db
}

// DefaultPriceCents is the price InsertSlot gives a slot staged without one.
const DefaultPriceCents int64 = 10000

// InsertSlot writes a slot row directly, bypassing repository validation,
// so tests can stage any state (full, disabled, already started).
func InsertSlot(t testing.TB, db *sql.DB, s *model.Slot) *model.Slot {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	if s.EndsAt.IsZero() {
		s.EndsAt = s.StartsAt.Add(time.Hour)
	}
	if s.PriceCents == 0 {
		s.PriceCents = DefaultPriceCents
	}
	res, err := db.Exec(`INSERT INTO slots (owner_id, service_id, starts_at, ends_at, capacity, reserved, active, disabled,
	                                        price_cents, payee_account_ref, payee_share_percent, created_at, updated_at)
	                     VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.OwnerID, s.ServiceID, s.StartsAt.UTC(), s.EndsAt.UTC(), s.Capacity, s.Reserved, s.Active, s.Disabled,
		s.PriceCents, s.PayeeAccountRef, s.PayeeSharePercent, now, now)
	if err != nil {
		t.Fatalf("insert slot: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("slot id: %v", err)
	}
	s.ID = uint64(id)
	return s
}

// OpenSlot inserts an active future slot with the given capacity.
func OpenSlot(t testing.TB, db *sql.DB, ownerID uint64, capacity uint32) *model.Slot {
	t.Helper()
	start := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Minute)
	return InsertSlot(t, db, &model.Slot{
		OwnerID:  ownerID,
		StartsAt: start,
		EndsAt:   start.Add(time.Hour),
		Capacity: capacity,
		Active:   true,
	})
}
