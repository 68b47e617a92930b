package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema is the MySQL DDL for the service, one statement per entry. Every
// statement is idempotent so Migrate can run on each deploy.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS slots (
		id          BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
		owner_id    BIGINT UNSIGNED NOT NULL,
		service_id  BIGINT UNSIGNED NULL,
		starts_at   DATETIME NOT NULL,
		ends_at     DATETIME NOT NULL,
		capacity    INT UNSIGNED NOT NULL,
		reserved    INT UNSIGNED NOT NULL DEFAULT 0,
		active      TINYINT(1) NOT NULL DEFAULT 1,
		disabled    TINYINT(1) NOT NULL DEFAULT 0,
		price_cents         BIGINT NOT NULL,
		payee_account_ref   VARCHAR(255) NULL,
		payee_share_percent TINYINT UNSIGNED NOT NULL DEFAULT 0,
		created_at  DATETIME NOT NULL,
		updated_at  DATETIME NOT NULL,
		UNIQUE KEY uq_slots_owner_start (owner_id, starts_at),
		CONSTRAINT chk_slots_capacity CHECK (capacity > 0),
		CONSTRAINT chk_slots_price CHECK (price_cents > 0),
		CONSTRAINT chk_slots_share CHECK (payee_share_percent <= 100),
		CONSTRAINT chk_slots_reserved CHECK (reserved <= capacity),
		CONSTRAINT chk_slots_window CHECK (ends_at > starts_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS bookings (
		id                    BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
		slot_id               BIGINT UNSIGNED NOT NULL,
		customer_id           BIGINT UNSIGNED NOT NULL,
		service_id            BIGINT UNSIGNED NULL,
		starts_at             DATETIME NOT NULL,
		ends_at               DATETIME NOT NULL,
		duration_minutes      INT NOT NULL,
		status                VARCHAR(32) NOT NULL,
		payment_status        VARCHAR(32) NOT NULL,
		amount_cents          BIGINT NOT NULL,
		external_checkout_ref VARCHAR(255) NULL,
		external_payment_ref  VARCHAR(255) NULL,
		payment_env           VARCHAR(16) NOT NULL,
		payee_account_ref     VARCHAR(255) NULL,
		platform_fee_cents    BIGINT NULL,
		cancel_reason         VARCHAR(255) NULL,
		refund_waived         TINYINT(1) NOT NULL DEFAULT 0,
		created_at            DATETIME NOT NULL,
		updated_at            DATETIME NOT NULL,
		UNIQUE KEY uq_bookings_checkout_ref (external_checkout_ref),
		KEY idx_bookings_payment_ref (external_payment_ref),
		KEY idx_bookings_slot (slot_id),
		KEY idx_bookings_customer (customer_id),
		KEY idx_bookings_status_created (status, created_at),
		CONSTRAINT fk_bookings_slot FOREIGN KEY (slot_id) REFERENCES slots(id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS webhook_events (
		id           BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
		event_id     VARCHAR(255) NOT NULL,
		event_type   VARCHAR(128) NOT NULL,
		environment  VARCHAR(16) NOT NULL,
		booking_id   BIGINT UNSIGNED NULL,
		outcome      VARCHAR(32) NOT NULL,
		processed_at DATETIME NOT NULL,
		UNIQUE KEY uq_webhook_events_event_id (event_id),
		KEY idx_webhook_events_booking (booking_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate applies stmts in order. Callers pass Schema in production.
func Migrate(ctx context.Context, db *sql.DB, stmts []string) error {
	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i+1, err)
		}
	}
	return nil
}
