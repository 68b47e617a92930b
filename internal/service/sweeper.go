package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/slot-booking/internal/database"
	"github.com/iliyamo/slot-booking/internal/model"
	"github.com/iliyamo/slot-booking/internal/queue"
	"github.com/iliyamo/slot-booking/internal/repository"
)

// Sweeper fails pending bookings whose checkout was abandoned and gives
// their places back. It is the backstop for checkouts whose expiry event
// never arrives.
type Sweeper struct {
	db       *sql.DB
	bookings BookingStore
	expiry   time.Duration
	batch    int
	notifier Notifier
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewSweeper expires pending bookings older than expiry, batch at a time.
func NewSweeper(db *sql.DB, bookings BookingStore, expiry time.Duration, batch int, notifier Notifier, log logrus.FieldLogger) *Sweeper {
	if db == nil || bookings == nil || log == nil {
		panic("nil dependency passed to NewSweeper")
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{db: db, bookings: bookings, expiry: expiry, batch: batch, notifier: notifier, log: log, now: time.Now}
}

// SweepOnce expires every overdue pending booking and returns how many it
// changed. A booking settled concurrently by a webhook is skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.expiry)
	expired := 0
	for {
		due, err := s.bookings.ListExpiredPending(ctx, cutoff, s.batch)
		if err != nil {
			return expired, err
		}
		changed := 0
		for i := range due {
			b, err := s.expire(ctx, due[i].ID)
			if errors.Is(err, repository.ErrInvalidTransition) {
				continue
			}
			if err != nil {
				return expired, err
			}
			changed++
			log := s.log.WithFields(bookingFields(b))
			log.Info("pending booking expired")
			publish(ctx, s.notifier, log, queue.RoutingBookingExpired, queue.NewBookingEvent(queue.RoutingBookingExpired, b, s.now()))
		}
		expired += changed
		if len(due) < s.batch || changed == 0 {
			return expired, nil
		}
	}
}

func (s *Sweeper) expire(ctx context.Context, id uint64) (*model.Booking, error) {
	var out *model.Booking
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		out, err = s.bookings.MarkFailedTx(ctx, tx, id, ReasonCheckoutExpired, s.now())
		return err
	})
	return out, err
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if n, err := s.SweepOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.WithError(err).Error("expiry sweep failed")
		} else if n > 0 {
			s.log.WithField("expired", n).Info("expiry sweep finished")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
