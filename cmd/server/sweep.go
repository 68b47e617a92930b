package main

import (
	"github.com/spf13/cobra"

	"github.com/iliyamo/slot-booking/internal/queue"
	"github.com/iliyamo/slot-booking/internal/repository"
	"github.com/iliyamo/slot-booking/internal/service"
)

var sweepBatch int

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire abandoned checkouts once and exit",
	Long: `Run a single expiry sweep. Pending bookings older than
CHECKOUT_EXPIRY are cancelled and their places released.

Useful from cron when the API runs with SWEEP_INTERVAL disabled, or to
drain a backlog by hand.`,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().IntVar(&sweepBatch, "batch", 0, "bookings per sweep (default SWEEP_BATCH)")
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	pub := queue.NewPublisher(cfg.RabbitMQURL, cfg.NotifyExchange)
	defer pub.Close()

	batch := cfg.SweepBatch
	if sweepBatch > 0 {
		batch = sweepBatch
	}
	slots := repository.NewSlotRepo(db)
	sw := service.NewSweeper(db, repository.NewBookingRepo(db, slots), sweeperExpiry(cfg), batch, pub, log)
	n, err := sw.SweepOnce(ctx)
	if err != nil {
		return err
	}
	log.WithField("expired", n).Info("sweep done")
	return nil
}
