package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iliyamo/slot-booking/internal/queue"
)

var notifierCmd = &cobra.Command{
	Use:   "notifier",
	Short: "Consume booking notifications and append them to the notification log",
	RunE:  runNotifier,
}

func runNotifier(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := &queue.NotificationConsumer{
		URL:      cfg.RabbitMQURL,
		Exchange: cfg.NotifyExchange,
		Queue:    cfg.NotifyQueue,
		LogPath:  cfg.NotificationLog,
		Log:      log,
	}
	log.WithField("queue", cfg.NotifyQueue).Info("notifier started")
	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("notifier stopped")
	return nil
}
