package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// NotificationConsumer listens to booking notifications and appends one
// human-readable line per message to a log file, standing in for the
// customer notification sender.
type NotificationConsumer struct {
	URL      string
	Exchange string
	Queue    string
	LogPath  string
	Log      logrus.FieldLogger
}

// Run connects, consumes and reconnects with backoff until ctx is done.
func (c *NotificationConsumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := amqp.Dial(c.URL)
		if err != nil {
			c.Log.WithError(err).Warnf("notification-consumer: dial failed, retrying in %s", backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second // reset after successful connect

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.Log.WithError(err).Warn("notification-consumer: consume loop ended, reconnecting")
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *NotificationConsumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.Log.WithError(err).Warn("notification-consumer: set QoS failed")
	}
	if err := ch.ExchangeDeclare(c.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("exchange declare: %w", err)
	}
	q, err := ch.QueueDeclare(c.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	for _, key := range NotificationRoutingKeys {
		if err := ch.QueueBind(q.Name, key, c.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	msgs, err := ch.ConsumeWithContext(ctx, q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for d := range msgs {
		if err := c.Handle(d.RoutingKey, d.Body); err != nil {
			c.Log.WithError(err).WithField("routing_key", d.RoutingKey).Error("notification-consumer: handle message failed")
			_ = d.Nack(false, false) // reject, do not requeue to avoid tight loops
			continue
		}
		_ = d.Ack(false)
	}
	return errors.New("deliveries channel closed")
}

// Handle formats one message and appends it to LogPath.
func (c *NotificationConsumer) Handle(routingKey string, body []byte) error {
	line, err := formatNotification(routingKey, body)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.LogPath), 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(c.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

var bookingHeadlines = map[string]string{
	RoutingBookingConfirmed: "Booking confirmed",
	RoutingBookingCancelled: "Booking cancelled",
	RoutingBookingRefunded:  "Booking refunded",
	RoutingBookingExpired:   "Booking expired",
}

func formatNotification(routingKey string, body []byte) (string, error) {
	if routingKey == RoutingOpsAlert {
		var a AlertEvent
		if err := json.Unmarshal(body, &a); err != nil {
			return "", fmt.Errorf("unmarshal alert: %w", err)
		}
		return fmt.Sprintf("[%s] OPS ALERT | %s | event_id=%s | event_type=%s | env=%s | booking_id=%d | payment_ref=%s\n",
			a.OccurredAt, a.Summary, a.EventID, a.EventType, a.Environment, a.BookingID, a.PaymentRef), nil
	}
	headline, ok := bookingHeadlines[routingKey]
	if !ok {
		return "", fmt.Errorf("unknown routing key %q", routingKey)
	}
	var ev BookingEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return "", fmt.Errorf("unmarshal: %w", err)
	}
	parts := []string{
		fmt.Sprintf("[%s] %s", ev.OccurredAt, headline),
		fmt.Sprintf("booking_id=%d", ev.BookingID),
		fmt.Sprintf("customer_id=%d", ev.CustomerID),
		fmt.Sprintf("slot_id=%d", ev.SlotID),
		fmt.Sprintf("date=%s", ev.Date),
		fmt.Sprintf("starts_at=%s", ev.StartsAt),
		fmt.Sprintf("total=%d cents", ev.AmountCents),
		fmt.Sprintf("payment=%s", ev.PaymentStatus),
	}
	if ev.Reason != "" {
		parts = append(parts, fmt.Sprintf("reason=%q", ev.Reason))
	}
	return strings.Join(parts, " | ") + "\n", nil
}
