package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rl1809/marketplace-checkout/internal/core/domain"
	"github.com/rl1809/marketplace-checkout/internal/core/service"
)

const (
	maxHandleAttempts = 3
	retryBackoff      = 500 * time.Millisecond
)

type NotificationHandler interface {
	HandleNotification(ctx context.Context, n domain.Notification) (*service.Reconciliation, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NotificationConsumer feeds verified payment notifications from a topic
// into the reconciler. Offsets are committed after the message was handled
// or given up on, so a crash redelivers; the reconciler is idempotent.
type NotificationConsumer struct {
	reader  messageReader
	handler NotificationHandler
	log     *slog.Logger
}

func NewNotificationConsumer(brokers []string, topic, groupID string, handler NotificationHandler, log *slog.Logger) *NotificationConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &NotificationConsumer{
		reader:  reader,
		handler: handler,
		log:     log.With("component", "consumer", "topic", topic),
	}
}

func (c *NotificationConsumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.processMessage(ctx)
	}
}

func (c *NotificationConsumer) Close() {
	if err := c.reader.Close(); err != nil {
		c.log.Error("close kafka reader", "error", err)
	}
}

func (c *NotificationConsumer) processMessage(ctx context.Context) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		c.log.Error("fetch message", "error", err)
		sleep(ctx, retryBackoff)
		return
	}

	var n domain.Notification
	if err := json.Unmarshal(m.Value, &n); err != nil {
		c.log.Warn("drop malformed notification", "offset", m.Offset, "error", err)
		c.commit(ctx, m)
		return
	}

	for attempt := 1; ; attempt++ {
		res, err := c.handler.HandleNotification(ctx, n)
		if err == nil {
			c.log.Info("notification handled", "payment_id", n.PaymentID, "outcome", res.Outcome)
			break
		}
		if !service.IsRetryable(err) || attempt >= maxHandleAttempts || ctx.Err() != nil {
			c.log.Error("notification failed", "payment_id", n.PaymentID, "attempt", attempt, "error", err)
			break
		}
		c.log.Warn("notification retry", "payment_id", n.PaymentID, "attempt", attempt, "error", err)
		sleep(ctx, time.Duration(attempt)*retryBackoff)
	}

	c.commit(ctx, m)
}

func (c *NotificationConsumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(ctx, m); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Error("commit offset", "offset", m.Offset, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
