package port

import (
	"context"
	"time"
)

const (
	EventCheckoutCompleted     = "checkout.completed"
	EventSubscriptionActivated = "subscription.activated"
)

type Event struct {
	ID         string    `json:"event_id"`
	Type       string    `json:"type"`
	Key        string    `json:"-"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}
