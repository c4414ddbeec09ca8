package port

import (
	"context"

	"github.com/rl1809/marketplace-checkout/internal/core/domain"
)

// CheckoutStore is the short-lived handoff between prepare and payment confirmation.
type CheckoutStore interface {
	// Save stores the quotation under a new random id
	Save(ctx context.Context, q domain.Quotation) (string, error)

	// Get returns nil for unknown, empty or expired ids
	Get(ctx context.Context, id string) (*domain.Quotation, error)

	// Remove deletes and returns the entry; only one caller ever observes it
	Remove(ctx context.Context, id string) (*domain.Quotation, error)
}

type Locker interface {
	// Lock blocks until the key is held or ctx is done
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type EventDeduper interface {
	// Seen reports whether the key was already marked
	Seen(ctx context.Context, key string) (bool, error)

	// SetIdempotency marks the key, returns false if it already existed
	SetIdempotency(ctx context.Context, key string) (bool, error)
}
