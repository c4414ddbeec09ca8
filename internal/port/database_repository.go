package port

import (
	"context"
	"errors"

	"github.com/rl1809/marketplace-checkout/internal/core/domain"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conditional update matched no rows")
	ErrDuplicate = errors.New("unique constraint violation")
)

type CartRepository interface {
	// AddLine persists a line and returns its id
	AddLine(ctx context.Context, line domain.CartLine) (int64, error)

	// GetLine returns nil when the line does not exist
	GetLine(ctx context.Context, id int64) (*domain.CartLine, error)

	// ListLines returns the user's lines oldest first
	ListLines(ctx context.Context, userID int64) ([]domain.CartLine, error)

	// UpdateQuantity sets the quantity of every user line matched by ref
	UpdateQuantity(ctx context.Context, userID int64, ref domain.LineRef, quantity int) (int64, error)

	// RemoveLines deletes every user line matched by ref
	RemoveLines(ctx context.Context, userID int64, ref domain.LineRef) (int64, error)

	// ClearCart deletes all lines of the user
	ClearCart(ctx context.Context, userID int64) (int64, error)
}

type CatalogRepository interface {
	// GetProduct returns nil when the product does not exist
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)

	// GetWorkshop returns nil when the workshop does not exist
	GetWorkshop(ctx context.Context, id int64) (*domain.Workshop, error)
}

// LedgerRepository applies inventory changes together with their dependent
// record. Each call is one atomic unit.
type LedgerRepository interface {
	// CommitPurchase flips the sold flag and records the purchase.
	// ErrDuplicate when this user already bought the product (checked
	// first), ErrConflict when someone else did, ErrNotFound for unknown
	// products.
	CommitPurchase(ctx context.Context, userID, productID int64) (*domain.Purchase, error)

	// CommitReservation takes one seat and records the reservation.
	// ErrDuplicate when the user already holds an active reservation
	// (checked first), ErrConflict when no seat is left, ErrNotFound for
	// unknown workshops.
	CommitReservation(ctx context.Context, userID, workshopID int64) (*domain.Reservation, error)

	// CancelReservation releases the user's active reservation and its seat.
	// Reports false when there was nothing to cancel.
	CancelReservation(ctx context.Context, userID, workshopID int64) (bool, error)

	// ReservedWorkshops lists workshop ids with an active reservation for the user
	ReservedWorkshops(ctx context.Context, userID int64) ([]int64, error)
}

type SubscriptionRepository interface {
	// GetPlan returns nil when the plan is not configured
	GetPlan(ctx context.Context, plan domain.BillingPlan) (*domain.SubscriptionPlan, error)

	// PaymentApplied reports whether a period was already granted for the payment
	PaymentApplied(ctx context.Context, paymentID string) (bool, error)

	// LatestPeriod returns the period with the latest end, nil when none
	LatestPeriod(ctx context.Context, userID int64) (*domain.SubscriptionPeriod, error)

	// CreatePeriod returns ErrDuplicate when the payment id was already applied
	CreatePeriod(ctx context.Context, period domain.SubscriptionPeriod) (int64, error)
}
