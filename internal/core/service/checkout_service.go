package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rl1809/marketplace-checkout/internal/core/domain"
	"github.com/rl1809/marketplace-checkout/internal/port"
)

const (
	stagePrepare  = "prepare"
	stageFinalize = "finalize"
)

// FinalizeResult describes a committed checkout. LiveTotal is computed from
// the cart lines actually finalized and may differ from the quoted total when
// the cart changed after prepare. Satisfied lists lines for items the user
// already held, such as a repeated line for the same product.
type FinalizeResult struct {
	CheckoutID  string               `json:"checkout_id"`
	UserID      int64                `json:"user_id"`
	Committed   []domain.LineSummary `json:"committed"`
	Satisfied   []domain.LineSummary `json:"satisfied,omitempty"`
	QuotedTotal decimal.Decimal      `json:"quoted_total"`
	LiveTotal   decimal.Decimal      `json:"live_total"`
	Drift       bool                 `json:"drift"`
}

type CheckoutService struct {
	carts     port.CartRepository
	catalog   port.CatalogRepository
	ledger    port.LedgerRepository
	store     port.CheckoutStore
	publisher port.EventPublisher
	log       *slog.Logger
	now       func() time.Time
}

func NewCheckoutService(
	carts port.CartRepository,
	catalog port.CatalogRepository,
	ledger port.LedgerRepository,
	store port.CheckoutStore,
	publisher port.EventPublisher,
	log *slog.Logger,
) *CheckoutService {
	return &CheckoutService{
		carts:     carts,
		catalog:   catalog,
		ledger:    ledger,
		store:     store,
		publisher: publisher,
		log:       log.With("component", "checkout"),
		now:       time.Now,
	}
}

// Prepare quotes the user's cart and stores the quotation under a new
// checkout id for the payment round-trip.
func (s *CheckoutService) Prepare(ctx context.Context, userID int64) (*domain.Checkout, error) {
	q, err := s.Quote(ctx, userID)
	if err != nil {
		return nil, err
	}

	id, err := s.store.Save(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("save checkout: %w", err)
	}
	s.log.Info("checkout prepared", "user_id", userID, "checkout_id", id,
		"total", q.Total.StringFixed(2), "lines", len(q.Lines))

	return &domain.Checkout{ID: id, Quotation: q}, nil
}

// Quote validates every cart line against the catalog and totals the cart.
// The first unavailable line clears the whole cart.
func (s *CheckoutService) Quote(ctx context.Context, userID int64) (domain.Quotation, error) {
	if userID <= 0 {
		return domain.Quotation{}, invalidArgument("missing user id")
	}

	lines, err := s.carts.ListLines(ctx, userID)
	if err != nil {
		return domain.Quotation{}, fmt.Errorf("list cart lines: %w", err)
	}
	if len(lines) == 0 {
		return domain.Quotation{}, ErrEmptyCart
	}

	q := domain.Quotation{
		UserID:    userID,
		Total:     decimal.Zero,
		Lines:     make([]domain.LineSummary, 0, len(lines)),
		CreatedAt: s.now(),
	}

	for _, line := range lines {
		price, err := s.checkAvailable(ctx, line)
		if errors.Is(err, ErrUnavailable) {
			s.dropCart(ctx, userID, stagePrepare)
			return domain.Quotation{}, &CheckoutError{
				Stage:  stagePrepare,
				Failed: []LineFailure{{Line: line.Summary(), Reason: err.Error()}},
				Err:    err,
			}
		}
		if err != nil {
			return domain.Quotation{}, err
		}
		if !line.PriceSet {
			line.UnitPrice, line.PriceSet = price, true
		}

		q.Total = q.Total.Add(line.Subtotal())
		q.Lines = append(q.Lines, line.Summary())
	}

	return q, nil
}

// Get returns nil when the checkout is unknown or expired.
func (s *CheckoutService) Get(ctx context.Context, checkoutID string) (*domain.Quotation, error) {
	q, err := s.store.Get(ctx, checkoutID)
	if err != nil {
		return nil, fmt.Errorf("get checkout: %w", err)
	}
	return q, nil
}

// Finalize commits the user's live cart line by line. Every line is its own
// atomic unit; on the first failure the cart is cleared and the lines
// committed so far stay committed. Repeated lines for one item and items
// the user already holds count as satisfied.
func (s *CheckoutService) Finalize(ctx context.Context, checkoutID string, q domain.Quotation) (*FinalizeResult, error) {
	if q.UserID <= 0 {
		return nil, invalidArgument("quotation has no user id")
	}
	userID := q.UserID

	lines, err := s.carts.ListLines(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list cart lines: %w", err)
	}
	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}

	result := &FinalizeResult{
		CheckoutID:  checkoutID,
		UserID:      userID,
		Committed:   make([]domain.LineSummary, 0, len(lines)),
		QuotedTotal: q.Total,
		LiveTotal:   decimal.Zero,
	}

	done := make(map[lineItem]bool, len(lines))
	for _, line := range lines {
		s.resolvePrice(ctx, &line)

		key := lineItem{kind: line.Kind, itemID: line.ItemID}
		if done[key] {
			result.Satisfied = append(result.Satisfied, line.Summary())
			result.LiveTotal = result.LiveTotal.Add(line.Subtotal())
			continue
		}

		held, err := s.commitLine(ctx, userID, line)
		if err != nil {
			s.dropCart(ctx, userID, stageFinalize)
			s.log.Warn("checkout finalize stopped", "user_id", userID, "checkout_id", checkoutID,
				"kind", line.Kind, "item_id", line.ItemID, "committed", len(result.Committed), "error", err)
			return nil, &CheckoutError{
				Stage:     stageFinalize,
				Committed: result.Committed,
				Failed:    []LineFailure{{Line: line.Summary(), Reason: err.Error()}},
				Err:       err,
			}
		}
		done[key] = true
		if held {
			s.log.Info("item already held by user", "user_id", userID, "kind", line.Kind, "item_id", line.ItemID)
			result.Satisfied = append(result.Satisfied, line.Summary())
		} else {
			result.Committed = append(result.Committed, line.Summary())
		}
		result.LiveTotal = result.LiveTotal.Add(line.Subtotal())
	}

	if _, err := s.carts.ClearCart(ctx, userID); err != nil {
		return nil, fmt.Errorf("clear cart after finalize: %w", err)
	}

	result.Drift = !result.LiveTotal.Equal(q.Total)
	if result.Drift {
		s.log.Warn("committed cart differs from quotation", "user_id", userID, "checkout_id", checkoutID,
			"quoted", q.Total.StringFixed(2), "live", result.LiveTotal.StringFixed(2))
	}
	s.log.Info("checkout finalized", "user_id", userID, "checkout_id", checkoutID,
		"lines", len(result.Committed), "satisfied", len(result.Satisfied))

	s.publish(ctx, port.Event{
		ID:         uuid.NewString(),
		Type:       port.EventCheckoutCompleted,
		Key:        fmt.Sprint(userID),
		OccurredAt: s.now(),
		Payload:    result,
	})

	return result, nil
}

// liveTotal prices the user's current cart the way Finalize would.
func (s *CheckoutService) liveTotal(ctx context.Context, userID int64) (decimal.Decimal, error) {
	lines, err := s.carts.ListLines(ctx, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list cart lines: %w", err)
	}
	total := decimal.Zero
	for _, line := range lines {
		s.resolvePrice(ctx, &line)
		total = total.Add(line.Subtotal())
	}
	return total, nil
}

type lineItem struct {
	kind   domain.LineKind
	itemID int64
}

// commitLine reports held when the user already owns the product or holds
// an active reservation for the workshop.
func (s *CheckoutService) commitLine(ctx context.Context, userID int64, line domain.CartLine) (held bool, err error) {
	switch line.Kind {
	case domain.LineKindProduct:
		_, err = s.ledger.CommitPurchase(ctx, userID, line.ItemID)
		switch {
		case err == nil:
			return false, nil
		case errors.Is(err, port.ErrDuplicate):
			return true, nil
		case errors.Is(err, port.ErrConflict):
			return false, ErrAlreadySold
		case errors.Is(err, port.ErrNotFound):
			return false, ErrItemNotAvailable
		}
		return false, fmt.Errorf("commit purchase of product %d: %w", line.ItemID, err)

	case domain.LineKindWorkshop:
		_, err = s.ledger.CommitReservation(ctx, userID, line.ItemID)
		switch {
		case err == nil:
			return false, nil
		case errors.Is(err, port.ErrDuplicate):
			return true, nil
		case errors.Is(err, port.ErrConflict):
			return false, ErrNoCapacity
		case errors.Is(err, port.ErrNotFound):
			return false, ErrItemNotAvailable
		}
		return false, fmt.Errorf("commit reservation of workshop %d: %w", line.ItemID, err)
	}

	return false, invalidArgument("unknown line kind %q", line.Kind)
}

// resolvePrice fills a missing unit price from the catalog, the same way
// the cart listing does.
func (s *CheckoutService) resolvePrice(ctx context.Context, line *domain.CartLine) {
	if line.PriceSet {
		return
	}
	price, err := s.checkAvailable(ctx, *line)
	if err != nil && !errors.Is(err, ErrUnavailable) {
		s.log.Warn("resolve line price", "line_id", line.ID, "error", err)
	}
	line.UnitPrice, line.PriceSet = price, true
}

// checkAvailable returns an ErrUnavailable error when the line can no longer
// be bought, along with the catalog price when the item exists.
func (s *CheckoutService) checkAvailable(ctx context.Context, line domain.CartLine) (decimal.Decimal, error) {
	switch line.Kind {
	case domain.LineKindProduct:
		p, err := s.catalog.GetProduct(ctx, line.ItemID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("get product %d: %w", line.ItemID, err)
		}
		if p == nil {
			return decimal.Zero, ErrItemNotAvailable
		}
		if p.Sold {
			return p.Price, ErrAlreadySold
		}
		return p.Price, nil

	case domain.LineKindWorkshop:
		w, err := s.catalog.GetWorkshop(ctx, line.ItemID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("get workshop %d: %w", line.ItemID, err)
		}
		if w == nil {
			return decimal.Zero, ErrItemNotAvailable
		}
		if !w.HasCapacity() {
			return w.Price, ErrNoCapacity
		}
		return w.Price, nil
	}

	return decimal.Zero, ErrItemNotAvailable
}

func (s *CheckoutService) dropCart(ctx context.Context, userID int64, stage string) {
	n, err := s.carts.ClearCart(ctx, userID)
	if err != nil {
		s.log.Error("clear stale cart", "user_id", userID, "step", stage, "error", err)
		return
	}
	s.log.Info("stale cart cleared", "user_id", userID, "step", stage, "removed", n)
}

func (s *CheckoutService) publish(ctx context.Context, event port.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Error("publish event", "type", event.Type, "event_id", event.ID, "error", err)
	}
}
