package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/marketplace-checkout/internal/core/domain"
	"github.com/rl1809/marketplace-checkout/internal/port"
)

type AddLineRequest struct {
	Kind     domain.LineKind
	ItemID   int64
	Quantity int
	Title    string
	Meta     string
}

type CartService struct {
	carts   port.CartRepository
	catalog port.CatalogRepository
	log     *slog.Logger
	now     func() time.Time
}

func NewCartService(carts port.CartRepository, catalog port.CatalogRepository, log *slog.Logger) *CartService {
	return &CartService{
		carts:   carts,
		catalog: catalog,
		log:     log.With("component", "cart"),
		now:     time.Now,
	}
}

// AddLine appends a line to the user's cart. Price always comes from the
// catalog; title and meta are filled from it when the client sent none.
func (s *CartService) AddLine(ctx context.Context, userID int64, req AddLineRequest) ([]domain.CartLine, error) {
	if userID <= 0 {
		return nil, invalidArgument("missing user id")
	}
	if !req.Kind.Valid() {
		return nil, invalidArgument("unknown line kind %q", req.Kind)
	}
	if req.ItemID <= 0 {
		return nil, invalidArgument("missing item id")
	}

	line := domain.CartLine{
		UserID:    userID,
		Kind:      req.Kind,
		ItemID:    req.ItemID,
		Quantity:  max(1, req.Quantity),
		Title:     strings.TrimSpace(req.Title),
		Meta:      req.Meta,
		CreatedAt: s.now(),
	}

	found, err := s.fillFromCatalog(ctx, &line)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, invalidArgument("%s %d does not exist", req.Kind, req.ItemID)
	}

	id, err := s.carts.AddLine(ctx, line)
	if err != nil {
		return nil, fmt.Errorf("add cart line: %w", err)
	}
	s.log.Info("cart line added", "user_id", userID, "line_id", id, "kind", line.Kind, "item_id", line.ItemID)

	return s.Lines(ctx, userID)
}

// UpdateQuantity sets the quantity of the referenced lines, clamped to at least one.
func (s *CartService) UpdateQuantity(ctx context.Context, userID int64, ref domain.LineRef, quantity int) ([]domain.CartLine, error) {
	if userID <= 0 {
		return nil, invalidArgument("missing user id")
	}
	if err := s.checkOwnership(ctx, userID, ref); err != nil {
		return nil, err
	}

	n, err := s.carts.UpdateQuantity(ctx, userID, ref, max(1, quantity))
	if err != nil {
		return nil, fmt.Errorf("update cart line: %w", err)
	}
	if n == 0 {
		return nil, invalidArgument("item %s not found", ref)
	}

	return s.Lines(ctx, userID)
}

func (s *CartService) RemoveLine(ctx context.Context, userID int64, ref domain.LineRef) ([]domain.CartLine, error) {
	if userID <= 0 {
		return nil, invalidArgument("missing user id")
	}
	if err := s.checkOwnership(ctx, userID, ref); err != nil {
		return nil, err
	}

	if _, err := s.carts.RemoveLines(ctx, userID, ref); err != nil {
		return nil, fmt.Errorf("remove cart line: %w", err)
	}

	return s.Lines(ctx, userID)
}

func (s *CartService) Clear(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return invalidArgument("missing user id")
	}

	n, err := s.carts.ClearCart(ctx, userID)
	if err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	s.log.Info("cart cleared", "user_id", userID, "removed", n)
	return nil
}

// Lines lists the user's cart. Lines stored without a price are resolved
// against the catalog and fall back to zero.
func (s *CartService) Lines(ctx context.Context, userID int64) ([]domain.CartLine, error) {
	if userID <= 0 {
		return nil, invalidArgument("missing user id")
	}

	lines, err := s.carts.ListLines(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list cart lines: %w", err)
	}

	for i := range lines {
		if lines[i].PriceSet && lines[i].Title != "" {
			continue
		}
		snapshot, priced := lines[i].UnitPrice, lines[i].PriceSet
		if _, err := s.fillFromCatalog(ctx, &lines[i]); err != nil {
			s.log.Warn("resolve cart line", "line_id", lines[i].ID, "error", err)
		}
		if priced {
			lines[i].UnitPrice = snapshot
		}
		if !lines[i].PriceSet {
			lines[i].UnitPrice = decimal.Zero
			lines[i].PriceSet = true
		}
	}

	return lines, nil
}

// checkOwnership rejects cart-entry references to lines of other users.
func (s *CartService) checkOwnership(ctx context.Context, userID int64, ref domain.LineRef) error {
	if ref.Kind != domain.RefCartEntry {
		return nil
	}

	line, err := s.carts.GetLine(ctx, ref.ID)
	if err != nil {
		return fmt.Errorf("get cart line: %w", err)
	}
	if line == nil {
		return invalidArgument("item %s not found", ref)
	}
	if line.UserID != userID {
		return invalidArgument("item %s belongs to another user", ref)
	}
	return nil
}

// fillFromCatalog copies price, title and meta from the referenced item.
// Reports false when the item does not exist.
func (s *CartService) fillFromCatalog(ctx context.Context, line *domain.CartLine) (bool, error) {
	switch line.Kind {
	case domain.LineKindProduct:
		p, err := s.catalog.GetProduct(ctx, line.ItemID)
		if err != nil {
			return false, fmt.Errorf("get product: %w", err)
		}
		if p == nil {
			return false, nil
		}
		line.UnitPrice = p.Price
		line.PriceSet = true
		if line.Title == "" {
			line.Title = p.Title
		}
		if line.Meta == "" {
			line.Meta = fmt.Sprintf(`{"productId":%d,"category":%q}`, p.ID, p.Category)
		}
		return true, nil

	case domain.LineKindWorkshop:
		w, err := s.catalog.GetWorkshop(ctx, line.ItemID)
		if err != nil {
			return false, fmt.Errorf("get workshop: %w", err)
		}
		if w == nil {
			return false, nil
		}
		line.UnitPrice = w.Price
		line.PriceSet = true
		if line.Title == "" {
			line.Title = w.Title
		}
		if line.Meta == "" {
			date := ""
			if !w.StartsAt.IsZero() {
				date = w.StartsAt.Format(time.RFC3339)
			}
			line.Meta = fmt.Sprintf(`{"dateISO":%q,"location":%q}`, date, w.Location)
		}
		return true, nil
	}

	return false, errors.New("unknown line kind")
}
