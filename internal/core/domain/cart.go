package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var ErrInvalidLineRef = errors.New("invalid cart line reference")

type LineKind string

const (
	LineKindProduct  LineKind = "product"
	LineKindWorkshop LineKind = "workshop"
)

func (k LineKind) Valid() bool {
	return k == LineKindProduct || k == LineKindWorkshop
}

// CartLine is one entry of a user's cart. Duplicate lines for the same
// item are allowed.
type CartLine struct {
	ID        int64
	UserID    int64
	Kind      LineKind
	ItemID    int64
	Quantity  int
	Title     string
	UnitPrice decimal.Decimal
	// PriceSet is false for stored lines without a snapshotted price
	PriceSet  bool
	Meta      string
	CreatedAt time.Time
}

func (l CartLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

func (l CartLine) Summary() LineSummary {
	return LineSummary{
		CartLineID: l.ID,
		Kind:       l.Kind,
		ItemID:     l.ItemID,
		Quantity:   l.Quantity,
		UnitPrice:  l.UnitPrice,
		Title:      l.Title,
	}
}

type RefKind string

const (
	RefProduct   RefKind = "product"
	RefWorkshop  RefKind = "workshop"
	RefCartEntry RefKind = "cart"
)

// LineRef addresses a cart line either by its own id or by the item it holds.
type LineRef struct {
	Kind RefKind
	ID   int64
}

func ProductRef(id int64) LineRef   { return LineRef{Kind: RefProduct, ID: id} }
func WorkshopRef(id int64) LineRef  { return LineRef{Kind: RefWorkshop, ID: id} }
func CartEntryRef(id int64) LineRef { return LineRef{Kind: RefCartEntry, ID: id} }

// ParseLineRef accepts "product:12", "workshop:7", "cart:3" or a bare cart line id.
func ParseLineRef(s string) (LineRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return LineRef{}, fmt.Errorf("%w: empty", ErrInvalidLineRef)
	}

	prefix, val, tagged := strings.Cut(s, ":")
	if !tagged {
		id, err := parseID(s)
		if err != nil {
			return LineRef{}, err
		}
		return CartEntryRef(id), nil
	}

	id, err := parseID(val)
	if err != nil {
		return LineRef{}, err
	}

	switch RefKind(strings.ToLower(prefix)) {
	case RefProduct:
		return ProductRef(id), nil
	case RefWorkshop:
		return WorkshopRef(id), nil
	case RefCartEntry:
		return CartEntryRef(id), nil
	}
	return LineRef{}, fmt.Errorf("%w: unknown prefix %q", ErrInvalidLineRef, prefix)
}

func (r LineRef) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

// LineKind reports which item kind the reference selects; ok is false for cart entries.
func (r LineRef) LineKind() (LineKind, bool) {
	switch r.Kind {
	case RefProduct:
		return LineKindProduct, true
	case RefWorkshop:
		return LineKindWorkshop, true
	}
	return "", false
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bad id %q", ErrInvalidLineRef, s)
	}
	return id, nil
}
