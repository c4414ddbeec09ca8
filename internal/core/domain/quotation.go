package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type LineSummary struct {
	CartLineID int64           `json:"cart_line_id"`
	Kind       LineKind        `json:"kind"`
	ItemID     int64           `json:"item_id"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Title      string          `json:"title"`
}

// Quotation is the frozen result of preparing a checkout. It is never mutated
// after creation.
type Quotation struct {
	UserID    int64           `json:"user_id"`
	Total     decimal.Decimal `json:"total"`
	Lines     []LineSummary   `json:"lines"`
	CreatedAt time.Time       `json:"created_at"`
}

// AmountMinor converts the total to minor currency units, rounding half away from zero.
func (q Quotation) AmountMinor() int64 {
	return q.Total.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

type Checkout struct {
	ID        string
	Quotation Quotation
}
