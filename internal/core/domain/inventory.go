package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a unique physical item. Once Sold is set it is never cleared.
type Product struct {
	ID        int64
	Title     string
	Category  string
	Price     decimal.Decimal
	Sold      bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Workshop is a seat-limited event. RemainingCapacity equals
// Capacity minus the number of active reservations.
type Workshop struct {
	ID                int64
	Title             string
	Location          string
	StartsAt          time.Time
	Price             decimal.Decimal
	Capacity          int
	RemainingCapacity int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (w Workshop) HasCapacity() bool {
	return w.RemainingCapacity > 0
}
