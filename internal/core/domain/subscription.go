package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type BillingPlan string

const (
	BillingMonthly BillingPlan = "monthly"
	BillingYearly  BillingPlan = "yearly"
)

// NormalizePlan maps any unrecognized plan to monthly.
func NormalizePlan(s string) BillingPlan {
	if strings.EqualFold(strings.TrimSpace(s), string(BillingYearly)) {
		return BillingYearly
	}
	return BillingMonthly
}

// PeriodEnd returns the end of a period of this plan starting at start.
func (p BillingPlan) PeriodEnd(start time.Time) time.Time {
	if p == BillingYearly {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

type SubscriptionPlan struct {
	ID    int64
	Plan  BillingPlan
	Price decimal.Decimal
}

// SubscriptionPeriod is one applied payment. PaymentID is unique across all periods.
type SubscriptionPeriod struct {
	ID          int64       `json:"id"`
	PaymentID   string      `json:"payment_id"`
	UserID      int64       `json:"user_id"`
	PlanID      int64       `json:"plan_id"`
	Plan        BillingPlan `json:"plan"`
	PeriodStart time.Time   `json:"period_start"`
	PeriodEnd   time.Time   `json:"period_end"`
}

type SubscriptionState string

const (
	SubscriptionNone    SubscriptionState = "none"
	SubscriptionActive  SubscriptionState = "active"
	SubscriptionExpired SubscriptionState = "expired"
)

// StateOf evaluates expiry lazily; p may be nil.
func StateOf(p *SubscriptionPeriod, now time.Time) SubscriptionState {
	if p == nil {
		return SubscriptionNone
	}
	if now.Before(p.PeriodEnd) {
		return SubscriptionActive
	}
	return SubscriptionExpired
}
