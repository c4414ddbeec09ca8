package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rl1809/marketplace-checkout/internal/core/domain"
	"github.com/rl1809/marketplace-checkout/internal/port"
)

func (m *MySQLAdapter) GetPlan(ctx context.Context, plan domain.BillingPlan) (*domain.SubscriptionPlan, error) {
	var p domain.SubscriptionPlan
	err := m.db.QueryRowContext(ctx, `
		SELECT id, plan, price FROM subscription_plans WHERE plan = ?`, plan,
	).Scan(&p.ID, &p.Plan, &p.Price)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query plan: %w", err)
	}
	return &p, nil
}

func (m *MySQLAdapter) PaymentApplied(ctx context.Context, paymentID string) (bool, error) {
	var one int
	err := m.db.QueryRowContext(ctx, `
		SELECT 1 FROM subscription_periods WHERE payment_id = ?`, paymentID,
	).Scan(&one)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query payment: %w", err)
	}
	return true, nil
}

func (m *MySQLAdapter) LatestPeriod(ctx context.Context, userID int64) (*domain.SubscriptionPeriod, error) {
	var p domain.SubscriptionPeriod
	err := m.db.QueryRowContext(ctx, `
		SELECT id, payment_id, user_id, plan_id, plan, period_start, period_end
		FROM subscription_periods WHERE user_id = ?
		ORDER BY period_end DESC, id DESC LIMIT 1`, userID,
	).Scan(&p.ID, &p.PaymentID, &p.UserID, &p.PlanID, &p.Plan, &p.PeriodStart, &p.PeriodEnd)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest period: %w", err)
	}
	return &p, nil
}

// CreatePeriod relies on the unique payment_id index; a violation means the
// payment was already applied.
func (m *MySQLAdapter) CreatePeriod(ctx context.Context, period domain.SubscriptionPeriod) (int64, error) {
	result, err := m.db.ExecContext(ctx, `
		INSERT INTO subscription_periods (payment_id, user_id, plan_id, plan, period_start, period_end)
		VALUES (?, ?, ?, ?, ?, ?)`,
		period.PaymentID, period.UserID, period.PlanID, period.Plan,
		period.PeriodStart.UTC(), period.PeriodEnd.UTC(),
	)
	if isDuplicate(err) {
		return 0, port.ErrDuplicate
	}
	if err != nil {
		return 0, fmt.Errorf("insert period: %w", err)
	}
	return result.LastInsertId()
}
