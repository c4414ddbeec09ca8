package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rl1809/marketplace-checkout/internal/core/domain"
	"github.com/rl1809/marketplace-checkout/internal/port"
)

var defaultPlanPrices = map[domain.BillingPlan]decimal.Decimal{
	domain.BillingMonthly: decimal.RequireFromString("5.00"),
	domain.BillingYearly:  decimal.RequireFromString("50.00"),
}

type SubscriptionStatus struct {
	State  domain.SubscriptionState   `json:"state"`
	Period *domain.SubscriptionPeriod `json:"period,omitempty"`
}

type SubscriptionService struct {
	repo      port.SubscriptionRepository
	locker    port.Locker
	publisher port.EventPublisher
	log       *slog.Logger
	now       func() time.Time
}

func NewSubscriptionService(repo port.SubscriptionRepository, locker port.Locker, publisher port.EventPublisher, log *slog.Logger) *SubscriptionService {
	return &SubscriptionService{
		repo:      repo,
		locker:    locker,
		publisher: publisher,
		log:       log.With("component", "subscription"),
		now:       time.Now,
	}
}

// Activate grants one billing period for a payment. A payment that was
// already applied returns the user's latest period unchanged.
func (s *SubscriptionService) Activate(ctx context.Context, userID int64, plan string, paymentID string) (*domain.SubscriptionPeriod, domain.Outcome, error) {
	paymentID = strings.TrimSpace(paymentID)
	if userID <= 0 {
		return nil, "", invalidArgument("missing user id")
	}
	if paymentID == "" {
		return nil, "", invalidArgument("missing payment id")
	}

	unlock, err := s.locker.Lock(ctx, fmt.Sprintf("subscription:user:%d", userID))
	if err != nil {
		return nil, "", fmt.Errorf("lock subscription: %w", err)
	}
	defer unlock()

	applied, err := s.repo.PaymentApplied(ctx, paymentID)
	if err != nil {
		return nil, "", fmt.Errorf("check payment: %w", err)
	}
	if applied {
		s.log.Info("payment already applied", "user_id", userID, "payment_id", paymentID)
		return s.existing(ctx, userID)
	}

	billing := domain.NormalizePlan(plan)
	tier, err := s.repo.GetPlan(ctx, billing)
	if err != nil {
		return nil, "", fmt.Errorf("get plan: %w", err)
	}
	if tier == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrPlanNotConfigured, billing)
	}

	now := s.now()
	period := domain.SubscriptionPeriod{
		PaymentID:   paymentID,
		UserID:      userID,
		PlanID:      tier.ID,
		Plan:        billing,
		PeriodStart: now,
		PeriodEnd:   billing.PeriodEnd(now),
	}

	id, err := s.repo.CreatePeriod(ctx, period)
	if errors.Is(err, port.ErrDuplicate) {
		s.log.Info("payment applied concurrently", "user_id", userID, "payment_id", paymentID)
		return s.existing(ctx, userID)
	}
	if err != nil {
		return nil, "", fmt.Errorf("create subscription period: %w", err)
	}
	period.ID = id

	s.log.Info("subscription activated", "user_id", userID, "payment_id", paymentID,
		"plan", billing, "price", tier.Price.StringFixed(2), "valid_until", period.PeriodEnd)

	if s.publisher != nil {
		event := port.Event{
			ID:         uuid.NewString(),
			Type:       port.EventSubscriptionActivated,
			Key:        fmt.Sprint(userID),
			OccurredAt: now,
			Payload:    period,
		}
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.log.Error("publish event", "type", event.Type, "event_id", event.ID, "error", err)
		}
	}

	return &period, domain.OutcomeApplied, nil
}

func (s *SubscriptionService) existing(ctx context.Context, userID int64) (*domain.SubscriptionPeriod, domain.Outcome, error) {
	latest, err := s.repo.LatestPeriod(ctx, userID)
	if err != nil {
		return nil, "", fmt.Errorf("latest subscription period: %w", err)
	}
	if latest == nil {
		return nil, "", invalidArgument("payment was applied to another account")
	}
	return latest, domain.OutcomeAlreadyProcessed, nil
}

// Status evaluates expiry at read time.
func (s *SubscriptionService) Status(ctx context.Context, userID int64) (*SubscriptionStatus, error) {
	if userID <= 0 {
		return nil, invalidArgument("missing user id")
	}

	latest, err := s.repo.LatestPeriod(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("latest subscription period: %w", err)
	}

	return &SubscriptionStatus{
		State:  domain.StateOf(latest, s.now()),
		Period: latest,
	}, nil
}

// Pricing returns the configured price per plan, falling back to defaults.
func (s *SubscriptionService) Pricing(ctx context.Context) (map[domain.BillingPlan]decimal.Decimal, error) {
	out := make(map[domain.BillingPlan]decimal.Decimal, len(defaultPlanPrices))
	for plan, fallback := range defaultPlanPrices {
		tier, err := s.repo.GetPlan(ctx, plan)
		if err != nil {
			return nil, fmt.Errorf("get plan %s: %w", plan, err)
		}
		out[plan] = fallback
		if tier != nil {
			out[plan] = tier.Price
		}
	}
	return out, nil
}
