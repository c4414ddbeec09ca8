package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/rl1809/marketplace-checkout/internal/core/domain"
	"github.com/rl1809/marketplace-checkout/internal/port"
)

// Reconciliation is the outcome of applying one payment confirmation.
type Reconciliation struct {
	Outcome      domain.Outcome             `json:"status"`
	PaymentID    string                     `json:"payment_id"`
	Checkout     *FinalizeResult            `json:"checkout,omitempty"`
	Subscription *domain.SubscriptionPeriod `json:"subscription,omitempty"`
}

// NotificationTask is a queued webhook notification awaiting a worker.
type NotificationTask struct {
	Notification domain.Notification
	Attempt      int
}

type PaymentService struct {
	checkout *CheckoutService
	store    port.CheckoutStore
	subs     *SubscriptionService
	verifier port.PaymentVerifier
	locker   port.Locker
	deduper  port.EventDeduper
	log      *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan NotificationTask
}

func NewPaymentService(
	checkout *CheckoutService,
	store port.CheckoutStore,
	subs *SubscriptionService,
	verifier port.PaymentVerifier,
	locker port.Locker,
	deduper port.EventDeduper,
	queueSize int,
	log *slog.Logger,
) *PaymentService {
	return &PaymentService{
		checkout: checkout,
		store:    store,
		subs:     subs,
		verifier: verifier,
		locker:   locker,
		deduper:  deduper,
		log:      log.With("component", "payment"),
		queue:    make(chan NotificationTask, queueSize),
	}
}

// ConfirmCart handles the client callback after a cart payment. The gateway
// is authoritative: nothing is applied unless it reports the capture completed.
func (s *PaymentService) ConfirmCart(ctx context.Context, userID int64, paymentID string) (*Reconciliation, error) {
	v, err := s.verify(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	checkoutID := v.Metadata[port.MetaCheckoutID]
	if checkoutID == "" {
		return nil, invalidArgument("payment %s carries no checkout id", paymentID)
	}
	owner, err := metadataUser(v.Metadata)
	if err != nil {
		return nil, err
	}
	if userID > 0 && owner > 0 && owner != userID {
		return nil, invalidArgument("payment %s belongs to another user", paymentID)
	}

	return s.HandleNotification(ctx, domain.Notification{
		PaymentID:   v.PaymentID,
		CheckoutID:  checkoutID,
		UserID:      owner,
		AmountMinor: v.AmountMinor,
	})
}

// ConfirmSubscription handles the client callback after a plan payment.
// An empty plan falls back to the plan recorded on the payment.
func (s *PaymentService) ConfirmSubscription(ctx context.Context, userID int64, plan, paymentID string) (*Reconciliation, error) {
	if userID <= 0 {
		return nil, invalidArgument("missing user id")
	}

	v, err := s.verify(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	owner, err := metadataUser(v.Metadata)
	if err != nil {
		return nil, err
	}
	if owner > 0 && owner != userID {
		return nil, invalidArgument("payment %s belongs to another user", paymentID)
	}
	if strings.TrimSpace(plan) == "" {
		plan = v.Metadata[port.MetaPlan]
	}

	return s.HandleNotification(ctx, domain.Notification{
		PaymentID: v.PaymentID,
		Plan:      domain.NormalizePlan(plan),
		UserID:    userID,
	})
}

// HandleNotification applies a verified payment confirmation. A checkout id
// drives cart reconciliation; otherwise a billing plan drives activation.
func (s *PaymentService) HandleNotification(ctx context.Context, n domain.Notification) (*Reconciliation, error) {
	n.PaymentID = strings.TrimSpace(n.PaymentID)
	if n.PaymentID == "" {
		return nil, invalidArgument("missing payment id")
	}

	switch {
	case n.CheckoutID != "":
		return s.ReconcileCart(ctx, n)

	case n.Plan != "":
		if n.UserID <= 0 {
			return nil, invalidArgument("subscription payment %s has no user id", n.PaymentID)
		}
		period, outcome, err := s.subs.Activate(ctx, n.UserID, string(n.Plan), n.PaymentID)
		if err != nil {
			return nil, err
		}
		return &Reconciliation{Outcome: outcome, PaymentID: n.PaymentID, Subscription: period}, nil
	}

	return nil, invalidArgument("payment %s has neither checkout id nor plan", n.PaymentID)
}

// ReconcileCart finalizes the checkout the notification points at. The
// correlation entry is removed only after a successful finalize, so a second
// delivery finds nothing and reports already processed.
func (s *PaymentService) ReconcileCart(ctx context.Context, n domain.Notification) (*Reconciliation, error) {
	return s.reconcile(ctx, n, nil)
}

// FinalizeFree commits a checkout without a payment. Only checkouts whose
// quoted and live totals are both zero qualify; anything else must go
// through a verified payment.
func (s *PaymentService) FinalizeFree(ctx context.Context, userID int64, checkoutID string) (*Reconciliation, error) {
	if userID <= 0 {
		return nil, invalidArgument("missing user id")
	}

	n := domain.Notification{CheckoutID: checkoutID, UserID: userID}
	return s.reconcile(ctx, n, func(q domain.Quotation) error {
		if !q.Total.IsZero() {
			return fmt.Errorf("%w: checkout %s totals %s", ErrPaymentRequired, checkoutID, q.Total.StringFixed(2))
		}
		live, err := s.checkout.liveTotal(ctx, userID)
		if err != nil {
			return err
		}
		if !live.IsZero() {
			return fmt.Errorf("%w: cart now totals %s", ErrPaymentRequired, live.StringFixed(2))
		}
		return nil
	})
}

func (s *PaymentService) reconcile(ctx context.Context, n domain.Notification, admit func(domain.Quotation) error) (*Reconciliation, error) {
	unlock, err := s.locker.Lock(ctx, "checkout:"+n.CheckoutID)
	if err != nil {
		return nil, fmt.Errorf("lock checkout: %w", err)
	}
	defer unlock()

	q, err := s.store.Get(ctx, n.CheckoutID)
	if err != nil {
		return nil, fmt.Errorf("get checkout: %w", err)
	}
	if q == nil {
		s.log.Info("checkout already processed", "checkout_id", n.CheckoutID, "payment_id", n.PaymentID)
		return &Reconciliation{Outcome: domain.OutcomeAlreadyProcessed, PaymentID: n.PaymentID}, nil
	}

	if n.UserID > 0 && n.UserID != q.UserID {
		return nil, invalidArgument("checkout %s belongs to another user", n.CheckoutID)
	}
	if n.AmountMinor > 0 && n.AmountMinor < q.AmountMinor() {
		return nil, fmt.Errorf("%w: captured %d of %d cents", ErrVerificationFailed, n.AmountMinor, q.AmountMinor())
	}
	if admit != nil {
		if err := admit(*q); err != nil {
			return nil, err
		}
	}

	result, err := s.checkout.Finalize(ctx, n.CheckoutID, *q)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.Remove(ctx, n.CheckoutID); err != nil {
		s.log.Error("remove finalized checkout", "checkout_id", n.CheckoutID, "error", err)
	}
	s.log.Info("payment applied", "checkout_id", n.CheckoutID, "payment_id", n.PaymentID, "user_id", q.UserID)

	return &Reconciliation{Outcome: domain.OutcomeApplied, PaymentID: n.PaymentID, Checkout: result}, nil
}

// Enqueue accepts a webhook notification for asynchronous processing.
// Duplicate event ids are dropped and reported as false.
func (s *PaymentService) Enqueue(ctx context.Context, n domain.Notification) (bool, error) {
	if strings.TrimSpace(n.PaymentID) == "" {
		return false, invalidArgument("missing payment id")
	}

	if n.EventID != "" && s.deduper != nil {
		seen, err := s.deduper.Seen(ctx, eventKey(n.EventID))
		if err != nil {
			s.log.Warn("event dedupe lookup", "event_id", n.EventID, "error", err)
		}
		if seen {
			s.log.Info("duplicate event dropped", "event_id", n.EventID, "payment_id", n.PaymentID)
			return false, nil
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrQueueFull
	}

	select {
	case s.queue <- NotificationTask{Notification: n}:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	default:
		return false, ErrQueueFull
	}
}

// Requeue puts a failed task back with its attempt counter bumped.
func (s *PaymentService) Requeue(task NotificationTask) error {
	task.Attempt++

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrQueueFull
	}

	select {
	case s.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Process runs one queued notification. Terminal results mark the event id
// as handled; retryable errors are returned for the worker to requeue.
func (s *PaymentService) Process(ctx context.Context, task NotificationTask) (*Reconciliation, error) {
	n := task.Notification

	res, err := s.HandleNotification(ctx, n)
	if err != nil && IsRetryable(err) {
		return nil, err
	}

	if n.EventID != "" && s.deduper != nil {
		if _, derr := s.deduper.SetIdempotency(ctx, eventKey(n.EventID)); derr != nil {
			s.log.Warn("mark event handled", "event_id", n.EventID, "error", derr)
		}
	}
	return res, err
}

func (s *PaymentService) Queue() <-chan NotificationTask {
	return s.queue
}

// Close stops intake; workers drain what is already queued.
func (s *PaymentService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
}

func (s *PaymentService) verify(ctx context.Context, paymentID string) (*port.PaymentVerification, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, invalidArgument("missing payment id")
	}

	v, err := s.verifier.Verify(ctx, paymentID)
	switch {
	case errors.Is(err, port.ErrPaymentNotFound):
		return nil, invalidArgument("payment %s not found", paymentID)
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	case !v.Completed:
		return nil, fmt.Errorf("%w: payment %s is %s", ErrVerificationFailed, paymentID, v.Status)
	}
	if v.PaymentID == "" {
		v.PaymentID = paymentID
	}
	return v, nil
}

func metadataUser(meta map[string]string) (int64, error) {
	raw := strings.TrimSpace(meta[port.MetaUserID])
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, invalidArgument("malformed user id %q in payment metadata", raw)
	}
	return id, nil
}

func eventKey(eventID string) string {
	return "webhook:event:" + eventID
}
