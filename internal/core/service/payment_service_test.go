package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rl1809/marketplace-checkout/internal/core/domain"
	"github.com/rl1809/marketplace-checkout/internal/port"
)

// preparedCart puts one product and one workshop seat into the user's cart
// and prepares it, registering a completed capture for the checkout.
func preparedCart(t *testing.T, h *harness, userID int64, paymentID string) (*domain.Checkout, int64, int64) {
	t.Helper()
	productID := h.repo.addProduct("12.50")
	workshopID := h.repo.addWorkshop("8.00", 1)
	h.add(userID, domain.LineKindProduct, productID)
	h.add(userID, domain.LineKindWorkshop, workshopID)

	c, err := h.checkout.Prepare(context.Background(), userID)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	h.verifier.payments[paymentID] = &port.PaymentVerification{
		PaymentID:   paymentID,
		Status:      "COMPLETED",
		Completed:   true,
		AmountMinor: c.Quotation.AmountMinor(),
		Metadata: map[string]string{
			port.MetaCheckoutID: c.ID,
			port.MetaUserID:     fmt.Sprint(userID),
		},
	}
	return c, productID, workshopID
}

func TestConfirmCart_Applies(t *testing.T) {
	h := newHarness()
	c, productID, workshopID := preparedCart(t, h, 1, "PAY-1")

	res, err := h.payments.ConfirmCart(context.Background(), 1, "PAY-1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.Outcome != domain.OutcomeApplied || res.Checkout == nil || len(res.Checkout.Committed) != 2 {
		t.Errorf("expected applied with 2 committed lines, got %+v", res)
	}
	if h.store.has(c.ID) {
		t.Error("expected correlation entry removed after success")
	}
	if p, _ := h.repo.GetProduct(context.Background(), productID); !p.Sold {
		t.Error("expected product sold")
	}
	if h.repo.remaining(workshopID) != 0 {
		t.Error("expected seat taken")
	}
}

func TestConfirmCart_DuplicateDelivery(t *testing.T) {
	h := newHarness()
	c, _, workshopID := preparedCart(t, h, 1, "PAY-1")
	ctx := context.Background()

	// Webhook and client callback for the same capture race each other.
	var wg sync.WaitGroup
	results := make([]*Reconciliation, 2)
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], errs[0] = h.payments.HandleNotification(ctx, domain.Notification{
			EventID: "evt-1", PaymentID: "PAY-1", CheckoutID: c.ID, UserID: 1,
		})
	}()
	go func() {
		defer wg.Done()
		results[1], errs[1] = h.payments.ConfirmCart(ctx, 1, "PAY-1")
	}()
	wg.Wait()

	outcomes := map[domain.Outcome]int{}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("unexpected error: %v", errs[i])
		}
		outcomes[results[i].Outcome]++
	}
	if outcomes[domain.OutcomeApplied] != 1 || outcomes[domain.OutcomeAlreadyProcessed] != 1 {
		t.Errorf("expected one applied and one already processed, got %v", outcomes)
	}
	if h.repo.purchaseCount() != 1 || h.repo.reservationCount() != 1 {
		t.Errorf("expected one purchase and one reservation, got %d and %d",
			h.repo.purchaseCount(), h.repo.reservationCount())
	}
	if h.repo.remaining(workshopID) != 0 {
		t.Errorf("expected capacity 0, got %d", h.repo.remaining(workshopID))
	}
}

func TestHandleNotification_RepeatedLinesRedelivered(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	productID := h.repo.addProduct("12.50")
	h.add(1, domain.LineKindProduct, productID)
	h.add(1, domain.LineKindProduct, productID)
	c, err := h.checkout.Prepare(ctx, 1)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	n := domain.Notification{PaymentID: "PAY-1", CheckoutID: c.ID, UserID: 1}

	res, err := h.payments.HandleNotification(ctx, n)
	if err != nil || res.Outcome != domain.OutcomeApplied {
		t.Fatalf("expected first delivery applied, got %+v (%v)", res, err)
	}
	if h.store.has(c.ID) {
		t.Error("expected correlation entry removed after success")
	}

	res, err = h.payments.HandleNotification(ctx, n)
	if err != nil || res.Outcome != domain.OutcomeAlreadyProcessed {
		t.Errorf("expected redelivery already processed, got %+v (%v)", res, err)
	}
	if h.repo.purchaseCount() != 1 {
		t.Errorf("expected 1 purchase row, got %d", h.repo.purchaseCount())
	}
}

func TestFinalizeFree_RequiresZeroTotal(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	c, productID, _ := preparedCart(t, h, 1, "PAY-1")

	_, err := h.payments.FinalizeFree(ctx, 1, c.ID)
	if !errors.Is(err, ErrPaymentRequired) || !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrPaymentRequired, got %v", err)
	}
	if p, _ := h.repo.GetProduct(ctx, productID); p.Sold {
		t.Error("expected product left unsold")
	}
	if !h.store.has(c.ID) {
		t.Error("expected checkout kept for the payment round-trip")
	}
}

func TestFinalizeFree_ZeroTotal(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	productID := h.repo.addProduct("0.00")
	h.add(1, domain.LineKindProduct, productID)
	c, err := h.checkout.Prepare(ctx, 1)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	res, err := h.payments.FinalizeFree(ctx, 1, c.ID)
	if err != nil || res.Outcome != domain.OutcomeApplied {
		t.Fatalf("expected applied, got %+v (%v)", res, err)
	}
	res, err = h.payments.FinalizeFree(ctx, 1, c.ID)
	if err != nil || res.Outcome != domain.OutcomeAlreadyProcessed {
		t.Errorf("expected already processed, got %+v (%v)", res, err)
	}
}

func TestConfirmCart_NotCompleted(t *testing.T) {
	h := newHarness()
	c, _, _ := preparedCart(t, h, 1, "PAY-1")
	h.verifier.payments["PAY-1"].Completed = false
	h.verifier.payments["PAY-1"].Status = "PENDING"

	_, err := h.payments.ConfirmCart(context.Background(), 1, "PAY-1")
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}
	if !IsRetryable(err) {
		t.Error("verification failure must be retryable")
	}
	if !h.store.has(c.ID) {
		t.Error("correlation entry must stay for a later retry")
	}
	if lines, _ := h.cart.Lines(context.Background(), 1); len(lines) != 2 {
		t.Error("cart must be untouched")
	}
}

func TestConfirmCart_GatewayDown(t *testing.T) {
	h := newHarness()
	preparedCart(t, h, 1, "PAY-1")
	h.verifier.err = errors.New("dial tcp: connection refused")

	_, err := h.payments.ConfirmCart(context.Background(), 1, "PAY-1")
	if !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("expected ErrVerificationFailed, got %v", err)
	}
	if h.repo.purchaseCount() != 0 {
		t.Error("nothing may be committed without verification")
	}
}

func TestConfirmCart_UnknownPayment(t *testing.T) {
	h := newHarness()

	_, err := h.payments.ConfirmCart(context.Background(), 1, "nope")
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}

	_, err = h.payments.ConfirmCart(context.Background(), 1, " ")
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for blank id, got %v", err)
	}
}

func TestConfirmCart_OtherUser(t *testing.T) {
	h := newHarness()
	preparedCart(t, h, 1, "PAY-1")

	_, err := h.payments.ConfirmCart(context.Background(), 2, "PAY-1")
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
	if h.repo.purchaseCount() != 0 {
		t.Error("nothing may be committed for a foreign payment")
	}
}

func TestConfirmCart_Underpaid(t *testing.T) {
	h := newHarness()
	c, _, _ := preparedCart(t, h, 1, "PAY-1")
	h.verifier.payments["PAY-1"].AmountMinor = 1000

	_, err := h.payments.ConfirmCart(context.Background(), 1, "PAY-1")
	if !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("expected ErrVerificationFailed, got %v", err)
	}
	if !h.store.has(c.ID) {
		t.Error("correlation entry must stay")
	}
}

func TestHandleNotification_Routing(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, err := h.payments.HandleNotification(ctx, domain.Notification{})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for missing payment id, got %v", err)
	}

	_, err = h.payments.HandleNotification(ctx, domain.Notification{PaymentID: "P"})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument without checkout or plan, got %v", err)
	}

	res, err := h.payments.HandleNotification(ctx, domain.Notification{PaymentID: "P", CheckoutID: "unknown"})
	if err != nil || res.Outcome != domain.OutcomeAlreadyProcessed {
		t.Errorf("expected already processed for unknown checkout, got %+v, %v", res, err)
	}

	res, err = h.payments.HandleNotification(ctx, domain.Notification{PaymentID: "SUB-1", Plan: domain.BillingYearly, UserID: 3})
	if err != nil || res.Outcome != domain.OutcomeApplied || res.Subscription == nil {
		t.Fatalf("expected subscription applied, got %+v, %v", res, err)
	}
	if res.Subscription.Plan != domain.BillingYearly {
		t.Errorf("expected yearly plan, got %s", res.Subscription.Plan)
	}
}

func TestConfirmSubscription_PlanFromMetadata(t *testing.T) {
	h := newHarness()
	h.verifier.payments["SUB-1"] = &port.PaymentVerification{
		PaymentID: "SUB-1", Completed: true,
		Metadata: map[string]string{port.MetaUserID: "5", port.MetaPlan: "yearly"},
	}

	res, err := h.payments.ConfirmSubscription(context.Background(), 5, "", "SUB-1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.Subscription.Plan != domain.BillingYearly {
		t.Errorf("expected yearly from metadata, got %s", res.Subscription.Plan)
	}

	_, err = h.payments.ConfirmSubscription(context.Background(), 6, "monthly", "SUB-1")
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for foreign payment, got %v", err)
	}
}

func TestEnqueueAndProcess(t *testing.T) {
	h := newHarness()
	c, _, _ := preparedCart(t, h, 1, "PAY-1")
	ctx := context.Background()
	n := domain.Notification{EventID: "evt-1", PaymentID: "PAY-1", CheckoutID: c.ID, UserID: 1}

	queued, err := h.payments.Enqueue(ctx, n)
	if err != nil || !queued {
		t.Fatalf("expected queued, got %v, %v", queued, err)
	}

	task := <-h.payments.Queue()
	res, err := h.payments.Process(ctx, task)
	if err != nil || res.Outcome != domain.OutcomeApplied {
		t.Fatalf("expected applied, got %+v, %v", res, err)
	}

	queued, err = h.payments.Enqueue(ctx, n)
	if err != nil || queued {
		t.Errorf("expected duplicate event dropped, got %v, %v", queued, err)
	}
}

func TestProcess_RetryableLeavesEventUnmarked(t *testing.T) {
	h := newHarness()
	c, _, _ := preparedCart(t, h, 1, "PAY-1")
	ctx := context.Background()
	h.repo.failCommit = errors.New("deadlock found")

	task := NotificationTask{Notification: domain.Notification{EventID: "evt-2", PaymentID: "PAY-1", CheckoutID: c.ID}}
	_, err := h.payments.Process(ctx, task)
	if err == nil || !IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if seen, _ := h.deduper.Seen(ctx, eventKey("evt-2")); seen {
		t.Error("retryable failure must not mark the event handled")
	}

	if err := h.payments.Requeue(task); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if again := <-h.payments.Queue(); again.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", again.Attempt)
	}
}

func TestEnqueue_AfterClose(t *testing.T) {
	h := newHarness()
	h.payments.Close()
	h.payments.Close()

	_, err := h.payments.Enqueue(context.Background(), domain.Notification{PaymentID: "P", CheckoutID: "c"})
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull after close, got %v", err)
	}
	if err := h.payments.Requeue(NotificationTask{}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull on requeue after close, got %v", err)
	}
}

func TestEnqueue_Full(t *testing.T) {
	h := newHarness()
	h.payments = NewPaymentService(h.checkout, h.store, h.subs, h.verifier, newMockLocker(), h.deduper, 1, discardLog)
	ctx := context.Background()

	if _, err := h.payments.Enqueue(ctx, domain.Notification{PaymentID: "P1", CheckoutID: "c"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.payments.Enqueue(ctx, domain.Notification{PaymentID: "P2", CheckoutID: "c"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}
