package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/marketplace-checkout/internal/core/domain"
	"github.com/rl1809/marketplace-checkout/internal/port"
)

func getMySQLDB(t *testing.T) *sql.DB {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/checkout"
	}

	db, err := OpenMySQL(dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return db
}

func seedProduct(t *testing.T, adapter *MySQLAdapter, price string) int64 {
	id, err := adapter.CreateProduct(context.Background(), domain.Product{
		Title:    "test-product",
		Category: "ceramics",
		Price:    decimal.RequireFromString(price),
	})
	if err != nil {
		t.Fatalf("seed product: %v", err)
	}
	return id
}

func seedWorkshop(t *testing.T, adapter *MySQLAdapter, price string, capacity int) int64 {
	id, err := adapter.CreateWorkshop(context.Background(), domain.Workshop{
		Title:    "test-workshop",
		Location: "Studio A",
		StartsAt: time.Now().Add(48 * time.Hour),
		Price:    decimal.RequireFromString(price),
		Capacity: capacity,
	})
	if err != nil {
		t.Fatalf("seed workshop: %v", err)
	}
	return id
}

// testUser returns a user id unlikely to collide with earlier runs.
func testUser() int64 {
	return time.Now().UnixNano() % 1_000_000_000
}

func TestCartLines_CRUD(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db)
	userID := testUser()
	defer adapter.ClearCart(ctx, userID)

	lineID, err := adapter.AddLine(ctx, domain.CartLine{
		UserID: userID, Kind: domain.LineKindProduct, ItemID: 99, Quantity: 1,
		Title: "Vase", UnitPrice: decimal.RequireFromString("12.50"), PriceSet: true,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("AddLine failed: %v", err)
	}
	if _, err := adapter.AddLine(ctx, domain.CartLine{
		UserID: userID, Kind: domain.LineKindWorkshop, ItemID: 5, Quantity: 1, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("AddLine failed: %v", err)
	}

	lines, err := adapter.ListLines(ctx, userID)
	if err != nil {
		t.Fatalf("ListLines failed: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if !lines[0].PriceSet || !lines[0].UnitPrice.Equal(decimal.RequireFromString("12.50")) {
		t.Errorf("expected snapshotted price 12.50, got %s (set=%v)", lines[0].UnitPrice, lines[0].PriceSet)
	}
	if lines[1].PriceSet {
		t.Error("expected line without price to report PriceSet=false")
	}

	line, err := adapter.GetLine(ctx, lineID)
	if err != nil || line == nil || line.UserID != userID {
		t.Fatalf("GetLine: %v, %v", line, err)
	}

	n, err := adapter.UpdateQuantity(ctx, userID, domain.ProductRef(99), 3)
	if err != nil || n != 1 {
		t.Fatalf("UpdateQuantity: n=%d err=%v", n, err)
	}
	n, err = adapter.UpdateQuantity(ctx, userID, domain.ProductRef(99), 3)
	if err != nil || n != 1 {
		t.Errorf("expected unchanged row to still count as matched, n=%d err=%v", n, err)
	}

	n, err = adapter.RemoveLines(ctx, userID, domain.CartEntryRef(lineID))
	if err != nil || n != 1 {
		t.Fatalf("RemoveLines: n=%d err=%v", n, err)
	}

	n, err = adapter.ClearCart(ctx, userID)
	if err != nil || n != 1 {
		t.Fatalf("ClearCart: n=%d err=%v", n, err)
	}
}

func TestCommitPurchase_SoldOnce(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db)
	productID := seedProduct(t, adapter, "12.50")

	if _, err := adapter.CommitPurchase(ctx, testUser(), productID); err != nil {
		t.Fatalf("CommitPurchase failed: %v", err)
	}

	_, err := adapter.CommitPurchase(ctx, testUser()+1, productID)
	if !errors.Is(err, port.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}

	var count int
	db.QueryRowContext(ctx, `SELECT COUNT(*) FROM purchases WHERE product_id = ?`, productID).Scan(&count)
	if count != 1 {
		t.Errorf("expected 1 purchase row, got %d", count)
	}

	p, _ := adapter.GetProduct(ctx, productID)
	if p == nil || !p.Sold {
		t.Error("expected product to be marked sold")
	}
}

func TestCommitPurchase_OwnProductIsDuplicate(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db)
	productID := seedProduct(t, adapter, "12.50")
	userID := testUser()

	if _, err := adapter.CommitPurchase(ctx, userID, productID); err != nil {
		t.Fatalf("CommitPurchase failed: %v", err)
	}

	_, err := adapter.CommitPurchase(ctx, userID, productID)
	if !errors.Is(err, port.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate for the owner, got %v", err)
	}
}

func TestCommitReservation_FullWorkshopOwnSeatIsDuplicate(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db)
	workshopID := seedWorkshop(t, adapter, "8.00", 1)
	userID := testUser()

	if _, err := adapter.CommitReservation(ctx, userID, workshopID); err != nil {
		t.Fatalf("CommitReservation failed: %v", err)
	}

	_, err := adapter.CommitReservation(ctx, userID, workshopID)
	if !errors.Is(err, port.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate for the seat holder, got %v", err)
	}

	_, err = adapter.CommitReservation(ctx, userID+1, workshopID)
	if !errors.Is(err, port.ErrConflict) {
		t.Errorf("expected ErrConflict for another user, got %v", err)
	}
}

func TestCommitPurchase_NotFound(t *testing.T) {
	db := getMySQLDB(t)
	adapter := NewMySQLAdapter(db)

	_, err := adapter.CommitPurchase(context.Background(), testUser(), 1<<40)
	if !errors.Is(err, port.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCommitReservation_CapacityNeverNegative(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	capacity := 5
	workshopID := seedWorkshop(t, adapter, "8.00", capacity)
	base := testUser()

	var successCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			_, err := adapter.CommitReservation(ctx, user, workshopID)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, port.ErrConflict):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(base + int64(i))
	}
	wg.Wait()

	if successCount.Load() != int32(capacity) {
		t.Errorf("expected %d reservations, got %d", capacity, successCount.Load())
	}

	w, _ := adapter.GetWorkshop(ctx, workshopID)
	if w == nil || w.RemainingCapacity != 0 {
		t.Errorf("expected remaining capacity 0, got %+v", w)
	}
}

func TestCommitReservation_DuplicateAndCancel(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db)
	workshopID := seedWorkshop(t, adapter, "8.00", 3)
	userID := testUser()

	if _, err := adapter.CommitReservation(ctx, userID, workshopID); err != nil {
		t.Fatalf("CommitReservation failed: %v", err)
	}

	_, err := adapter.CommitReservation(ctx, userID, workshopID)
	if !errors.Is(err, port.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// The failed insert must not have consumed a seat.
	w, _ := adapter.GetWorkshop(ctx, workshopID)
	if w.RemainingCapacity != 2 {
		t.Errorf("expected remaining capacity 2, got %d", w.RemainingCapacity)
	}

	ids, err := adapter.ReservedWorkshops(ctx, userID)
	if err != nil || len(ids) != 1 || ids[0] != workshopID {
		t.Errorf("expected [%d], got %v (%v)", workshopID, ids, err)
	}

	ok, err := adapter.CancelReservation(ctx, userID, workshopID)
	if err != nil || !ok {
		t.Fatalf("CancelReservation: ok=%v err=%v", ok, err)
	}
	ok, _ = adapter.CancelReservation(ctx, userID, workshopID)
	if ok {
		t.Error("expected second cancel to report nothing canceled")
	}

	w, _ = adapter.GetWorkshop(ctx, workshopID)
	if w.RemainingCapacity != 3 {
		t.Errorf("expected remaining capacity 3 after cancel, got %d", w.RemainingCapacity)
	}

	if _, err := adapter.CommitReservation(ctx, userID, workshopID); err != nil {
		t.Errorf("expected rebooking after cancel to succeed, got %v", err)
	}
}

func TestSubscriptionPeriods_UniquePayment(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	plan, err := adapter.GetPlan(ctx, domain.BillingYearly)
	if err != nil || plan == nil {
		t.Fatalf("expected seeded yearly plan, got %v, %v", plan, err)
	}
	if !plan.Price.Equal(decimal.RequireFromString("50.00")) {
		t.Errorf("expected yearly price 50.00, got %s", plan.Price)
	}

	userID := testUser()
	paymentID := "test-payment-" + time.Now().Format("20060102150405.000000")
	start := time.Now().UTC().Truncate(time.Second)
	period := domain.SubscriptionPeriod{
		PaymentID: paymentID, UserID: userID, PlanID: plan.ID, Plan: plan.Plan,
		PeriodStart: start, PeriodEnd: plan.Plan.PeriodEnd(start),
	}

	applied, _ := adapter.PaymentApplied(ctx, paymentID)
	if applied {
		t.Fatal("payment must not be applied yet")
	}

	if _, err := adapter.CreatePeriod(ctx, period); err != nil {
		t.Fatalf("CreatePeriod failed: %v", err)
	}
	if _, err := adapter.CreatePeriod(ctx, period); !errors.Is(err, port.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}

	applied, _ = adapter.PaymentApplied(ctx, paymentID)
	if !applied {
		t.Error("expected payment to be applied")
	}

	latest, err := adapter.LatestPeriod(ctx, userID)
	if err != nil || latest == nil {
		t.Fatalf("LatestPeriod: %v, %v", latest, err)
	}
	if !latest.PeriodEnd.Equal(period.PeriodEnd) {
		t.Errorf("expected period end %v, got %v", period.PeriodEnd, latest.PeriodEnd)
	}
}
