package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/marketplace-checkout/internal/adapter/storage"
	"github.com/rl1809/marketplace-checkout/internal/config"
	"github.com/rl1809/marketplace-checkout/internal/core/domain"
	"github.com/rl1809/marketplace-checkout/internal/core/service"
)

const (
	seats         = 20
	totalBuyers   = 50
	notifyCopies  = 3
	firstBuyerID  = 900_000_000
	workshopPrice = "25.00"
)

// Races totalBuyers prepared checkouts for a workshop with `seats` free
// seats. Every payment notification is delivered notifyCopies times to
// exercise duplicate suppression.
func main() {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.Load()
	if err != nil {
		fatal("load config: %v", err)
	}

	db, err := storage.OpenMySQL(cfg.MySQLDSN)
	if err != nil {
		fatal("open mysql: %v", err)
	}
	defer db.Close()
	if err := storage.Migrate(db); err != nil {
		fatal("migrate: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		fatal("connect redis: %v", err)
	}
	defer rdb.Close()

	mysqlAdapter := storage.NewMySQLAdapter(db)
	redisAdapter := storage.NewRedisAdapter(rdb, cfg.CheckoutTTL, cfg.LockTTL)

	cartService := service.NewCartService(mysqlAdapter, mysqlAdapter, log)
	checkoutService := service.NewCheckoutService(mysqlAdapter, mysqlAdapter, mysqlAdapter, redisAdapter, nil, log)
	subscriptionService := service.NewSubscriptionService(mysqlAdapter, redisAdapter, nil, log)
	paymentService := service.NewPaymentService(checkoutService, redisAdapter, subscriptionService,
		nil, redisAdapter, redisAdapter, totalBuyers, log)
	defer paymentService.Close()

	workshopID, err := mysqlAdapter.CreateWorkshop(ctx, domain.Workshop{
		Title:    "stress-test-" + uuid.NewString()[:8],
		Location: "Studio B",
		StartsAt: time.Now().Add(7 * 24 * time.Hour),
		Price:    decimal.RequireFromString(workshopPrice),
		Capacity: seats,
	})
	if err != nil {
		fatal("create workshop: %v", err)
	}

	// Every buyer gets a valid quotation first
	checkouts := make([]*domain.Checkout, 0, totalBuyers)
	for i := 0; i < totalBuyers; i++ {
		userID := int64(firstBuyerID + i)
		if err := cartService.Clear(ctx, userID); err != nil {
			fatal("clear cart: %v", err)
		}
		if _, err := cartService.AddLine(ctx, userID, service.AddLineRequest{
			Kind:   domain.LineKindWorkshop,
			ItemID: workshopID,
		}); err != nil {
			fatal("add line: %v", err)
		}
		c, err := checkoutService.Prepare(ctx, userID)
		if err != nil {
			fatal("prepare checkout: %v", err)
		}
		checkouts = append(checkouts, c)
	}

	var applied, duplicates, rejected, failed atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	for _, c := range checkouts {
		n := domain.Notification{
			PaymentID:  "STRESS-" + uuid.NewString(),
			CheckoutID: c.ID,
			UserID:     c.Quotation.UserID,
		}
		for j := 0; j < notifyCopies; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()

				res, err := paymentService.HandleNotification(ctx, n)
				switch {
				case err == nil && res.Outcome == domain.OutcomeApplied:
					applied.Add(1)
				case err == nil:
					duplicates.Add(1)
				case errors.Is(err, service.ErrUnavailable):
					// sold out, or a later copy finding the cleared cart
					rejected.Add(1)
				default:
					failed.Add(1)
					log.Error("notification failed", "checkout_id", n.CheckoutID, "error", err)
				}
			}()
		}
	}

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Seats:            %d\n", seats)
	fmt.Printf("Buyers:           %d\n", totalBuyers)
	fmt.Printf("Notifications:    %d\n", totalBuyers*notifyCopies)
	fmt.Printf("Applied:          %d\n", applied.Load())
	fmt.Printf("Duplicates:       %d\n", duplicates.Load())
	fmt.Printf("Rejected:         %d\n", rejected.Load())
	fmt.Printf("Errors:           %d\n", failed.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if applied.Load() == seats {
		fmt.Printf("PASS: exactly %d reservations applied\n", seats)
	} else {
		fmt.Printf("FAIL: expected %d applied, got %d\n", seats, applied.Load())
	}

	w, err := mysqlAdapter.GetWorkshop(ctx, workshopID)
	if err != nil {
		fatal("get workshop: %v", err)
	}
	fmt.Printf("Remaining seats:  %d\n", w.RemainingCapacity)
	if w.RemainingCapacity == 0 {
		fmt.Println("PASS: capacity depleted to 0")
	} else {
		fmt.Printf("FAIL: expected 0 seats left, got %d\n", w.RemainingCapacity)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
