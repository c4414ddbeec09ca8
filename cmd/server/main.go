package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/rl1809/marketplace-checkout/internal/adapter/gateway"
	"github.com/rl1809/marketplace-checkout/internal/adapter/handler"
	"github.com/rl1809/marketplace-checkout/internal/adapter/messaging"
	"github.com/rl1809/marketplace-checkout/internal/adapter/storage"
	"github.com/rl1809/marketplace-checkout/internal/config"
	"github.com/rl1809/marketplace-checkout/internal/core/service"
	"github.com/rl1809/marketplace-checkout/internal/metrics"
	"github.com/rl1809/marketplace-checkout/internal/port"
)

const (
	healthCheckInterval = 15 * time.Second
	requeueBackoff      = 200 * time.Millisecond
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize MySQL
	db, err := storage.OpenMySQL(cfg.MySQLDSN)
	if err != nil {
		fatal(logger, "failed to open mysql", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		fatal(logger, "failed to ping mysql", err)
	}
	if err := storage.Migrate(db); err != nil {
		fatal(logger, "failed to migrate mysql", err)
	}
	logger.Info("connected to mysql")

	mysqlAdapter := storage.NewMySQLAdapter(db)
	pingers := map[string]handler.Pinger{"mysql": mysqlAdapter}

	// Correlation store, locks and webhook dedupe
	var (
		store      port.CheckoutStore
		locker     port.Locker
		deduper    port.EventDeduper
		rdb        *redis.Client
		memStore   *storage.MemoryCheckoutStore
		memDeduper *storage.MemoryDeduper
	)
	switch cfg.CheckoutStore {
	case "redis":
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			fatal(logger, "failed to connect redis", err)
		}
		logger.Info("connected to redis", "addr", cfg.RedisAddr)

		redisAdapter := storage.NewRedisAdapter(rdb, cfg.CheckoutTTL, cfg.LockTTL)
		store, locker, deduper = redisAdapter, redisAdapter, redisAdapter
		pingers["redis"] = redisAdapter
	default:
		memStore = storage.NewMemoryCheckoutStore(cfg.CheckoutTTL)
		memDeduper = storage.NewMemoryDeduper()
		store, locker, deduper = memStore, storage.NewMemoryLocker(), memDeduper
		logger.Warn("using in-process checkout store; state is lost on restart and not shared between replicas")
	}

	// Domain events
	var publisher port.EventPublisher = messaging.Discard{}
	var kafkaPublisher *messaging.KafkaPublisher
	if cfg.KafkaEnabled() {
		kafkaPublisher = messaging.NewKafkaPublisher(messaging.ParseBrokers(cfg.KafkaBrokers), cfg.KafkaEventsTopic, logger)
		publisher = kafkaPublisher
	}

	verifier := gateway.NewHTTPVerifier(gateway.Config{
		BaseURL:      cfg.GatewayBaseURL,
		ClientID:     cfg.GatewayClientID,
		ClientSecret: cfg.GatewayClientSecret,
		Timeout:      cfg.RequestTimeout,
	}, logger)

	// Initialize services
	cartService := service.NewCartService(mysqlAdapter, mysqlAdapter, logger)
	checkoutService := service.NewCheckoutService(mysqlAdapter, mysqlAdapter, mysqlAdapter, store, publisher, logger)
	subscriptionService := service.NewSubscriptionService(mysqlAdapter, locker, publisher, logger)
	reservationService := service.NewReservationService(mysqlAdapter, logger)
	paymentService := service.NewPaymentService(checkoutService, store, subscriptionService,
		verifier, locker, deduper, cfg.QueueSize, logger)

	serverMetrics := metrics.NewServerMetrics(func() float64 {
		return float64(len(paymentService.Queue()))
	})

	// Start worker pool
	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			workerLoop(id, paymentService, serverMetrics, cfg.MaxNotifyAttempts, cfg.RequestTimeout, logger)
		}(i)
	}
	logger.Info("started workers", "count", cfg.WorkerCount)

	// Background jobs stop with ctx
	var bg sync.WaitGroup
	if memStore != nil {
		bg.Add(1)
		go func() {
			defer bg.Done()
			sweepLoop(ctx, cfg.SweepInterval, memStore, memDeduper, logger)
		}()
	}

	var consumer *messaging.NotificationConsumer
	if cfg.KafkaEnabled() {
		consumer = messaging.NewNotificationConsumer(messaging.ParseBrokers(cfg.KafkaBrokers),
			cfg.KafkaNotificationTopic, cfg.KafkaGroupID, paymentService, logger)
		bg.Add(1)
		go func() {
			defer bg.Done()
			consumer.Run(ctx)
		}()
		logger.Info("consuming payment notifications", "topic", cfg.KafkaNotificationTopic)
	}

	// Initialize gRPC server
	grpcServer := grpc.NewServer()
	grpcHandler := handler.NewGRPCHandler(pingers, logger)
	grpcHandler.Register(grpcServer)
	bg.Add(1)
	go func() {
		defer bg.Done()
		grpcHandler.Watch(ctx, healthCheckInterval)
	}()

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		fatal(logger, "failed to listen", err)
	}

	go func() {
		logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", "error", err)
		}
	}()

	// Initialize HTTP server
	httpHandler := handler.NewHTTPHandler(handler.Services{
		Cart:          cartService,
		Checkout:      checkoutService,
		Payments:      paymentService,
		Subscriptions: subscriptionService,
		Reservations:  reservationService,
	}, serverMetrics, cfg.WebhookSecret, cfg.RequestTimeout, logger)
	if cfg.WebhookSecret == "" {
		logger.Warn("WEBHOOK_SECRET is empty; every webhook will be rejected")
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpHandler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	grpcHandler.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown", "error", err)
	}
	logger.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")

	// Stop intake, let workers drain the queue
	cancel()
	if consumer != nil {
		consumer.Close()
	}
	bg.Wait()
	paymentService.Close()
	wg.Wait()
	logger.Info("workers stopped")

	if kafkaPublisher != nil {
		if err := kafkaPublisher.Close(); err != nil {
			logger.Error("close kafka publisher", "error", err)
		}
	}
	if rdb != nil {
		rdb.Close()
	}
	db.Close()
	logger.Info("connections closed")
}

// workerLoop applies queued webhook notifications. Retryable failures go
// back on the queue until the attempt budget is spent. Each task gets
// taskTimeout, which stays below the lock TTL.
func workerLoop(id int, payments *service.PaymentService, m *metrics.ServerMetrics, maxAttempts int, taskTimeout time.Duration, log *slog.Logger) {
	log = log.With("worker", id)

	for task := range payments.Queue() {
		ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
		res, err := payments.Process(ctx, task)
		cancel()

		n := task.Notification
		switch {
		case err == nil:
			m.Outcome("notification", string(res.Outcome))
			log.Info("notification applied", "payment_id", n.PaymentID, "event_id", n.EventID, "outcome", res.Outcome)

		case service.IsRetryable(err) && task.Attempt+1 < maxAttempts:
			m.Outcome("notification", "retry")
			log.Warn("notification failed, requeueing", "payment_id", n.PaymentID,
				"attempt", task.Attempt+1, "error", err)
			time.Sleep(requeueBackoff * time.Duration(task.Attempt+1))
			if rqErr := payments.Requeue(task); rqErr != nil {
				m.Outcome("notification", "dropped")
				log.Error("CRITICAL notification dropped", "payment_id", n.PaymentID,
					"event_id", n.EventID, "error", rqErr)
			}

		default:
			m.Outcome("notification", "failed")
			log.Error("notification rejected", "payment_id", n.PaymentID, "event_id", n.EventID,
				"attempt", task.Attempt+1, "error", err)
		}
	}
}

func sweepLoop(ctx context.Context, every time.Duration, store *storage.MemoryCheckoutStore, deduper *storage.MemoryDeduper, log *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			checkouts := store.Sweep(now)
			events := deduper.Sweep(now)
			if checkouts > 0 || events > 0 {
				log.Debug("expired entries swept", "checkouts", checkouts, "events", events)
			}
		}
	}
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}
