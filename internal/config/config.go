package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr string
	GRPCAddr string

	MySQLDSN  string
	RedisAddr string

	KafkaBrokers           string
	KafkaNotificationTopic string
	KafkaEventsTopic       string
	KafkaGroupID           string

	// CheckoutStore is "redis" or "memory"
	CheckoutStore string
	CheckoutTTL   time.Duration
	SweepInterval time.Duration
	// LockTTL bounds how long a crashed holder can block a checkout or
	// subscription lock. Must exceed RequestTimeout.
	LockTTL       time.Duration

	WebhookSecret string

	GatewayBaseURL      string
	GatewayClientID     string
	GatewayClientSecret string

	WorkerCount       int
	QueueSize         int
	MaxNotifyAttempts int
	RequestTimeout    time.Duration
	ShutdownTimeout   time.Duration
	LogLevel          slog.Level
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:               getenv("HTTP_ADDR", ":8080"),
		GRPCAddr:               getenv("GRPC_ADDR", ":50051"),
		MySQLDSN:               getenv("MYSQL_DSN", "root:root@tcp(localhost:3306)/checkout"),
		RedisAddr:              getenv("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers:           getenv("KAFKA_BROKERS", ""),
		KafkaNotificationTopic: getenv("KAFKA_NOTIFICATION_TOPIC", "payment.notifications"),
		KafkaEventsTopic:       getenv("KAFKA_EVENTS_TOPIC", "checkout.events"),
		KafkaGroupID:           getenv("KAFKA_GROUP_ID", "checkout-service"),
		CheckoutStore:          strings.ToLower(getenv("CHECKOUT_STORE", "redis")),
		WebhookSecret:          getenv("WEBHOOK_SECRET", ""),
		GatewayBaseURL:         getenv("GATEWAY_BASE_URL", "https://api-m.sandbox.paypal.com"),
		GatewayClientID:        getenv("GATEWAY_CLIENT_ID", ""),
		GatewayClientSecret:    getenv("GATEWAY_CLIENT_SECRET", ""),
	}

	var err error
	if cfg.CheckoutTTL, err = durationEnv("CHECKOUT_TTL", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = durationEnv("SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.LockTTL, err = durationEnv("LOCK_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = durationEnv("REQUEST_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = durationEnv("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.WorkerCount, err = intEnv("WORKER_COUNT", 10); err != nil {
		return nil, err
	}
	if cfg.QueueSize, err = intEnv("QUEUE_SIZE", 10000); err != nil {
		return nil, err
	}
	if cfg.MaxNotifyAttempts, err = intEnv("MAX_NOTIFY_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(getenv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	if cfg.CheckoutStore != "redis" && cfg.CheckoutStore != "memory" {
		return nil, fmt.Errorf("CHECKOUT_STORE must be redis or memory, got %q", cfg.CheckoutStore)
	}
	if cfg.WorkerCount < 1 || cfg.QueueSize < 1 {
		return nil, fmt.Errorf("WORKER_COUNT and QUEUE_SIZE must be positive")
	}
	if cfg.LockTTL <= cfg.RequestTimeout {
		return nil, fmt.Errorf("LOCK_TTL (%s) must exceed REQUEST_TIMEOUT (%s)", cfg.LockTTL, cfg.RequestTimeout)
	}

	return cfg, nil
}

func (c *Config) KafkaEnabled() bool {
	return strings.TrimSpace(c.KafkaBrokers) != ""
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}

func durationEnv(k string, def time.Duration) (time.Duration, error) {
	v := getenv(k, "")
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return d, nil
}

func intEnv(k string, def int) (int, error) {
	v := getenv(k, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return n, nil
}
