package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/marketplace-checkout/internal/core/domain"
)

const (
	checkoutKeyPrefix = "checkout:"
	lockKeyPrefix     = "lock:"
	idempotencyKeyTTL = 24 * time.Hour

	defaultLockTTL   = 30 * time.Second
	lockRetryBackoff = 25 * time.Millisecond
)

// Deletes the lock only if it still holds our token.
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

type RedisAdapter struct {
	client      *redis.Client
	checkoutTTL time.Duration
	lockTTL     time.Duration
}

// NewRedisAdapter expires checkouts after checkoutTTL. Locks expire after
// lockTTL, which must outlast the longest critical section; zero selects
// the default.
func NewRedisAdapter(client *redis.Client, checkoutTTL, lockTTL time.Duration) *RedisAdapter {
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &RedisAdapter{
		client:      client,
		checkoutTTL: checkoutTTL,
		lockTTL:     lockTTL,
	}
}

func (r *RedisAdapter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Save stores the quotation under a random id that expires after the checkout TTL.
func (r *RedisAdapter) Save(ctx context.Context, q domain.Quotation) (string, error) {
	payload, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("marshal quotation: %w", err)
	}

	for range 3 {
		id := uuid.NewString()
		ok, err := r.client.SetNX(ctx, checkoutKeyPrefix+id, payload, r.checkoutTTL).Result()
		if err != nil {
			return "", err
		}
		if ok {
			return id, nil
		}
	}
	return "", errors.New("could not allocate checkout id")
}

func (r *RedisAdapter) Get(ctx context.Context, id string) (*domain.Quotation, error) {
	if strings.TrimSpace(id) == "" {
		return nil, nil
	}
	payload, err := r.client.Get(ctx, checkoutKeyPrefix+id).Bytes()
	return decodeQuotation(payload, err)
}

// Remove uses GETDEL so at most one caller receives the quotation.
func (r *RedisAdapter) Remove(ctx context.Context, id string) (*domain.Quotation, error) {
	if strings.TrimSpace(id) == "" {
		return nil, nil
	}
	payload, err := r.client.GetDel(ctx, checkoutKeyPrefix+id).Bytes()
	return decodeQuotation(payload, err)
}

func decodeQuotation(payload []byte, err error) (*domain.Quotation, error) {
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var q domain.Quotation
	if err := json.Unmarshal(payload, &q); err != nil {
		return nil, fmt.Errorf("unmarshal quotation: %w", err)
	}
	return &q, nil
}

// Lock spins on SET NX until the key is free or ctx is done. The lock
// expires on its own if the holder dies.
func (r *RedisAdapter) Lock(ctx context.Context, key string) (func(), error) {
	key = lockKeyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(lockRetryBackoff)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.lockTTL).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		// The caller's context may already be canceled.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		released, err := releaseLockScript.Run(ctx, r.client, []string{key}, token).Int()
		switch {
		case err != nil:
			slog.Warn("release lock", "key", key, "error", err)
		case released == 0:
			slog.Warn("lock expired before release", "key", key, "ttl", r.lockTTL)
		}
	}, nil
}

func (r *RedisAdapter) Seen(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}
