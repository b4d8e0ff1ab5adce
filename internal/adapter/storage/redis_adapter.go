package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	stockKeyPrefix     = "stock:"
	orderLockKeyPrefix = "order_lock:"
)

// Deletes the lock only while the caller's token still owns it, so an
// expired holder cannot release a lock taken over by someone else.
var releaseLockScript = redis.NewScript(`
local key = KEYS[1]
local token = ARGV[1]

if redis.call('GET', key) == token then
	return redis.call('DEL', key)
end

return 0
`)

// Only increments counters that already exist; a missing key means the
// storefront has not loaded that product and the database stays the source.
var incrementStockScript = redis.NewScript(`
local key = KEYS[1]
local quantity = tonumber(ARGV[1])

if redis.call('EXISTS', key) == 0 then
	return 0
end

redis.call('INCRBY', key, quantity)
return 1
`)

type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) IncrementStock(ctx context.Context, productID string, quantity int) error {
	key := stockKeyPrefix + productID
	return incrementStockScript.Run(ctx, r.client, []string{key}, quantity).Err()
}

func (r *RedisAdapter) SetStock(ctx context.Context, productID string, quantity int) error {
	key := stockKeyPrefix + productID
	return r.client.Set(ctx, key, quantity, 0).Err()
}

func (r *RedisAdapter) AcquireOrderLock(ctx context.Context, orderID string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, orderLockKeyPrefix+orderID, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (r *RedisAdapter) ReleaseOrderLock(ctx context.Context, orderID, token string) error {
	return releaseLockScript.Run(ctx, r.client, []string{orderLockKeyPrefix + orderID}, token).Err()
}
