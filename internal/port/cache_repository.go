package port

import (
	"context"
	"time"
)

type CacheRepository interface {
	// IncrementStock mirrors a committed stock restoration into the storefront counter
	IncrementStock(ctx context.Context, productID string, quantity int) error

	// AcquireOrderLock takes the per-order lock, returns false if another holder has it
	AcquireOrderLock(ctx context.Context, orderID string, ttl time.Duration) (string, bool, error)

	// ReleaseOrderLock releases the lock only if token still owns it
	ReleaseOrderLock(ctx context.Context, orderID, token string) error
}
