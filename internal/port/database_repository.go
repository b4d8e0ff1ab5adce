package port

import (
	"context"

	"github.com/rl1809/order-lifecycle/internal/core/domain"
)

type OrderRepository interface {
	// CreateOrder persists a new order together with its items
	CreateOrder(ctx context.Context, order domain.Order) error

	// GetOrder loads an order and its items, domain.ErrOrderNotFound if missing
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)

	// SaveOrder writes the order and its items as one unit with a version check,
	// domain.ErrOrderConflict on a stale version. The version is bumped in place.
	SaveOrder(ctx context.Context, order *domain.Order) error
}

type WalletRepository interface {
	// GetWallet loads a wallet with its transaction history, domain.ErrWalletNotFound if missing
	GetWallet(ctx context.Context, userID string) (*domain.Wallet, error)

	// SaveWallet writes balance and new transactions together with a version check,
	// domain.ErrWalletConflict on a stale version. The version is bumped in place.
	SaveWallet(ctx context.Context, wallet *domain.Wallet) error
}

type StockRepository interface {
	// GetInventory retrieves inventory by product ID, nil if the product is not tracked
	GetInventory(ctx context.Context, productID string) (*domain.Inventory, error)

	// UpdateInventory updates inventory with version check for optimistic locking
	UpdateInventory(ctx context.Context, inventory domain.Inventory) error
}
