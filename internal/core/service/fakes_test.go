package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/order-lifecycle/internal/core/domain"
)

// Mock OrderRepository
type mockOrderRepo struct {
	mu        sync.Mutex
	orders    map[string]domain.Order
	saveErr   error
	saveCalls int
}

func newMockOrderRepo(orders ...domain.Order) *mockOrderRepo {
	repo := &mockOrderRepo{orders: make(map[string]domain.Order)}
	for _, o := range orders {
		repo.orders[o.ID] = o.Clone()
	}
	return repo
}

func (m *mockOrderRepo) CreateOrder(ctx context.Context, order domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = order.Clone()
	return nil
}

func (m *mockOrderRepo) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}
	out := order.Clone()
	return &out, nil
}

func (m *mockOrderRepo) SaveOrder(ctx context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCalls++
	if m.saveErr != nil {
		return m.saveErr
	}
	stored := m.orders[order.ID]
	if stored.Version != order.Version {
		return domain.ErrOrderConflict
	}
	order.Version++
	m.orders[order.ID] = order.Clone()
	return nil
}

func (m *mockOrderRepo) get(orderID string) domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[orderID].Clone()
}

// Mock WalletRepository
type mockWalletRepo struct {
	mu        sync.Mutex
	wallets   map[string]domain.Wallet
	saveErr   error
	conflicts int // SaveWallet calls that fail with a version conflict
	saves     int
}

func newMockWalletRepo() *mockWalletRepo {
	return &mockWalletRepo{wallets: make(map[string]domain.Wallet)}
}

func (m *mockWalletRepo) GetWallet(ctx context.Context, userID string) (*domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		return nil, domain.ErrWalletNotFound
	}
	out := copyWallet(w)
	return &out, nil
}

func (m *mockWalletRepo) SaveWallet(ctx context.Context, wallet *domain.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if m.conflicts > 0 {
		m.conflicts--
		return domain.ErrWalletConflict
	}
	if stored, ok := m.wallets[wallet.UserID]; ok && stored.Version != wallet.Version {
		return domain.ErrWalletConflict
	}
	wallet.Version++
	m.wallets[wallet.UserID] = copyWallet(*wallet)
	m.saves++
	return nil
}

func (m *mockWalletRepo) wallet(userID string) (domain.Wallet, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	return copyWallet(w), ok
}

func copyWallet(w domain.Wallet) domain.Wallet {
	w.Transactions = append([]domain.Transaction(nil), w.Transactions...)
	return w
}

// Mock StockRepository
type mockStockRepo struct {
	mu         sync.Mutex
	stock      map[string]domain.Inventory
	conflictOn map[string]bool
}

func newMockStockRepo(levels map[string]int) *mockStockRepo {
	repo := &mockStockRepo{stock: make(map[string]domain.Inventory), conflictOn: make(map[string]bool)}
	for id, qty := range levels {
		repo.stock[id] = domain.Inventory{ProductID: id, Quantity: qty}
	}
	return repo
}

func (m *mockStockRepo) GetInventory(ctx context.Context, productID string) (*domain.Inventory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.stock[productID]
	if !ok {
		return nil, nil
	}
	return &inv, nil
}

func (m *mockStockRepo) UpdateInventory(ctx context.Context, inv domain.Inventory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflictOn[inv.ProductID] {
		return domain.ErrStockConflict
	}
	stored := m.stock[inv.ProductID]
	if stored.Version != inv.Version {
		return domain.ErrStockConflict
	}
	inv.Version++
	m.stock[inv.ProductID] = inv
	return nil
}

func (m *mockStockRepo) level(productID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stock[productID].Quantity
}

// Mock CacheRepository
type mockCacheRepo struct {
	mu     sync.Mutex
	locks  map[string]string
	mirror map[string]int
	seq    int
}

func newMockCacheRepo() *mockCacheRepo {
	return &mockCacheRepo{locks: make(map[string]string), mirror: make(map[string]int)}
}

func (m *mockCacheRepo) IncrementStock(ctx context.Context, productID string, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mirror[productID] += quantity
	return nil
}

func (m *mockCacheRepo) AcquireOrderLock(ctx context.Context, orderID string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[orderID]; held {
		return "", false, nil
	}
	m.seq++
	token := fmt.Sprintf("token-%d", m.seq)
	m.locks[orderID] = token
	return token, true, nil
}

func (m *mockCacheRepo) ReleaseOrderLock(ctx context.Context, orderID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[orderID] == token {
		delete(m.locks, orderID)
	}
	return nil
}

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func item(id, productID, price string, qty int) domain.OrderItem {
	return domain.OrderItem{
		ID:        id,
		ProductID: productID,
		Price:     money(price),
		Quantity:  qty,
		Status:    domain.ItemStatusActive,
	}
}

// newOrder builds a placed order whose subtotal is the sum of its lines and
// whose total carries no tax, shipping or discount.
func newOrder(id string, method domain.PaymentMethod, payment domain.PaymentStatus, items ...domain.OrderItem) domain.Order {
	subtotal := decimal.Zero
	for _, it := range items {
		subtotal = subtotal.Add(it.FinalPrice())
	}
	placed := testNow.Add(-48 * time.Hour)
	return domain.Order{
		ID:             id,
		Number:         "100" + id,
		UserID:         "user-" + id,
		Subtotal:       subtotal,
		Shipping:       decimal.Zero,
		Tax:            decimal.Zero,
		Discount:       decimal.Zero,
		CouponDiscount: decimal.Zero,
		Total:          subtotal,
		PaymentMethod:  method,
		PaymentStatus:  payment,
		Status:         domain.OrderStatusPlaced,
		PlacedAt:       &placed,
		Items:          items,
		CreatedAt:      placed,
		UpdatedAt:      placed,
	}
}

func delivered(order domain.Order, at time.Time) domain.Order {
	order.Status = domain.OrderStatusDelivered
	order.DeliveredAt = &at
	return order
}

type testEnv struct {
	orders  *mockOrderRepo
	wallets *mockWalletRepo
	stock   *mockStockRepo
	cache   *mockCacheRepo
	svc     *OrderService
	now     time.Time
}

func newTestEnv(orders ...domain.Order) *testEnv {
	levels := make(map[string]int)
	for _, o := range orders {
		for _, it := range o.Items {
			levels[it.ProductID] = 10
		}
	}
	env := &testEnv{
		orders:  newMockOrderRepo(orders...),
		wallets: newMockWalletRepo(),
		stock:   newMockStockRepo(levels),
		cache:   newMockCacheRepo(),
		now:     testNow,
	}
	var seq atomic.Int64
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:  env.orders,
		Wallets: env.wallets,
		Stock:   env.stock,
		Cache:   env.cache,
		Clock:   func() time.Time { return env.now },
		IDGenerator: func() string {
			return fmt.Sprintf("txn-%d", seq.Add(1))
		},
	})
	if err != nil {
		panic(err)
	}
	env.svc = svc
	return env
}
