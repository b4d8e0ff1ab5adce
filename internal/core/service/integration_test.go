package service_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/order-lifecycle/internal/adapter/storage"
	"github.com/rl1809/order-lifecycle/internal/core/domain"
	"github.com/rl1809/order-lifecycle/internal/core/service"
)

type integrationEnv struct {
	redis   *redis.Client
	mysql   *sql.DB
	db      *storage.MySQLAdapter
	cache   *storage.RedisAdapter
	service *service.OrderService
}

func setupIntegrationEnv(t *testing.T) *integrationEnv {
	t.Helper()
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		mysqlDSN = "root:root@tcp(localhost:3306)/orders?parseTime=true&loc=UTC"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	db, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	t.Cleanup(func() {
		rdb.Close()
		db.Close()
	})

	adapter := storage.NewMySQLAdapter(db)
	if err := adapter.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	cache := storage.NewRedisAdapter(rdb)
	svc, err := service.NewOrderService(service.OrderServiceDeps{
		Orders:  adapter,
		Wallets: adapter,
		Stock:   adapter,
		Cache:   cache,
	})
	if err != nil {
		t.Fatalf("service setup failed: %v", err)
	}
	return &integrationEnv{redis: rdb, mysql: db, db: adapter, cache: cache, service: svc}
}

func (e *integrationEnv) seedStock(t *testing.T, productID string, stock int) {
	t.Helper()
	ctx := context.Background()
	_, err := e.mysql.ExecContext(ctx, `
		INSERT INTO inventory (product_id, stock, version) VALUES (?, ?, 0)
		ON DUPLICATE KEY UPDATE stock = ?, version = 0`, productID, stock, stock)
	if err != nil {
		t.Fatalf("seed inventory failed: %v", err)
	}
	if err := e.cache.SetStock(ctx, productID, stock); err != nil {
		t.Fatalf("seed stock mirror failed: %v", err)
	}
}

func integrationOrder(status domain.OrderStatus) domain.Order {
	now := time.Now().UTC().Truncate(time.Microsecond)
	delivered := now.Add(-24 * time.Hour)
	id := uuid.NewString()
	order := domain.Order{
		ID:            id,
		Number:        id[:8],
		UserID:        "it-" + id[:8],
		Subtotal:      decimal.RequireFromString("300"),
		Shipping:      decimal.RequireFromString("15"),
		Total:         decimal.RequireFromString("315"),
		PaymentMethod: domain.PaymentMethodCard,
		PaymentStatus: domain.PaymentStatusPaid,
		Status:        status,
		PlacedAt:      &delivered,
		Items: []domain.OrderItem{
			{ID: "i1", ProductID: "it-p1-" + id[:8], Price: decimal.RequireFromString("200"), Quantity: 1, Status: domain.ItemStatusActive},
			{ID: "i2", ProductID: "it-p2-" + id[:8], Price: decimal.RequireFromString("50"), Quantity: 2, Status: domain.ItemStatusActive},
		},
		CreatedAt: delivered,
		UpdatedAt: now,
	}
	if status == domain.OrderStatusDelivered {
		order.DeliveredAt = &delivered
	}
	return order
}

func TestIntegration_CancelItemThenOrder(t *testing.T) {
	env := setupIntegrationEnv(t)
	ctx := context.Background()

	order := integrationOrder(domain.OrderStatusPlaced)
	env.seedStock(t, order.Items[0].ProductID, 5)
	env.seedStock(t, order.Items[1].ProductID, 5)
	if err := env.db.CreateOrder(ctx, order); err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	res, err := env.service.CancelItem(ctx, order.ID, "i2", "changed my mind")
	if err != nil {
		t.Fatalf("CancelItem failed: %v", err)
	}
	if !res.RefundAmount.Equal(decimal.RequireFromString("105")) {
		t.Errorf("expected item refund 105, got %s", res.RefundAmount)
	}
	if res.OrderStatus != domain.OrderStatusPartiallyCancelled {
		t.Errorf("expected partially_cancelled, got %s", res.OrderStatus)
	}

	res, err = env.service.CancelOrder(ctx, order.ID, "no longer needed")
	if err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	if !res.RefundAmount.Equal(decimal.RequireFromString("210")) {
		t.Errorf("expected remaining refund 210, got %s", res.RefundAmount)
	}
	if res.PaymentStatus != domain.PaymentStatusRefunded {
		t.Errorf("expected refunded, got %s", res.PaymentStatus)
	}

	wallet, err := env.db.GetWallet(ctx, order.UserID)
	if err != nil {
		t.Fatalf("GetWallet failed: %v", err)
	}
	if !wallet.Balance.Equal(order.Total) {
		t.Errorf("expected balance %s, got %s", order.Total, wallet.Balance)
	}
	if len(wallet.Transactions) != 2 {
		t.Errorf("expected 2 credits, got %d", len(wallet.Transactions))
	}

	inv, err := env.db.GetInventory(ctx, order.Items[1].ProductID)
	if err != nil || inv == nil {
		t.Fatalf("GetInventory failed: %v", err)
	}
	if inv.Quantity != 7 {
		t.Errorf("expected stock 7 after restoring 2 units, got %d", inv.Quantity)
	}
	mirror, err := env.redis.Get(ctx, "stock:"+order.Items[1].ProductID).Int()
	if err != nil {
		t.Fatalf("read stock mirror failed: %v", err)
	}
	if mirror != 7 {
		t.Errorf("expected mirror 7, got %d", mirror)
	}
}

func TestIntegration_ConcurrentApprovalsCreditOnce(t *testing.T) {
	env := setupIntegrationEnv(t)
	ctx := context.Background()

	order := integrationOrder(domain.OrderStatusDelivered)
	env.seedStock(t, order.Items[0].ProductID, 0)
	env.seedStock(t, order.Items[1].ProductID, 0)
	if err := env.db.CreateOrder(ctx, order); err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if _, err := env.service.RequestItemReturn(ctx, order.ID, "i1", "damaged"); err != nil {
		t.Fatalf("RequestItemReturn failed: %v", err)
	}

	const workers = 20
	var credited, replayed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.service.ApproveReturn(ctx, order.ID, "i1", true, "")
			if errors.Is(err, domain.ErrOrderBusy) {
				return
			}
			if err != nil {
				t.Errorf("ApproveReturn failed: %v", err)
				return
			}
			if res.RefundReplayed {
				replayed.Add(1)
			} else if res.RefundAmount.IsPositive() {
				credited.Add(1)
			}
		}()
	}
	wg.Wait()

	if credited.Load() != 1 {
		t.Errorf("expected exactly one credit, got %d (replayed %d)", credited.Load(), replayed.Load())
	}

	wallet, err := env.db.GetWallet(ctx, order.UserID)
	if err != nil {
		t.Fatalf("GetWallet failed: %v", err)
	}
	if !wallet.RefundedForOrder(order.ID).Equal(decimal.RequireFromString("210")) {
		t.Errorf("expected refunds 210, got %s", wallet.RefundedForOrder(order.ID))
	}

	stored, err := env.service.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if stored.Status != domain.OrderStatusPartiallyReturned {
		t.Errorf("expected partially_returned, got %s", stored.Status)
	}
}
