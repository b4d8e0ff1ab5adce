package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/order-lifecycle/internal/adapter/storage"
	"github.com/rl1809/order-lifecycle/internal/config"
	"github.com/rl1809/order-lifecycle/internal/core/domain"
	"github.com/rl1809/order-lifecycle/internal/core/service"
	"github.com/rl1809/order-lifecycle/internal/observability"
)

const totalApprovals = 50

// Fires concurrent approvals of the same pending return and checks that the
// customer's wallet was credited exactly once.
func main() {
	cfg := config.Load()
	logger, err := observability.NewLogger("warn")
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()

	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		logger.Fatal("failed to open mysql", zap.Error(err))
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal("failed to ping mysql", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, PoolSize: cfg.RedisPoolSize})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to connect redis", zap.Error(err))
	}
	defer rdb.Close()

	mysqlAdapter := storage.NewMySQLAdapter(db)
	if err := mysqlAdapter.Migrate(ctx); err != nil {
		logger.Fatal("failed to migrate schema", zap.Error(err))
	}

	orderService, err := service.NewOrderService(service.OrderServiceDeps{
		Orders:  mysqlAdapter,
		Wallets: mysqlAdapter,
		Stock:   mysqlAdapter,
		Cache:   storage.NewRedisAdapter(rdb),
		Logger:  logger,
		LockTTL: cfg.OrderLockTTL,
	})
	if err != nil {
		logger.Fatal("failed to build order service", zap.Error(err))
	}

	order := seedOrder()
	if err := mysqlAdapter.CreateOrder(ctx, order); err != nil {
		logger.Fatal("failed to seed order", zap.Error(err))
	}

	var creditedCount atomic.Int32
	var replayedCount atomic.Int32
	var busyCount atomic.Int32
	var failCount atomic.Int32

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalApprovals; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			res, err := orderService.ApproveReturn(ctx, order.ID, "item-a", true, "")
			switch {
			case errors.Is(err, domain.ErrOrderBusy):
				busyCount.Add(1)
			case err != nil:
				failCount.Add(1)
			case res.RefundReplayed:
				replayedCount.Add(1)
			case res.RefundAmount.IsPositive():
				creditedCount.Add(1)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println("========== REFUND RACE RESULTS ==========")
	fmt.Printf("Order:            %s\n", order.ID)
	fmt.Printf("Total Approvals:  %d\n", totalApprovals)
	fmt.Printf("Credited:         %d\n", creditedCount.Load())
	fmt.Printf("Replayed:         %d\n", replayedCount.Load())
	fmt.Printf("Busy:             %d\n", busyCount.Load())
	fmt.Printf("Failed:           %d\n", failCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	passed := true
	if creditedCount.Load() != 1 {
		fmt.Printf("FAIL: Expected exactly 1 credit, got %d\n", creditedCount.Load())
		passed = false
	} else {
		fmt.Println("PASS: Exactly 1 approval credited the wallet")
	}

	wallet, err := mysqlAdapter.GetWallet(ctx, order.UserID)
	if err != nil {
		logger.Fatal("failed to load wallet", zap.Error(err))
	}
	want := decimal.RequireFromString("60")
	refunded := wallet.RefundedForOrder(order.ID)
	fmt.Printf("Wallet Refunds:   %s\n", refunded.StringFixed(2))
	if refunded.Equal(want) {
		fmt.Println("PASS: Wallet holds a single 60.00 refund")
	} else {
		fmt.Printf("FAIL: Expected refunds %s, got %s\n", want.StringFixed(2), refunded.StringFixed(2))
		passed = false
	}

	if !passed {
		os.Exit(1)
	}
}

// seedOrder builds a delivered prepaid order whose first item awaits return
// approval. Item a carries 60 of the 100 total.
func seedOrder() domain.Order {
	now := time.Now().UTC()
	delivered := now.Add(-48 * time.Hour)
	requested := now.Add(-time.Hour)
	id := uuid.NewString()

	return domain.Order{
		ID:            id,
		Number:        id[:8],
		UserID:        "race-" + id[:8],
		Subtotal:      decimal.RequireFromString("100"),
		Total:         decimal.RequireFromString("100"),
		PaymentMethod: domain.PaymentMethodCard,
		PaymentStatus: domain.PaymentStatusPaid,
		Status:        domain.OrderStatusPartiallyReturnRequested,
		PlacedAt:      &delivered,
		DeliveredAt:   &delivered,
		Items: []domain.OrderItem{
			{
				ID:                "item-a",
				ProductID:         "race-product-a",
				Price:             decimal.RequireFromString("30"),
				Quantity:          2,
				Status:            domain.ItemStatusReturnRequested,
				ReturnRequestedAt: &requested,
				ReturnReason:      "damaged",
			},
			{
				ID:        "item-b",
				ProductID: "race-product-b",
				Price:     decimal.RequireFromString("40"),
				Quantity:  1,
				Status:    domain.ItemStatusActive,
			},
		},
		CreatedAt: delivered,
		UpdatedAt: now,
	}
}
