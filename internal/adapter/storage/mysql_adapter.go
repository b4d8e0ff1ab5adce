package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/order-lifecycle/internal/core/domain"
)

// ErrOptimisticLock is kept for callers that match on the storage error; it
// is the stock conflict of the domain.
var ErrOptimisticLock = domain.ErrStockConflict

const mysqlDuplicateEntry = 1062

var schema = []string{
	`CREATE TABLE IF NOT EXISTS inventory (
		product_id VARCHAR(64) PRIMARY KEY,
		stock INT NOT NULL,
		version INT NOT NULL DEFAULT 0,
		created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id VARCHAR(64) PRIMARY KEY,
		number VARCHAR(64) NOT NULL,
		user_id VARCHAR(64) NOT NULL,
		subtotal DECIMAL(14,2) NOT NULL,
		shipping DECIMAL(14,2) NOT NULL,
		tax DECIMAL(14,2) NOT NULL,
		discount DECIMAL(14,2) NOT NULL,
		coupon_discount DECIMAL(14,2) NOT NULL,
		total DECIMAL(14,2) NOT NULL,
		payment_method VARCHAR(16) NOT NULL,
		payment_status VARCHAR(32) NOT NULL,
		status VARCHAR(32) NOT NULL,
		placed_at DATETIME(6) NULL,
		processed_at DATETIME(6) NULL,
		shipped_at DATETIME(6) NULL,
		delivered_at DATETIME(6) NULL,
		cancelled_at DATETIME(6) NULL,
		returned_at DATETIME(6) NULL,
		return_requested_at DATETIME(6) NULL,
		cancellation_reason TEXT NOT NULL,
		return_reason TEXT NOT NULL,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		version INT NOT NULL DEFAULT 0,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		INDEX idx_orders_user (user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		id VARCHAR(64) NOT NULL,
		order_id VARCHAR(64) NOT NULL,
		position INT NOT NULL,
		product_id VARCHAR(64) NOT NULL,
		price DECIMAL(14,2) NOT NULL,
		quantity INT NOT NULL,
		price_breakdown JSON NULL,
		status VARCHAR(32) NOT NULL,
		cancelled_at DATETIME(6) NULL,
		cancellation_reason TEXT NOT NULL,
		return_requested_at DATETIME(6) NULL,
		returned_at DATETIME(6) NULL,
		return_reason TEXT NOT NULL,
		return_rejection_reason TEXT NOT NULL,
		PRIMARY KEY (order_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS wallets (
		id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL UNIQUE,
		balance DECIMAL(14,2) NOT NULL,
		version INT NOT NULL DEFAULT 0,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS wallet_transactions (
		id VARCHAR(64) PRIMARY KEY,
		wallet_id VARCHAR(64) NOT NULL,
		type VARCHAR(8) NOT NULL,
		amount DECIMAL(14,2) NOT NULL,
		order_id VARCHAR(64) NOT NULL,
		refund_scope VARCHAR(32) NULL,
		refund_item_id VARCHAR(64) NULL,
		refund_key VARCHAR(200) NULL UNIQUE,
		reason TEXT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		INDEX idx_wallet_transactions_wallet (wallet_id, created_at)
	)`,
}

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// Migrate creates the tables used by the adapter if they do not exist.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) CreateOrder(ctx context.Context, order domain.Order) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, number, user_id, subtotal, shipping, tax, discount, coupon_discount, total,
			payment_method, payment_status, status, placed_at, processed_at, shipped_at, delivered_at,
			cancelled_at, returned_at, return_requested_at, cancellation_reason, return_reason,
			is_deleted, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.Number, order.UserID, order.Subtotal, order.Shipping, order.Tax, order.Discount,
		order.CouponDiscount, order.Total, order.PaymentMethod, order.PaymentStatus, order.Status,
		nullTime(order.PlacedAt), nullTime(order.ProcessedAt), nullTime(order.ShippedAt),
		nullTime(order.DeliveredAt), nullTime(order.CancelledAt), nullTime(order.ReturnedAt),
		nullTime(order.ReturnRequestedAt), order.CancellationReason, order.ReturnReason,
		order.IsDeleted, order.Version, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for pos, item := range order.Items {
		breakdown, err := encodeBreakdown(item.PriceBreakdown)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, position, product_id, price, quantity, price_breakdown,
				status, cancelled_at, cancellation_reason, return_requested_at, returned_at,
				return_reason, return_rejection_reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, order.ID, pos, item.ProductID, item.Price, item.Quantity, breakdown,
			item.Status, nullTime(item.CancelledAt), item.CancellationReason,
			nullTime(item.ReturnRequestedAt), nullTime(item.ReturnedAt),
			item.ReturnReason, item.ReturnRejectionReason,
		)
		if err != nil {
			return fmt.Errorf("insert order item %s: %w", item.ID, err)
		}
	}

	return tx.Commit()
}

func (m *MySQLAdapter) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var (
		order                                 domain.Order
		placed, processed, shipped, delivered sql.NullTime
		cancelled, returned, returnRequested  sql.NullTime
		paymentMethod, paymentStatus, status  string
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT id, number, user_id, subtotal, shipping, tax, discount, coupon_discount, total,
			payment_method, payment_status, status, placed_at, processed_at, shipped_at, delivered_at,
			cancelled_at, returned_at, return_requested_at, cancellation_reason, return_reason,
			is_deleted, version, created_at, updated_at
		FROM orders WHERE id = ?`, orderID,
	).Scan(&order.ID, &order.Number, &order.UserID, &order.Subtotal, &order.Shipping, &order.Tax,
		&order.Discount, &order.CouponDiscount, &order.Total, &paymentMethod, &paymentStatus, &status,
		&placed, &processed, &shipped, &delivered, &cancelled, &returned, &returnRequested,
		&order.CancellationReason, &order.ReturnReason, &order.IsDeleted, &order.Version,
		&order.CreatedAt, &order.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}

	order.PaymentMethod = domain.PaymentMethod(paymentMethod)
	order.PaymentStatus = domain.PaymentStatus(paymentStatus)
	order.Status = domain.OrderStatus(status)
	order.PlacedAt = timePtr(placed)
	order.ProcessedAt = timePtr(processed)
	order.ShippedAt = timePtr(shipped)
	order.DeliveredAt = timePtr(delivered)
	order.CancelledAt = timePtr(cancelled)
	order.ReturnedAt = timePtr(returned)
	order.ReturnRequestedAt = timePtr(returnRequested)

	items, err := m.loadItems(ctx, orderID)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return &order, nil
}

func (m *MySQLAdapter) loadItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, product_id, price, quantity, price_breakdown, status, cancelled_at, cancellation_reason,
			return_requested_at, returned_at, return_reason, return_rejection_reason
		FROM order_items WHERE order_id = ? ORDER BY position`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var (
			item                                 domain.OrderItem
			breakdown                            sql.NullString
			status                               string
			cancelled, returnRequested, returned sql.NullTime
		)
		if err := rows.Scan(&item.ID, &item.ProductID, &item.Price, &item.Quantity, &breakdown, &status,
			&cancelled, &item.CancellationReason, &returnRequested, &returned,
			&item.ReturnReason, &item.ReturnRejectionReason); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		if breakdown.Valid && breakdown.String != "" {
			var pb domain.PriceBreakdown
			if err := json.Unmarshal([]byte(breakdown.String), &pb); err != nil {
				return nil, fmt.Errorf("decode price breakdown of item %s: %w", item.ID, err)
			}
			item.PriceBreakdown = &pb
		}
		item.Status = domain.ItemStatus(status)
		item.CancelledAt = timePtr(cancelled)
		item.ReturnRequestedAt = timePtr(returnRequested)
		item.ReturnedAt = timePtr(returned)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (m *MySQLAdapter) SaveOrder(ctx context.Context, order *domain.Order) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET payment_status = ?, status = ?, placed_at = ?, processed_at = ?, shipped_at = ?,
			delivered_at = ?, cancelled_at = ?, returned_at = ?, return_requested_at = ?,
			cancellation_reason = ?, return_reason = ?, is_deleted = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		order.PaymentStatus, order.Status, nullTime(order.PlacedAt), nullTime(order.ProcessedAt),
		nullTime(order.ShippedAt), nullTime(order.DeliveredAt), nullTime(order.CancelledAt),
		nullTime(order.ReturnedAt), nullTime(order.ReturnRequestedAt), order.CancellationReason,
		order.ReturnReason, order.IsDeleted, order.UpdatedAt, order.ID, order.Version,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s at version %d", domain.ErrOrderConflict, order.ID, order.Version)
	}

	for _, item := range order.Items {
		_, err := tx.ExecContext(ctx, `
			UPDATE order_items
			SET status = ?, cancelled_at = ?, cancellation_reason = ?, return_requested_at = ?,
				returned_at = ?, return_reason = ?, return_rejection_reason = ?
			WHERE order_id = ? AND id = ?`,
			item.Status, nullTime(item.CancelledAt), item.CancellationReason,
			nullTime(item.ReturnRequestedAt), nullTime(item.ReturnedAt), item.ReturnReason,
			item.ReturnRejectionReason, order.ID, item.ID,
		)
		if err != nil {
			return fmt.Errorf("update order item %s: %w", item.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit order: %w", err)
	}
	order.Version++
	return nil
}

func (m *MySQLAdapter) GetWallet(ctx context.Context, userID string) (*domain.Wallet, error) {
	var wallet domain.Wallet
	err := m.db.QueryRowContext(ctx, `
		SELECT id, user_id, balance, version, created_at, updated_at
		FROM wallets WHERE user_id = ?`, userID,
	).Scan(&wallet.ID, &wallet.UserID, &wallet.Balance, &wallet.Version, &wallet.CreatedAt, &wallet.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", domain.ErrWalletNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("query wallet: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, type, amount, order_id, refund_scope, refund_item_id, reason, created_at
		FROM wallet_transactions WHERE wallet_id = ? ORDER BY created_at, id`, wallet.ID)
	if err != nil {
		return nil, fmt.Errorf("query wallet transactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			txn         domain.Transaction
			txnType     string
			scope, item sql.NullString
		)
		if err := rows.Scan(&txn.ID, &txnType, &txn.Amount, &txn.OrderID, &scope, &item, &txn.Reason, &txn.Date); err != nil {
			return nil, fmt.Errorf("scan wallet transaction: %w", err)
		}
		txn.Type = domain.TransactionType(txnType)
		if scope.Valid {
			txn.RefundKey = &domain.RefundKey{
				OrderID: txn.OrderID,
				Scope:   domain.RefundScope(scope.String),
				ItemID:  item.String,
			}
		}
		wallet.Transactions = append(wallet.Transactions, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &wallet, nil
}

// SaveWallet writes balance and any transactions not yet stored in a single
// transaction. A new wallet (version 0 and unknown to the store) is inserted.
func (m *MySQLAdapter) SaveWallet(ctx context.Context, wallet *domain.Wallet) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET balance = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		wallet.Balance, wallet.UpdatedAt, wallet.ID, wallet.Version,
	)
	if err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		if wallet.Version != 0 {
			return fmt.Errorf("%w: user %s at version %d", domain.ErrWalletConflict, wallet.UserID, wallet.Version)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO wallets (id, user_id, balance, version, created_at, updated_at)
			VALUES (?, ?, ?, 1, ?, ?)`,
			wallet.ID, wallet.UserID, wallet.Balance, wallet.CreatedAt, wallet.UpdatedAt,
		)
		if isDuplicate(err) {
			return fmt.Errorf("%w: wallet for user %s created concurrently", domain.ErrWalletConflict, wallet.UserID)
		}
		if err != nil {
			return fmt.Errorf("insert wallet: %w", err)
		}
	}

	stored, err := storedTransactionIDs(ctx, tx, wallet.ID)
	if err != nil {
		return err
	}
	for _, txn := range wallet.Transactions {
		if _, ok := stored[txn.ID]; ok {
			continue
		}
		var scope, itemID, key sql.NullString
		if txn.RefundKey != nil {
			scope = sql.NullString{String: string(txn.RefundKey.Scope), Valid: true}
			itemID = sql.NullString{String: txn.RefundKey.ItemID, Valid: true}
			key = sql.NullString{String: txn.RefundKey.String(), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO wallet_transactions (id, wallet_id, type, amount, order_id, refund_scope,
				refund_item_id, refund_key, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			txn.ID, wallet.ID, txn.Type, txn.Amount, txn.OrderID, scope, itemID, key, txn.Reason, txn.Date,
		)
		if isDuplicate(err) {
			return fmt.Errorf("%w: refund %s already recorded", domain.ErrWalletConflict, key.String)
		}
		if err != nil {
			return fmt.Errorf("insert wallet transaction: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit wallet: %w", err)
	}
	wallet.Version++
	return nil
}

func storedTransactionIDs(ctx context.Context, tx *sql.Tx, walletID string) (map[string]struct{}, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM wallet_transactions WHERE wallet_id = ?`, walletID)
	if err != nil {
		return nil, fmt.Errorf("query stored transactions: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

func (m *MySQLAdapter) GetInventory(ctx context.Context, productID string) (*domain.Inventory, error) {
	var inv domain.Inventory
	err := m.db.QueryRowContext(ctx, `
		SELECT product_id, stock, version, created_at, updated_at
		FROM inventory WHERE product_id = ?`, productID,
	).Scan(&inv.ProductID, &inv.Quantity, &inv.Version, &inv.CreatedAt, &inv.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query inventory: %w", err)
	}

	return &inv, nil
}

func (m *MySQLAdapter) UpdateInventory(ctx context.Context, inv domain.Inventory) error {
	result, err := m.db.ExecContext(ctx, `
		UPDATE inventory
		SET stock = ?, version = version + 1, updated_at = NOW(6)
		WHERE product_id = ? AND version = ?`,
		inv.Quantity, inv.ProductID, inv.Version,
	)
	if err != nil {
		return fmt.Errorf("update inventory: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOptimisticLock
	}

	return nil
}

func encodeBreakdown(pb *domain.PriceBreakdown) (sql.NullString, error) {
	if pb == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(pb)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode price breakdown: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	return err != nil && strings.Contains(err.Error(), "Duplicate entry")
}
