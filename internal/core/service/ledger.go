package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/order-lifecycle/internal/core/domain"
	"github.com/rl1809/order-lifecycle/internal/port"
)

const ledgerMaxAttempts = 3

// LedgerEntry reports what the ledger did for a refund request.
type LedgerEntry struct {
	Transaction domain.Transaction
	Amount      decimal.Decimal
	Applied     bool // a new credit was written
	Replayed    bool // a credit for the same key already existed
}

// Ledger credits refunds to wallets at most once per refund key.
type Ledger struct {
	wallets port.WalletRepository
	logger  *zap.Logger
	clock   func() time.Time
	newID   func() string
}

func NewLedger(wallets port.WalletRepository, logger *zap.Logger, clock func() time.Time, newID func() string) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	return &Ledger{wallets: wallets, logger: logger, clock: clock, newID: newID}
}

// Apply credits amount to the order owner's wallet under key. The wallet is
// re-read on every attempt so the duplicate check never runs against a stale
// copy; a concurrent writer surfaces as a version conflict and the check is
// repeated.
func (l *Ledger) Apply(ctx context.Context, order domain.Order, key domain.RefundKey, amount decimal.Decimal) (LedgerEntry, error) {
	var lastErr error
	for attempt := 1; attempt <= ledgerMaxAttempts; attempt++ {
		entry, err := l.applyOnce(ctx, order, key, amount)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, domain.ErrWalletConflict) {
			return LedgerEntry{}, err
		}
		lastErr = err
		l.logger.Info("wallet changed during refund, retrying",
			zap.String("order_id", order.ID),
			zap.String("refund_key", key.String()),
			zap.Int("attempt", attempt),
		)
	}
	return LedgerEntry{}, lastErr
}

// Find returns the credit already recorded under key, if any.
func (l *Ledger) Find(ctx context.Context, order domain.Order, key domain.RefundKey) (LedgerEntry, bool, error) {
	wallet, err := l.wallets.GetWallet(ctx, order.UserID)
	if errors.Is(err, domain.ErrWalletNotFound) {
		return LedgerEntry{}, false, nil
	}
	if err != nil {
		return LedgerEntry{}, false, fmt.Errorf("load wallet: %w", err)
	}
	txn, ok := wallet.FindRefund(key)
	if !ok {
		return LedgerEntry{}, false, nil
	}
	return LedgerEntry{Transaction: txn, Amount: txn.Amount, Replayed: true}, true, nil
}

func (l *Ledger) applyOnce(ctx context.Context, order domain.Order, key domain.RefundKey, amount decimal.Decimal) (LedgerEntry, error) {
	wallet, err := l.wallets.GetWallet(ctx, order.UserID)
	if errors.Is(err, domain.ErrWalletNotFound) {
		now := l.clock()
		wallet = &domain.Wallet{
			ID:        l.newID(),
			UserID:    order.UserID,
			Balance:   decimal.Zero,
			CreatedAt: now,
			UpdatedAt: now,
		}
	} else if err != nil {
		return LedgerEntry{}, fmt.Errorf("load wallet: %w", err)
	}

	if txn, ok := wallet.FindRefund(key); ok {
		return LedgerEntry{Transaction: txn, Amount: txn.Amount, Replayed: true}, nil
	}

	amount = domain.RoundMoney(amount)
	remaining := domain.RoundMoney(order.Total.Sub(wallet.RefundedForOrder(order.ID)))
	if amount.GreaterThan(remaining.Add(domain.MoneyTolerance)) {
		l.logger.Warn("refund calculation anomaly: credit would exceed order total",
			zap.String("order_id", order.ID),
			zap.String("refund_key", key.String()),
			zap.String("amount", amount.StringFixed(2)),
			zap.String("remaining", remaining.StringFixed(2)),
		)
		amount = decimal.Max(remaining, decimal.Zero)
	}
	if !amount.IsPositive() {
		return LedgerEntry{Amount: decimal.Zero}, nil
	}

	k := key
	txn := domain.Transaction{
		ID:        l.newID(),
		Amount:    amount,
		OrderID:   order.ID,
		RefundKey: &k,
		Reason:    key.Reason(order.Number),
		Date:      l.clock(),
	}
	wallet.Credit(txn)
	if err := l.wallets.SaveWallet(ctx, wallet); err != nil {
		return LedgerEntry{}, fmt.Errorf("save wallet: %w", err)
	}

	l.logger.Info("refund credited",
		zap.String("order_id", order.ID),
		zap.String("user_id", order.UserID),
		zap.String("refund_key", key.String()),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("balance", wallet.Balance.StringFixed(2)),
	)
	return LedgerEntry{Transaction: wallet.Transactions[len(wallet.Transactions)-1], Amount: amount, Applied: true}, nil
}
