package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionCredit TransactionType = "credit"
	TransactionDebit  TransactionType = "debit"
)

// RefundScope names the event a refund settles.
type RefundScope string

const (
	RefundScopeItemCancellation  RefundScope = "item_cancellation"
	RefundScopeItemReturn        RefundScope = "item_return"
	RefundScopeOrderCancellation RefundScope = "order_cancellation"
	RefundScopeOrderReturn       RefundScope = "order_return"
)

func (s RefundScope) ItemLevel() bool {
	return s == RefundScopeItemCancellation || s == RefundScopeItemReturn
}

func (s RefundScope) returns() bool {
	return s == RefundScopeItemReturn || s == RefundScopeOrderReturn
}

// RefundKey identifies one refund event. A wallet holds at most one credit
// per key.
type RefundKey struct {
	OrderID string
	Scope   RefundScope
	ItemID  string
}

func (k RefundKey) String() string {
	if k.ItemID == "" {
		return k.OrderID + ":" + string(k.Scope)
	}
	return k.OrderID + ":" + string(k.Scope) + ":" + k.ItemID
}

// Same reports whether k and other settle the same refund event. An item's
// cancellation or return is one event whether it was settled alone or with
// the whole order.
func (k RefundKey) Same(other RefundKey) bool {
	if k.OrderID != other.OrderID || k.ItemID != other.ItemID {
		return false
	}
	if k.Scope == other.Scope {
		return true
	}
	return k.ItemID != "" && k.Scope.returns() == other.Scope.returns()
}

// Reason renders the display text stored with the transaction.
func (k RefundKey) Reason(orderNumber string) string {
	switch k.Scope {
	case RefundScopeItemCancellation:
		return fmt.Sprintf("Refund for cancelled item %s of order #%s", k.ItemID, orderNumber)
	case RefundScopeItemReturn:
		return fmt.Sprintf("Refund for returned item %s of order #%s", k.ItemID, orderNumber)
	case RefundScopeOrderCancellation:
		return fmt.Sprintf("Refund for cancelled order #%s", orderNumber)
	case RefundScopeOrderReturn:
		if k.ItemID != "" {
			return fmt.Sprintf("Refund for item %s of returned order #%s", k.ItemID, orderNumber)
		}
		return fmt.Sprintf("Refund for returned order #%s", orderNumber)
	}
	return fmt.Sprintf("Refund for order #%s", orderNumber)
}

type Transaction struct {
	ID        string
	Type      TransactionType
	Amount    decimal.Decimal
	OrderID   string
	RefundKey *RefundKey
	Reason    string
	Date      time.Time
}

type Wallet struct {
	ID           string
	UserID       string
	Balance      decimal.Decimal
	Transactions []Transaction
	Version      int // optimistic locking
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// FindRefund returns the credit that already settled key's event, if any.
func (w Wallet) FindRefund(key RefundKey) (Transaction, bool) {
	for _, txn := range w.Transactions {
		if txn.Type == TransactionCredit && txn.RefundKey != nil && txn.RefundKey.Same(key) {
			return txn, true
		}
	}
	return Transaction{}, false
}

// RefundedForOrder sums every refund credit recorded against orderID.
func (w Wallet) RefundedForOrder(orderID string) decimal.Decimal {
	total := decimal.Zero
	for _, txn := range w.Transactions {
		if txn.Type == TransactionCredit && txn.RefundKey != nil && txn.RefundKey.OrderID == orderID {
			total = total.Add(txn.Amount)
		}
	}
	return total
}

// Credit adds txn to the balance and history together.
func (w *Wallet) Credit(txn Transaction) {
	txn.Type = TransactionCredit
	txn.Amount = RoundMoney(txn.Amount)
	w.Balance = RoundMoney(w.Balance.Add(txn.Amount))
	w.Transactions = append(w.Transactions, txn)
	w.UpdatedAt = txn.Date
}
