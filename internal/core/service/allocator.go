package service

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/order-lifecycle/internal/core/domain"
)

// AllocationScope selects which items a refund quote covers.
type AllocationScope string

const (
	AllocationIndividualItem AllocationScope = "individual_item"
	AllocationRemainingOrder AllocationScope = "remaining_order"
)

// RefundQuote is the allocator's answer for a refund request. Success false
// with a zero amount means there is nothing to refund.
type RefundQuote struct {
	Amount  decimal.Decimal
	Reason  string
	Success bool
	ItemIDs []string
}

// Allocator splits an order's total across its items in proportion to each
// item's final price. It performs no I/O.
type Allocator struct {
	logger *zap.Logger
}

func NewAllocator(logger *zap.Logger) *Allocator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Allocator{logger: logger}
}

// Allocate returns one share per item, index-aligned with order.Items.
// Shares are rounded to cents and the rounding residue is carried by the last
// item with a positive weight, so the shares always add up to the total.
func (a *Allocator) Allocate(order domain.Order) []decimal.Decimal {
	shares := make([]decimal.Decimal, len(order.Items))
	for idx := range shares {
		shares[idx] = decimal.Zero
	}
	if len(order.Items) == 0 || !order.Total.IsPositive() {
		return shares
	}
	total := domain.RoundMoney(order.Total)
	if len(order.Items) == 1 {
		shares[0] = total
		return shares
	}

	denominator := decimal.Zero
	last := -1
	for idx, item := range order.Items {
		if price := item.FinalPrice(); price.IsPositive() {
			denominator = denominator.Add(price)
			last = idx
		}
	}
	if !denominator.IsPositive() {
		a.logger.Warn("refund calculation anomaly: non-positive allocation base",
			zap.String("order_id", order.ID),
			zap.String("denominator", denominator.String()),
		)
		return shares
	}

	allocated := decimal.Zero
	for idx, item := range order.Items {
		price := item.FinalPrice()
		if !price.IsPositive() {
			continue
		}
		share := domain.RoundMoney(total.Mul(price).Div(denominator))
		shares[idx] = share
		allocated = allocated.Add(share)
	}
	if residue := total.Sub(allocated); !residue.IsZero() {
		shares[last] = shares[last].Add(residue)
	}
	return shares
}

// ItemShare returns the portion of the order total attributable to the item
// at idx. The last weighted line absorbs the rounding residue, so its share
// can differ from round(total * proportion) by a cent (at most half a cent per
// other line).
func (a *Allocator) ItemShare(order domain.Order, idx int) decimal.Decimal {
	if idx < 0 || idx >= len(order.Items) {
		return decimal.Zero
	}
	return a.clamp(order, a.Allocate(order)[idx])
}

// RefundFor quotes a refund for one item (found by item or product id) or for
// the remaining subset of the order.
func (a *Allocator) RefundFor(scope AllocationScope, order domain.Order, target string) RefundQuote {
	switch scope {
	case AllocationIndividualItem:
		idx := order.FindItem(target)
		if idx < 0 {
			return RefundQuote{Amount: decimal.Zero, Reason: "item not found in order"}
		}
		item := order.Items[idx]
		if !item.Status.Valid() {
			return RefundQuote{Amount: decimal.Zero, Reason: "item status is not refundable"}
		}
		return a.quote(order, []int{idx}, "item share of order total")

	case AllocationRemainingOrder:
		var selected []int
		reason := ""
		for _, pick := range []struct {
			status domain.ItemStatus
			reason string
		}{
			{domain.ItemStatusReturned, "returned items"},
			{domain.ItemStatusCancelled, "cancelled items"},
			{domain.ItemStatusActive, "remaining active items"},
		} {
			selected = itemIndexes(order, pick.status)
			if len(selected) > 0 {
				reason = pick.reason
				break
			}
		}
		if len(selected) == 0 {
			return RefundQuote{Amount: decimal.Zero, Reason: "no eligible items"}
		}
		return a.quote(order, selected, reason)
	}
	return RefundQuote{Amount: decimal.Zero, Reason: "unknown allocation scope"}
}

// RefundForItems quotes a refund covering exactly the given item indexes.
func (a *Allocator) RefundForItems(order domain.Order, indexes []int) RefundQuote {
	if len(indexes) == 0 {
		return RefundQuote{Amount: decimal.Zero, Reason: "no eligible items"}
	}
	return a.quote(order, indexes, "items settled by this event")
}

func (a *Allocator) quote(order domain.Order, indexes []int, reason string) RefundQuote {
	shares := a.Allocate(order)
	amount := decimal.Zero
	ids := make([]string, 0, len(indexes))
	for _, idx := range indexes {
		if idx < 0 || idx >= len(shares) {
			continue
		}
		amount = amount.Add(shares[idx])
		ids = append(ids, order.Items[idx].ID)
	}
	amount = a.clamp(order, amount)
	return RefundQuote{
		Amount:  amount,
		Reason:  reason,
		Success: amount.IsPositive(),
		ItemIDs: ids,
	}
}

func (a *Allocator) clamp(order domain.Order, amount decimal.Decimal) decimal.Decimal {
	amount = domain.RoundMoney(amount)
	if amount.IsNegative() || amount.GreaterThan(order.Total.Add(domain.MoneyTolerance)) {
		a.logger.Warn("refund calculation anomaly: amount clamped to zero",
			zap.String("order_id", order.ID),
			zap.String("amount", amount.StringFixed(2)),
			zap.String("order_total", order.Total.StringFixed(2)),
		)
		return decimal.Zero
	}
	return amount
}

func itemIndexes(order domain.Order, status domain.ItemStatus) []int {
	var out []int
	for idx, item := range order.Items {
		if item.Status == status {
			out = append(out, idx)
		}
	}
	return out
}
