package service

import (
	"slices"

	"github.com/shopspring/decimal"

	"github.com/rl1809/order-lifecycle/internal/core/domain"
)

// RefundDecision is the reconciler's verdict on a computed refund.
// PaymentStatus is the status to record: after a successful credit when
// ShouldRefund is true, immediately otherwise. Empty means unchanged.
type RefundDecision struct {
	ShouldRefund  bool
	RefundAmount  decimal.Decimal
	Reason        string
	PaymentStatus domain.PaymentStatus
}

// A prepaid order only owes money back while one of these holds. Refunds in
// flight (initiated/processing) are left alone.
var refundablePaymentStatuses = []domain.PaymentStatus{
	domain.PaymentStatusPaid,
	domain.PaymentStatusPartiallyRefunded,
	domain.PaymentStatusRefundFailed,
}

// Reconciler decides whether money actually moves for a cancellation or
// return, based on how the order was paid.
type Reconciler struct{}

func NewReconciler() *Reconciler {
	return &Reconciler{}
}

func (r *Reconciler) Decide(order domain.Order, amount decimal.Decimal) RefundDecision {
	open := hasOpenItems(order)

	if order.PaymentMethod.IsCOD() && !r.cashCollected(order) {
		decision := RefundDecision{
			RefundAmount: decimal.Zero,
			Reason:       "cash on delivery order was not delivered, nothing was collected",
		}
		if !open {
			decision.PaymentStatus = domain.PaymentStatusFailed
		}
		return decision
	}

	inFlight := order.PaymentStatus == domain.PaymentStatusRefundInitiated ||
		order.PaymentStatus == domain.PaymentStatusRefundProcessing
	if inFlight || (!order.PaymentMethod.IsCOD() && !slices.Contains(refundablePaymentStatuses, order.PaymentStatus)) {
		return RefundDecision{
			RefundAmount: decimal.Zero,
			Reason:       "no refund needed for payment status " + string(order.PaymentStatus),
		}
	}

	if !amount.IsPositive() {
		return RefundDecision{RefundAmount: decimal.Zero, Reason: "nothing to refund"}
	}

	return RefundDecision{
		ShouldRefund:  true,
		RefundAmount:  domain.RoundMoney(amount),
		Reason:        "payment collected, refund owed",
		PaymentStatus: SettledPaymentStatus(order),
	}
}

func (r *Reconciler) cashCollected(order domain.Order) bool {
	if order.Delivered() {
		return true
	}
	return slices.Contains(refundablePaymentStatuses, order.PaymentStatus)
}

// SettledPaymentStatus is the payment status after a successful refund.
func SettledPaymentStatus(order domain.Order) domain.PaymentStatus {
	if hasOpenItems(order) {
		return domain.PaymentStatusPartiallyRefunded
	}
	return domain.PaymentStatusRefunded
}

// hasOpenItems reports whether any item still carries value that a later
// cancellation or return could settle.
func hasOpenItems(order domain.Order) bool {
	return order.CountItems(domain.ItemStatusActive) > 0 ||
		order.CountItems(domain.ItemStatusReturnRequested) > 0
}
