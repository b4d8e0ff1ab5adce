package service

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rl1809/order-lifecycle/internal/core/domain"
)

// ReturnWindowDays is how long after delivery a return may be requested.
const ReturnWindowDays = 7

var itemTransitions = map[domain.ItemStatus][]domain.ItemStatus{
	domain.ItemStatusActive:          {domain.ItemStatusCancelled, domain.ItemStatusReturnRequested},
	domain.ItemStatusReturnRequested: {domain.ItemStatusReturned, domain.ItemStatusActive},
	domain.ItemStatusCancelled:       {},
	domain.ItemStatusReturned:        {},
}

// Forward progress of an order before any cancellation or return activity.
// Derived statuses other than PartiallyCancelled have no entry and are
// terminal here.
var orderForwardTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPendingPayment: {domain.OrderStatusCancelled},
	domain.OrderStatusPlaced:         {domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing:     {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:        {domain.OrderStatusDelivered},
	domain.OrderStatusPartiallyCancelled: {
		domain.OrderStatusProcessing,
		domain.OrderStatusShipped,
		domain.OrderStatusDelivered,
		domain.OrderStatusCancelled,
	},
}

// Order statuses from which delivered goods may still be sent back.
var returnableStatuses = []domain.OrderStatus{
	domain.OrderStatusDelivered,
	domain.OrderStatusPartiallyCancelled,
	domain.OrderStatusPartiallyReturned,
	domain.OrderStatusPartiallyReturnRequested,
}

// StateMachine validates and applies item and order status changes.
type StateMachine struct{}

func NewStateMachine() *StateMachine {
	return &StateMachine{}
}

func (sm *StateMachine) CanTransitionItem(from, to domain.ItemStatus) bool {
	return slices.Contains(itemTransitions[from], to)
}

func (sm *StateMachine) CanAdvanceOrder(from, to domain.OrderStatus) bool {
	return slices.Contains(orderForwardTransitions[from], to)
}

// AllowedOrderTransitions lists the forward targets reachable from status.
func (sm *StateMachine) AllowedOrderTransitions(from domain.OrderStatus) []domain.OrderStatus {
	return slices.Clone(orderForwardTransitions[from])
}

// TransitionItem moves the item at idx to status to, recording reason and the
// matching timestamp.
func (sm *StateMachine) TransitionItem(order *domain.Order, idx int, to domain.ItemStatus, reason string, now time.Time) error {
	if idx < 0 || idx >= len(order.Items) {
		return fmt.Errorf("%w: index %d in order %s", domain.ErrItemNotFound, idx, order.ID)
	}
	item := &order.Items[idx]
	if !sm.CanTransitionItem(item.Status, to) {
		return domain.DenyItem(item.ID, item.Status, to)
	}
	reason = strings.TrimSpace(reason)

	switch to {
	case domain.ItemStatusCancelled:
		domain.StampOnce(&item.CancelledAt, now)
		item.CancellationReason = reason
	case domain.ItemStatusReturnRequested:
		domain.StampOnce(&item.ReturnRequestedAt, now)
		item.ReturnReason = reason
		item.ReturnRejectionReason = ""
	case domain.ItemStatusReturned:
		domain.StampOnce(&item.ReturnedAt, now)
	case domain.ItemStatusActive:
		// rejected return; the request timestamp is kept for the record
		item.ReturnRejectionReason = reason
	}
	item.Status = to
	return nil
}

// DeriveOrderStatus computes the aggregate status from item statuses. When
// every item is active the current forward status stands; an order that was
// carrying a derived status falls back to the forward status implied by its
// delivery record.
func DeriveOrderStatus(current domain.OrderStatus, delivered bool, items []domain.OrderItem) domain.OrderStatus {
	var active, cancelled, requested, returned int
	for _, item := range items {
		switch item.Status {
		case domain.ItemStatusActive:
			active++
		case domain.ItemStatusCancelled:
			cancelled++
		case domain.ItemStatusReturnRequested:
			requested++
		case domain.ItemStatusReturned:
			returned++
		}
	}

	switch {
	case requested > 0 && active > 0:
		return domain.OrderStatusPartiallyReturnRequested
	case requested > 0:
		return domain.OrderStatusReturnRequested
	case active == len(items):
		if !current.Derived() {
			return current
		}
		if delivered {
			return domain.OrderStatusDelivered
		}
		return domain.OrderStatusPlaced
	case active == 0 && returned > 0 && cancelled > 0:
		return domain.OrderStatusPartiallyReturned
	case active == 0 && returned > 0:
		return domain.OrderStatusReturned
	case active == 0:
		return domain.OrderStatusCancelled
	case returned > 0:
		return domain.OrderStatusPartiallyReturned
	default:
		return domain.OrderStatusPartiallyCancelled
	}
}

// ApplyDerivedStatus recomputes order.Status from its items and stamps the
// order-level milestone for the new status.
func (sm *StateMachine) ApplyDerivedStatus(order *domain.Order, now time.Time) domain.OrderStatus {
	next := DeriveOrderStatus(order.Status, order.Delivered(), order.Items)
	switch next {
	case domain.OrderStatusCancelled:
		domain.StampOnce(&order.CancelledAt, now)
	case domain.OrderStatusReturned:
		domain.StampOnce(&order.ReturnedAt, now)
	case domain.OrderStatusReturnRequested, domain.OrderStatusPartiallyReturnRequested:
		domain.StampOnce(&order.ReturnRequestedAt, now)
	}
	order.Status = next
	return next
}

// AdvanceOrder applies a forward fulfilment step.
func (sm *StateMachine) AdvanceOrder(order *domain.Order, to domain.OrderStatus, now time.Time) error {
	if to == domain.OrderStatusCancelled || to.Derived() {
		// cancellation and returns go through the item path
		return domain.DenyOrder(order.ID, order.Status, to)
	}
	if !sm.CanAdvanceOrder(order.Status, to) {
		return domain.DenyOrder(order.ID, order.Status, to)
	}
	switch to {
	case domain.OrderStatusProcessing:
		domain.StampOnce(&order.ProcessedAt, now)
	case domain.OrderStatusShipped:
		domain.StampOnce(&order.ShippedAt, now)
	case domain.OrderStatusDelivered:
		domain.StampOnce(&order.DeliveredAt, now)
	}
	order.Status = to
	return nil
}

// CanCancel reports whether the order is still before shipment. Goods that
// left the warehouse only come back through a return, even when a rejected
// return has put the order back to a cancellable status.
func (sm *StateMachine) CanCancel(order domain.Order) error {
	if order.ShippedAt != nil || order.DeliveredAt != nil ||
		!sm.CanAdvanceOrder(order.Status, domain.OrderStatusCancelled) {
		return domain.DenyOrder(order.ID, order.Status, domain.OrderStatusCancelled)
	}
	return nil
}

// CanReturn checks that the order was delivered and that the return window
// measured from delivery is still open.
func (sm *StateMachine) CanReturn(order domain.Order, now time.Time) error {
	if !slices.Contains(returnableStatuses, order.Status) {
		return domain.DenyOrder(order.ID, order.Status, domain.OrderStatusReturnRequested)
	}
	if order.DeliveredAt == nil {
		return fmt.Errorf("%w: order %s has no delivery record", domain.ErrNotEligible, order.ID)
	}
	return CheckReturnWindow(*order.DeliveredAt, now)
}

// CheckReturnWindow fails with *domain.ReturnWindowExpiredError once more
// than ReturnWindowDays whole days have passed since delivery.
func CheckReturnWindow(deliveredAt, now time.Time) error {
	days := int(now.Sub(deliveredAt) / (24 * time.Hour))
	if days > ReturnWindowDays {
		return &domain.ReturnWindowExpiredError{DaysElapsed: days, WindowDays: ReturnWindowDays}
	}
	return nil
}
