package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/rl1809/order-lifecycle/internal/core/domain"
	"github.com/rl1809/order-lifecycle/internal/port"
)

const (
	tracerName         = "github.com/rl1809/order-lifecycle/internal/core/service"
	defaultLockTTL     = 10 * time.Second
	lockAttempts       = 5
	lockRetryInterval  = 50 * time.Millisecond
	compensateDeadline = 5 * time.Second
)

// Result is what a caller-facing operation reports back for display.
type Result struct {
	OrderID        string
	OrderStatus    domain.OrderStatus
	PaymentStatus  domain.PaymentStatus
	RefundAmount   decimal.Decimal
	RefundReplayed bool
	Message        string
}

type OrderServiceDeps struct {
	Orders  port.OrderRepository
	Wallets port.WalletRepository
	Stock   port.StockRepository
	// Cache is optional; without it no order lock is taken and the storefront
	// stock mirror is not updated.
	Cache       port.CacheRepository
	Logger      *zap.Logger
	Clock       func() time.Time
	IDGenerator func() string
	LockTTL     time.Duration
}

type OrderService struct {
	orders     port.OrderRepository
	stock      port.StockRepository
	cache      port.CacheRepository
	logger     *zap.Logger
	clock      func() time.Time
	lockTTL    time.Duration
	allocator  *Allocator
	machine    *StateMachine
	reconciler *Reconciler
	ledger     *Ledger
}

func NewOrderService(deps OrderServiceDeps) (*OrderService, error) {
	if deps.Orders == nil || deps.Wallets == nil || deps.Stock == nil {
		return nil, errors.New("order service: orders, wallets and stock repositories are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	ttl := deps.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &OrderService{
		orders:     deps.Orders,
		stock:      deps.Stock,
		cache:      deps.Cache,
		logger:     logger,
		clock:      func() time.Time { return clock().UTC() },
		lockTTL:    ttl,
		allocator:  NewAllocator(logger),
		machine:    NewStateMachine(),
		reconciler: NewReconciler(),
		ledger:     NewLedger(deps.Wallets, logger, clock, newID),
	}, nil
}

func (s *OrderService) Allocator() *Allocator { return s.allocator }

// change describes what an operation did to a working copy of the order.
type change struct {
	scope   domain.RefundScope // empty when no money can move
	itemID  string             // set for item-level scopes
	settled []int              // items whose value this event settles
	perItem bool               // credit each settled item under its own key
	restock bool
	replay  bool // status already persisted by an earlier attempt
	message string
}

// GetOrder returns a non-deleted order.
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

// CancelOrder cancels every active item of an order that has not shipped.
func (s *OrderService) CancelOrder(ctx context.Context, orderID, reason string) (Result, error) {
	return s.run(ctx, "CancelOrder", orderID, func(order *domain.Order, now time.Time) (change, error) {
		reason, err := requireReason(reason)
		if err != nil {
			return change{}, err
		}
		if order.Status == domain.OrderStatusCancelled {
			if order.CancellationReason == "" {
				// reached through item cancellations, each settled on its own
				return change{replay: true, message: "order already cancelled"}, nil
			}
			return change{
				scope:   domain.RefundScopeOrderCancellation,
				settled: batchAt(*order, domain.ItemStatusCancelled, order.CancelledAt),
				replay:  true,
				message: "order already cancelled",
			}, nil
		}
		if err := s.machine.CanCancel(*order); err != nil {
			return change{}, err
		}

		var settled []int
		for idx := range order.Items {
			if order.Items[idx].Status != domain.ItemStatusActive {
				continue
			}
			if err := s.machine.TransitionItem(order, idx, domain.ItemStatusCancelled, reason, now); err != nil {
				return change{}, err
			}
			settled = append(settled, idx)
		}
		if len(settled) == 0 {
			return change{}, domain.DenyOrder(order.ID, order.Status, domain.OrderStatusCancelled)
		}
		order.CancellationReason = reason
		domain.StampOnce(&order.CancelledAt, now)
		return change{
			scope:   domain.RefundScopeOrderCancellation,
			settled: settled,
			restock: true,
			message: "order cancelled",
		}, nil
	})
}

// CancelItem cancels one line of an order that has not shipped.
func (s *OrderService) CancelItem(ctx context.Context, orderID, itemRef, reason string) (Result, error) {
	return s.run(ctx, "CancelItem", orderID, func(order *domain.Order, now time.Time) (change, error) {
		reason, err := requireReason(reason)
		if err != nil {
			return change{}, err
		}
		idx, err := findItem(*order, itemRef)
		if err != nil {
			return change{}, err
		}
		item := order.Items[idx]
		if item.Status == domain.ItemStatusCancelled {
			return change{
				scope:   domain.RefundScopeItemCancellation,
				itemID:  item.ID,
				settled: []int{idx},
				replay:  true,
				message: "item already cancelled",
			}, nil
		}
		if !s.machine.CanTransitionItem(item.Status, domain.ItemStatusCancelled) {
			return change{}, domain.DenyItem(item.ID, item.Status, domain.ItemStatusCancelled)
		}
		if err := s.machine.CanCancel(*order); err != nil {
			return change{}, err
		}
		if err := s.machine.TransitionItem(order, idx, domain.ItemStatusCancelled, reason, now); err != nil {
			return change{}, err
		}
		return change{
			scope:   domain.RefundScopeItemCancellation,
			itemID:  item.ID,
			settled: []int{idx},
			restock: true,
			message: "item cancelled",
		}, nil
	})
}

// RequestReturn asks to send back every active item of a delivered order.
func (s *OrderService) RequestReturn(ctx context.Context, orderID, reason string) (Result, error) {
	return s.run(ctx, "RequestReturn", orderID, func(order *domain.Order, now time.Time) (change, error) {
		reason, err := requireReason(reason)
		if err != nil {
			return change{}, err
		}
		if err := s.machine.CanReturn(*order, now); err != nil {
			return change{}, err
		}
		requested := 0
		for idx := range order.Items {
			if order.Items[idx].Status != domain.ItemStatusActive {
				continue
			}
			if err := s.machine.TransitionItem(order, idx, domain.ItemStatusReturnRequested, reason, now); err != nil {
				return change{}, err
			}
			requested++
		}
		if requested == 0 {
			return change{}, domain.DenyOrder(order.ID, order.Status, domain.OrderStatusReturnRequested)
		}
		order.ReturnReason = reason
		return change{message: "return requested"}, nil
	})
}

// RequestItemReturn asks to send back one delivered line.
func (s *OrderService) RequestItemReturn(ctx context.Context, orderID, itemRef, reason string) (Result, error) {
	return s.run(ctx, "RequestItemReturn", orderID, func(order *domain.Order, now time.Time) (change, error) {
		reason, err := requireReason(reason)
		if err != nil {
			return change{}, err
		}
		idx, err := findItem(*order, itemRef)
		if err != nil {
			return change{}, err
		}
		item := order.Items[idx]
		if !s.machine.CanTransitionItem(item.Status, domain.ItemStatusReturnRequested) {
			return change{}, domain.DenyItem(item.ID, item.Status, domain.ItemStatusReturnRequested)
		}
		if err := s.machine.CanReturn(*order, now); err != nil {
			return change{}, err
		}
		if err := s.machine.TransitionItem(order, idx, domain.ItemStatusReturnRequested, reason, now); err != nil {
			return change{}, err
		}
		return change{message: "item return requested"}, nil
	})
}

// ApproveReturn settles a pending return. With itemRef empty it acts on every
// item awaiting return. A rejection puts the items back to active.
func (s *OrderService) ApproveReturn(ctx context.Context, orderID, itemRef string, approved bool, note string) (Result, error) {
	op := "ApproveReturn"
	if !approved {
		op = "RejectReturn"
	}
	return s.run(ctx, op, orderID, func(order *domain.Order, now time.Time) (change, error) {
		target := domain.ItemStatusActive
		if approved {
			target = domain.ItemStatusReturned
		}

		if strings.TrimSpace(itemRef) != "" {
			idx, err := findItem(*order, itemRef)
			if err != nil {
				return change{}, err
			}
			item := order.Items[idx]
			if approved && item.Status == domain.ItemStatusReturned {
				return change{
					scope:   domain.RefundScopeItemReturn,
					itemID:  item.ID,
					settled: []int{idx},
					replay:  true,
					message: "return already approved",
				}, nil
			}
			if item.Status != domain.ItemStatusReturnRequested {
				return change{}, domain.DenyItem(item.ID, item.Status, target)
			}
			if err := s.machine.TransitionItem(order, idx, target, note, now); err != nil {
				return change{}, err
			}
			if !approved {
				return change{message: "return rejected"}, nil
			}
			return change{
				scope:   domain.RefundScopeItemReturn,
				itemID:  item.ID,
				settled: []int{idx},
				restock: true,
				message: "return approved",
			}, nil
		}

		var settled []int
		for idx := range order.Items {
			if order.Items[idx].Status != domain.ItemStatusReturnRequested {
				continue
			}
			if err := s.machine.TransitionItem(order, idx, target, note, now); err != nil {
				return change{}, err
			}
			settled = append(settled, idx)
		}
		if len(settled) == 0 {
			if approved && order.CountItems(domain.ItemStatusReturned) > 0 {
				return change{
					scope:   domain.RefundScopeOrderReturn,
					settled: itemIndexes(*order, domain.ItemStatusReturned),
					perItem: true,
					replay:  true,
					message: "return already approved",
				}, nil
			}
			return change{}, domain.DenyOrder(order.ID, order.Status, domain.OrderStatusReturned)
		}
		if !approved {
			return change{message: "return rejected"}, nil
		}
		return change{
			scope:   domain.RefundScopeOrderReturn,
			settled: settled,
			perItem: true,
			restock: true,
			message: "return approved",
		}, nil
	})
}

// AdvanceStatus moves an order forward through fulfilment.
func (s *OrderService) AdvanceStatus(ctx context.Context, orderID string, to domain.OrderStatus) (Result, error) {
	return s.run(ctx, "AdvanceStatus", orderID, func(order *domain.Order, now time.Time) (change, error) {
		if err := s.machine.AdvanceOrder(order, to, now); err != nil {
			return change{}, err
		}
		if to == domain.OrderStatusDelivered && order.PaymentMethod.IsCOD() &&
			order.PaymentStatus == domain.PaymentStatusPending {
			order.PaymentStatus = domain.PaymentStatusPaid
		}
		return change{message: "order moved to " + string(to)}, nil
	})
}

// RecordPayment applies a gateway or collection signal to a pending payment.
func (s *OrderService) RecordPayment(ctx context.Context, orderID string, status domain.PaymentStatus) (Result, error) {
	return s.run(ctx, "RecordPayment", orderID, func(order *domain.Order, now time.Time) (change, error) {
		if status != domain.PaymentStatusPaid && status != domain.PaymentStatusFailed {
			return change{}, fmt.Errorf("%w: payment signal must be paid or failed, got %q", domain.ErrInvalidInput, status)
		}
		if order.PaymentStatus == status {
			return change{replay: true, message: "payment already recorded"}, nil
		}
		if order.PaymentStatus != domain.PaymentStatusPending {
			return change{}, &domain.TransitionDeniedError{
				Subject: "payment of order " + order.ID,
				From:    string(order.PaymentStatus),
				To:      string(status),
			}
		}
		order.PaymentStatus = status
		return change{message: "payment " + string(status)}, nil
	})
}

// run executes one triggering event: stock restoration, status mutation and
// reconciliation are persisted first, the refund is applied last.
func (s *OrderService) run(ctx context.Context, op, orderID string, apply func(*domain.Order, time.Time) (change, error)) (res Result, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "OrderService."+op)
	span.SetAttributes(attribute.String("order.id", orderID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("order.outcome", string(domain.Classify(err))))
		span.End()
	}()

	logger := s.logger.With(zap.String("op", op), zap.String("order_id", orderID))

	release, err := s.lock(ctx, orderID)
	if err != nil {
		return Result{OrderID: orderID}, err
	}
	defer release()

	order, err := s.load(ctx, orderID)
	if err != nil {
		return Result{OrderID: orderID}, err
	}
	res = resultOf(*order)

	now := s.clock()
	working := order.Clone()
	ch, err := apply(&working, now)
	if err != nil {
		logger.Info("operation rejected", zap.Error(err))
		return res, err
	}

	var undo func()
	if ch.restock && !ch.replay {
		undo, err = s.restoreStock(ctx, logger, stockFor(working, ch.settled))
		if err != nil {
			return res, err
		}
	}
	if !ch.replay {
		s.machine.ApplyDerivedStatus(&working, now)
	}

	decision := RefundDecision{RefundAmount: decimal.Zero}
	if ch.scope != "" {
		quote := s.allocator.RefundForItems(working, ch.settled)
		decision = s.reconciler.Decide(working, quote.Amount)
		if !decision.ShouldRefund && decision.PaymentStatus != "" {
			working.PaymentStatus = decision.PaymentStatus
		}
		logger.Debug("refund reconciled",
			zap.Bool("should_refund", decision.ShouldRefund),
			zap.String("amount", decision.RefundAmount.StringFixed(2)),
			zap.String("reason", decision.Reason),
		)
	}

	if !ch.replay || working.PaymentStatus != order.PaymentStatus {
		working.UpdatedAt = now
		if err := s.orders.SaveOrder(ctx, &working); err != nil {
			if undo != nil {
				undo()
			}
			logger.Warn("order save failed", zap.Error(err))
			return res, fmt.Errorf("save order %s: %w", orderID, err)
		}
		if ch.restock && !ch.replay {
			s.mirrorStock(ctx, logger, stockFor(working, ch.settled))
		}
	}
	res = resultOf(working)
	res.Message = ch.message

	credits := s.credits(working, ch, decision.RefundAmount)
	if !decision.ShouldRefund {
		if ch.replay {
			// a fully refunded order still reports the credits it already received
			for _, c := range credits {
				entry, found, err := s.ledger.Find(ctx, working, c.key)
				if err != nil {
					logger.Warn("refund lookup failed", zap.String("refund_key", c.key.String()), zap.Error(err))
					continue
				}
				if found {
					res.RefundAmount = res.RefundAmount.Add(entry.Amount)
					res.RefundReplayed = true
				}
			}
		}
		return res, nil
	}

	var refundErr error
	var failedKey domain.RefundKey
	replayed := true
	for _, c := range credits {
		entry, err := s.ledger.Apply(ctx, working, c.key, c.amount)
		if err != nil {
			refundErr, failedKey = err, c.key
			break
		}
		res.RefundAmount = res.RefundAmount.Add(entry.Amount)
		replayed = replayed && entry.Replayed
	}
	if refundErr != nil {
		logger.Error("refund application failed", zap.String("refund_key", failedKey.String()), zap.Error(refundErr))
		working.PaymentStatus = domain.PaymentStatusRefundFailed
	} else {
		working.PaymentStatus = decision.PaymentStatus
		res.RefundReplayed = replayed
	}

	if working.PaymentStatus != res.PaymentStatus {
		working.UpdatedAt = s.clock()
		if err := s.orders.SaveOrder(ctx, &working); err != nil {
			logger.Error("order inconsistent: refund step not recorded on order",
				zap.String("refund_scope", string(ch.scope)),
				zap.String("payment_status", string(working.PaymentStatus)),
				zap.Error(err),
			)
			return res, fmt.Errorf("%w: order %s payment status not saved: %v", domain.ErrInconsistent, orderID, err)
		}
	}
	res.PaymentStatus = working.PaymentStatus

	if refundErr != nil {
		return res, fmt.Errorf("%w: %v", domain.ErrRefundFailed, refundErr)
	}
	return res, nil
}

type credit struct {
	key    domain.RefundKey
	amount decimal.Decimal
}

// credits splits an event's refund into ledger entries: one for the event, or
// one per settled item when the event settles items separately.
func (s *OrderService) credits(order domain.Order, ch change, amount decimal.Decimal) []credit {
	if ch.scope == "" {
		return nil
	}
	if !ch.perItem {
		return []credit{{
			key:    domain.RefundKey{OrderID: order.ID, Scope: ch.scope, ItemID: ch.itemID},
			amount: amount,
		}}
	}
	out := make([]credit, 0, len(ch.settled))
	for _, idx := range ch.settled {
		out = append(out, credit{
			key:    domain.RefundKey{OrderID: order.ID, Scope: ch.scope, ItemID: order.Items[idx].ID},
			amount: s.allocator.RefundForItems(order, []int{idx}).Amount,
		})
	}
	return out
}

func (s *OrderService) load(ctx context.Context, orderID string) (*domain.Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, fmt.Errorf("%w: order id is required", domain.ErrInvalidInput)
	}
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil || order.IsDeleted {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}
	return order, nil
}

func (s *OrderService) lock(ctx context.Context, orderID string) (func(), error) {
	if s.cache == nil {
		return func() {}, nil
	}
	for attempt := 0; attempt < lockAttempts; attempt++ {
		token, ok, err := s.cache.AcquireOrderLock(ctx, orderID, s.lockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire order lock: %w", err)
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateDeadline)
				defer cancel()
				if err := s.cache.ReleaseOrderLock(releaseCtx, orderID, token); err != nil {
					s.logger.Warn("release order lock failed", zap.String("order_id", orderID), zap.Error(err))
				}
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrOrderBusy, orderID)
}

// restoreStock applies every adjustment with an optimistic version check. On
// a conflict the adjustments already written are reversed. The returned undo
// reverses all of them if a later step fails.
func (s *OrderService) restoreStock(ctx context.Context, logger *zap.Logger, adjustments []domain.StockAdjustment) (func(), error) {
	var applied []domain.StockAdjustment
	undo := func() {
		compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateDeadline)
		defer cancel()
		for _, adj := range applied {
			reverse := domain.StockAdjustment{ProductID: adj.ProductID, Delta: -adj.Delta}
			if err := s.adjustStock(compCtx, reverse); err != nil {
				logger.Error("CRITICAL stock compensation failed",
					zap.String("product_id", adj.ProductID),
					zap.Int("delta", reverse.Delta),
					zap.Error(err),
				)
			}
		}
	}

	for _, adj := range adjustments {
		if err := s.adjustStock(ctx, adj); err != nil {
			undo()
			return nil, err
		}
		applied = append(applied, adj)
	}
	return undo, nil
}

func (s *OrderService) adjustStock(ctx context.Context, adj domain.StockAdjustment) error {
	inv, err := s.stock.GetInventory(ctx, adj.ProductID)
	if err != nil {
		return fmt.Errorf("read stock %s: %w", adj.ProductID, err)
	}
	if inv == nil {
		s.logger.Warn("stock not tracked for product, skipping restoration", zap.String("product_id", adj.ProductID))
		return nil
	}
	inv.Quantity += adj.Delta
	if err := s.stock.UpdateInventory(ctx, *inv); err != nil {
		return fmt.Errorf("write stock %s: %w", adj.ProductID, err)
	}
	return nil
}

func (s *OrderService) mirrorStock(ctx context.Context, logger *zap.Logger, adjustments []domain.StockAdjustment) {
	if s.cache == nil {
		return
	}
	for _, adj := range adjustments {
		if err := s.cache.IncrementStock(ctx, adj.ProductID, adj.Delta); err != nil {
			logger.Warn("stock mirror update failed", zap.String("product_id", adj.ProductID), zap.Error(err))
		}
	}
}

func stockFor(order domain.Order, indexes []int) []domain.StockAdjustment {
	out := make([]domain.StockAdjustment, 0, len(indexes))
	for _, idx := range indexes {
		item := order.Items[idx]
		out = append(out, domain.StockAdjustment{ProductID: item.ProductID, Delta: item.Quantity})
	}
	return out
}

func resultOf(order domain.Order) Result {
	return Result{
		OrderID:       order.ID,
		OrderStatus:   order.Status,
		PaymentStatus: order.PaymentStatus,
		RefundAmount:  decimal.Zero,
	}
}

func requireReason(reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "", domain.ErrReasonRequired
	}
	return reason, nil
}

func findItem(order domain.Order, ref string) (int, error) {
	idx := order.FindItem(ref)
	if idx < 0 {
		return -1, fmt.Errorf("%w: %q in order %s", domain.ErrItemNotFound, ref, order.ID)
	}
	return idx, nil
}

// batchAt returns the items in status whose milestone equals at, i.e. those
// settled together by one order-level event.
func batchAt(order domain.Order, status domain.ItemStatus, at *time.Time) []int {
	var out []int
	for idx, item := range order.Items {
		if item.Status != status {
			continue
		}
		stamp := item.CancelledAt
		if status == domain.ItemStatusReturned {
			stamp = item.ReturnedAt
		}
		if at == nil || (stamp != nil && stamp.Equal(*at)) {
			out = append(out, idx)
		}
	}
	return out
}
