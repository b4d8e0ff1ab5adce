package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the aggregate status of an order. Forward statuses are set
// by fulfilment progress; derived statuses are only ever produced from item
// statuses.
type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	OrderStatusPlaced         OrderStatus = "placed"
	OrderStatusProcessing     OrderStatus = "processing"
	OrderStatusShipped        OrderStatus = "shipped"
	OrderStatusDelivered      OrderStatus = "delivered"

	OrderStatusCancelled                OrderStatus = "cancelled"
	OrderStatusPartiallyCancelled       OrderStatus = "partially_cancelled"
	OrderStatusReturnRequested          OrderStatus = "return_requested"
	OrderStatusPartiallyReturnRequested OrderStatus = "partially_return_requested"
	OrderStatusReturned                 OrderStatus = "returned"
	OrderStatusPartiallyReturned        OrderStatus = "partially_returned"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPendingPayment, OrderStatusPlaced, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusPartiallyCancelled,
		OrderStatusReturnRequested, OrderStatusPartiallyReturnRequested,
		OrderStatusReturned, OrderStatusPartiallyReturned:
		return true
	}
	return false
}

// Derived reports whether s can only be produced from item statuses.
func (s OrderStatus) Derived() bool {
	switch s {
	case OrderStatusCancelled, OrderStatusPartiallyCancelled,
		OrderStatusReturnRequested, OrderStatusPartiallyReturnRequested,
		OrderStatusReturned, OrderStatusPartiallyReturned:
		return true
	}
	return false
}

func ParseOrderStatus(raw string) (OrderStatus, error) {
	s := OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown order status %q", ErrInvalidInput, raw)
	}
	return s, nil
}

// ItemStatus is the status of a single order line.
type ItemStatus string

const (
	ItemStatusActive          ItemStatus = "active"
	ItemStatusCancelled       ItemStatus = "cancelled"
	ItemStatusReturnRequested ItemStatus = "return_requested"
	ItemStatusReturned        ItemStatus = "returned"
)

func (s ItemStatus) Valid() bool {
	switch s {
	case ItemStatusActive, ItemStatusCancelled, ItemStatusReturnRequested, ItemStatusReturned:
		return true
	}
	return false
}

func (s ItemStatus) Terminal() bool {
	return s == ItemStatusCancelled || s == ItemStatusReturned
}

// PaymentMethod is either cash-on-delivery or an online prepaid variant.
type PaymentMethod string

const (
	PaymentMethodCOD    PaymentMethod = "cod"
	PaymentMethodCard   PaymentMethod = "card"
	PaymentMethodUPI    PaymentMethod = "upi"
	PaymentMethodWallet PaymentMethod = "wallet"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCOD, PaymentMethodCard, PaymentMethodUPI, PaymentMethodWallet:
		return true
	}
	return false
}

func (m PaymentMethod) IsCOD() bool { return m == PaymentMethodCOD }

type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusPaid              PaymentStatus = "paid"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentStatusRefundInitiated   PaymentStatus = "refund_initiated"
	PaymentStatusRefundProcessing  PaymentStatus = "refund_processing"
	PaymentStatusRefundFailed      PaymentStatus = "refund_failed"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed, PaymentStatusRefunded,
		PaymentStatusPartiallyRefunded, PaymentStatusRefundInitiated,
		PaymentStatusRefundProcessing, PaymentStatusRefundFailed:
		return true
	}
	return false
}

// PriceBreakdown decomposes a line's price at checkout time.
type PriceBreakdown struct {
	OriginalPrice    decimal.Decimal `json:"original_price"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	OfferDiscount    decimal.Decimal `json:"offer_discount"`
	PriceAfterOffer  decimal.Decimal `json:"price_after_offer"`
	CouponDiscount   decimal.Decimal `json:"coupon_discount"`
	CouponProportion decimal.Decimal `json:"coupon_proportion"`
	FinalPrice       decimal.Decimal `json:"final_price"`
}

type OrderItem struct {
	ID             string
	ProductID      string
	Price          decimal.Decimal
	Quantity       int
	PriceBreakdown *PriceBreakdown
	Status         ItemStatus

	CancelledAt           *time.Time
	CancellationReason    string
	ReturnRequestedAt     *time.Time
	ReturnedAt            *time.Time
	ReturnReason          string
	ReturnRejectionReason string
}

// FinalPrice is the post-discount value of the line used for allocation.
func (i OrderItem) FinalPrice() decimal.Decimal {
	if i.PriceBreakdown != nil {
		return i.PriceBreakdown.FinalPrice
	}
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Matches reports whether ref names this item by item id or product id.
func (i OrderItem) Matches(ref string) bool {
	ref = strings.TrimSpace(ref)
	return ref != "" && (i.ID == ref || i.ProductID == ref)
}

type Order struct {
	ID     string
	Number string
	UserID string

	Subtotal       decimal.Decimal
	Shipping       decimal.Decimal
	Tax            decimal.Decimal
	Discount       decimal.Decimal
	CouponDiscount decimal.Decimal
	Total          decimal.Decimal

	PaymentMethod PaymentMethod
	PaymentStatus PaymentStatus
	Status        OrderStatus

	PlacedAt          *time.Time
	ProcessedAt       *time.Time
	ShippedAt         *time.Time
	DeliveredAt       *time.Time
	CancelledAt       *time.Time
	ReturnedAt        *time.Time
	ReturnRequestedAt *time.Time

	CancellationReason string
	ReturnReason       string

	IsDeleted bool
	Items     []OrderItem
	Version   int // optimistic locking
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExpectedTotal recomputes total from its components.
func (o Order) ExpectedTotal() decimal.Decimal {
	return o.Subtotal.Sub(o.Discount).Sub(o.CouponDiscount).Add(o.Tax).Add(o.Shipping)
}

// Validate checks the structural invariants of an order as it leaves checkout.
func (o Order) Validate() error {
	if strings.TrimSpace(o.ID) == "" || strings.TrimSpace(o.UserID) == "" {
		return fmt.Errorf("%w: order id and user id are required", ErrInvalidInput)
	}
	if len(o.Items) == 0 {
		return fmt.Errorf("%w: order %s has no items", ErrInvalidInput, o.ID)
	}
	if !o.PaymentMethod.Valid() {
		return fmt.Errorf("%w: unknown payment method %q", ErrInvalidInput, o.PaymentMethod)
	}
	if !MoneyEqual(o.Total, o.ExpectedTotal()) {
		return fmt.Errorf("%w: order %s total %s does not match components %s",
			ErrInvalidInput, o.ID, o.Total.StringFixed(2), o.ExpectedTotal().StringFixed(2))
	}
	seen := make(map[string]struct{}, len(o.Items))
	for _, item := range o.Items {
		if item.ID == "" || item.ProductID == "" || item.Quantity <= 0 {
			return fmt.Errorf("%w: order %s has an incomplete item", ErrInvalidInput, o.ID)
		}
		if _, dup := seen[item.ID]; dup {
			return fmt.Errorf("%w: order %s repeats item %s", ErrInvalidInput, o.ID, item.ID)
		}
		seen[item.ID] = struct{}{}
	}
	return nil
}

// FindItem returns the index of the item matching ref, or -1.
func (o Order) FindItem(ref string) int {
	for idx, item := range o.Items {
		if item.Matches(ref) {
			return idx
		}
	}
	return -1
}

func (o Order) CountItems(status ItemStatus) int {
	n := 0
	for _, item := range o.Items {
		if item.Status == status {
			n++
		}
	}
	return n
}

func (o Order) Delivered() bool {
	return o.DeliveredAt != nil
}

// Clone returns a deep copy so callers can mutate without touching the original.
func (o Order) Clone() Order {
	out := o
	out.Items = make([]OrderItem, len(o.Items))
	for idx, item := range o.Items {
		if item.PriceBreakdown != nil {
			pb := *item.PriceBreakdown
			item.PriceBreakdown = &pb
		}
		out.Items[idx] = item
	}
	return out
}

// StampOnce sets *field to now unless it already holds a value.
func StampOnce(field **time.Time, now time.Time) {
	if *field != nil {
		return
	}
	t := now
	*field = &t
}
