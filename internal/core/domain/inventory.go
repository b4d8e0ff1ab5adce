package domain

import "time"

type Inventory struct {
	ProductID string
	Quantity  int
	Version   int // optimistic locking
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StockAdjustment is a signed change to a product's stock counter.
type StockAdjustment struct {
	ProductID string
	Delta     int
}
