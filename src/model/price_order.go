package model

import "time"

const (
	OrderKindStopLoss   = "stop_loss"
	OrderKindTakeProfit = "take_profit"
)

const (
	OrderStatusActive    = "active"
	OrderStatusTriggered = "triggered"
	OrderStatusCancelled = "cancelled"
)

// PriceOrder is a conditional (stop-loss / take-profit) order that lives on
// the exchange's servers. Status only moves active -> triggered or
// active -> cancelled; both are terminal. At most one active row may exist
// per (symbol, side, kind).
type PriceOrder struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	OrderID  string `gorm:"size:100;uniqueIndex" json:"order_id"`
	Symbol   string `gorm:"size:50;index" json:"symbol"`
	Side     string `gorm:"size:10" json:"side"`
	Kind     string `gorm:"size:20" json:"kind"`
	Exchange string `gorm:"size:50" json:"exchange"`

	TriggerPrice float64 `json:"trigger_price"`
	Quantity     float64 `json:"quantity"`

	Status      string     `gorm:"size:20;not null;default:active;index" json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	TriggeredAt *time.Time `json:"triggered_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (PriceOrder) TableName() string {
	return "price_orders"
}

// SiblingKind returns the opposite protective order kind, the one that must
// be cancelled when this order triggers.
func (o *PriceOrder) SiblingKind() string {
	if o.Kind == OrderKindStopLoss {
		return OrderKindTakeProfit
	}
	return OrderKindStopLoss
}
