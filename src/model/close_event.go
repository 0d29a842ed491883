package model

import "time"

const (
	CloseReasonStopLoss   = "stop_loss"
	CloseReasonTakeProfit = "take_profit"
	CloseReasonManual     = "manual_close"
)

const (
	TriggerTypeExchangeOrder = "exchange_order"
	TriggerTypeManual        = "manual"
)

// PositionCloseEvent records one real-world position close. TriggerOrderID is
// the idempotency key: at most one event may exist for a given trigger order.
type PositionCloseEvent struct {
	ID     uint   `gorm:"primaryKey" json:"id"`
	Symbol string `gorm:"size:50;index:idx_close_events_symbol_side" json:"symbol"`
	Side   string `gorm:"size:10;index:idx_close_events_symbol_side" json:"side"`

	CloseReason string `gorm:"size:30" json:"close_reason"`
	TriggerType string `gorm:"size:30" json:"trigger_type"`

	EntryPrice float64 `json:"entry_price"`
	ClosePrice float64 `json:"close_price"`
	Quantity   float64 `json:"quantity"`
	Pnl        float64 `json:"pnl"`
	PnlPercent float64 `json:"pnl_percent"`
	Fee        float64 `json:"fee"`

	TriggerOrderID string `gorm:"size:100;uniqueIndex" json:"trigger_order_id"`
	CloseTradeID   uint   `gorm:"index" json:"close_trade_id"`

	Processed bool      `gorm:"not null;default:false" json:"processed"`
	CreatedAt time.Time `json:"created_at"`
}

func (PositionCloseEvent) TableName() string {
	return "position_close_events"
}
