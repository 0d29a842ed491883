package model

import "time"

const (
	TradeKindOpen  = "open"
	TradeKindClose = "close"
)

const (
	TradeStatusFilled = "filled"
)

// Trade is one row of the append-only trade ledger. Close rows carry the
// realized pnl; open rows leave it at zero.
type Trade struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	OrderID  string `gorm:"size:100;index" json:"order_id"`
	Symbol   string `gorm:"size:50;index" json:"symbol"`
	Side     string `gorm:"size:10" json:"side"`
	Kind     string `gorm:"size:10" json:"kind"`
	Exchange string `gorm:"size:50" json:"exchange"`

	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Leverage int     `json:"leverage"`
	Pnl      float64 `json:"pnl"`
	Fee      float64 `json:"fee"`

	Timestamp time.Time `json:"timestamp"`
	Status    string    `gorm:"size:20;not null;default:filled" json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func (Trade) TableName() string {
	return "trades"
}
