package model

import "time"

const (
	SideLong  = "long"
	SideShort = "short"
)

// Position is the single live row per (symbol, side). It is created when an
// open intent executes and deleted only inside the atomic close transaction.
type Position struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Symbol   string `gorm:"size:50;index:idx_positions_symbol_side,unique" json:"symbol"`
	Side     string `gorm:"size:10;index:idx_positions_symbol_side,unique" json:"side"`
	Exchange string `gorm:"size:50" json:"exchange"`

	EntryPrice float64 `json:"entry_price"`
	Quantity   float64 `json:"quantity"`
	Leverage   int     `json:"leverage"`

	// EntryOrderID is the exchange order that opened the position. It is
	// preserved across reconciliation re-syncs that find no contradicting
	// exchange data.
	EntryOrderID string    `gorm:"size:100;index" json:"entry_order_id"`
	OpenedAt     time.Time `json:"opened_at"`

	PeakPnlPercent         float64 `json:"peak_pnl_percent"`
	PartialClosePercentage float64 `json:"partial_close_percentage"`

	StopLoss     float64 `json:"stop_loss"`
	ProfitTarget float64 `json:"profit_target"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Position) TableName() string {
	return "positions"
}

// OppositeSide returns the side that closes this position.
func OppositeSide(side string) string {
	if side == SideLong {
		return SideShort
	}
	return SideLong
}
