package model

import "time"

// InconsistentState is the append-only audit trail for drift the engine could
// not resolve on its own: one side of a cross-system write succeeded while
// the other failed, or an order vanished without a matching fill. Rows are
// never auto-deleted; they are the only operator-facing manual-intervention
// surface.
type InconsistentState struct {
	ID uint `gorm:"primaryKey" json:"id"`

	Operation       string `gorm:"size:100;index" json:"operation"`
	ExchangeSuccess bool   `json:"exchange_success"`
	DBSuccess       bool   `json:"db_success"`

	ErrorMessage string `gorm:"type:text" json:"error_message"`

	// Extra context stored as JSON (symbol, order ids, prices).
	Context string `gorm:"type:text" json:"context,omitempty"`

	Resolved  bool      `gorm:"not null;default:false;index" json:"resolved"`
	CreatedAt time.Time `json:"created_at"`
}

func (InconsistentState) TableName() string {
	return "inconsistent_states"
}
