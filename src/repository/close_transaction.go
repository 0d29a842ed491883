package repository

import (
	"context"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"perpexecutor/src/database"
	"perpexecutor/src/model"
)

// CloseCommit bundles everything the atomic close transaction writes. All
// fields except Sibling are required; RemainingQuantity above zero turns the
// position delete into a partial-close shrink.
type CloseCommit struct {
	Position       *model.Position
	TriggeredOrder *model.PriceOrder
	Sibling        *model.PriceOrder
	CloseTrade     *model.Trade
	Event          *model.PositionCloseEvent

	TriggeredAt       time.Time
	RemainingQuantity float64
}

// CloseTransactionRepository commits position closes atomically: either the
// whole picture changes (position gone, order triggered, sibling cancelled,
// trade and close event recorded) or none of it does.
type CloseTransactionRepository struct {
	db *gorm.DB
}

func NewCloseTransactionRepository() *CloseTransactionRepository {
	return &CloseTransactionRepository{db: database.MainDB}
}

func (r *CloseTransactionRepository) WithDB(db *gorm.DB) *CloseTransactionRepository {
	return &CloseTransactionRepository{db: db}
}

// CommitTriggeredClose applies one detected trigger in a single database
// transaction. The close event is inserted last so its unique
// trigger_order_id index aborts the whole transaction on a duplicate.
func (r *CloseTransactionRepository) CommitTriggeredClose(
	ctx context.Context,
	commit CloseCommit,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":             "CloseTransactionRepository",
		"op":               "CommitTriggeredClose",
		"symbol":           commit.Position.Symbol,
		"side":             commit.Position.Side,
		"trigger_order_id": commit.TriggeredOrder.OrderID,
		"remaining_qty":    commit.RemainingQuantity,
	}).Info("Committing triggered close")

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if commit.RemainingQuantity > 0 {
			err := tx.Model(&model.Position{}).
				Where("id = ?", commit.Position.ID).
				Updates(map[string]interface{}{
					"quantity":                 commit.RemainingQuantity,
					"partial_close_percentage": commit.Position.PartialClosePercentage,
				}).Error
			if err != nil {
				return err
			}
		} else {
			if err := tx.Delete(&model.Position{}, commit.Position.ID).Error; err != nil {
				return err
			}
		}

		err := tx.Model(&model.PriceOrder{}).
			Where("order_id = ? AND status = ?", commit.TriggeredOrder.OrderID, model.OrderStatusActive).
			Updates(map[string]interface{}{
				"status":       model.OrderStatusTriggered,
				"triggered_at": commit.TriggeredAt,
			}).Error
		if err != nil {
			return err
		}

		if commit.Sibling != nil {
			err := tx.Model(&model.PriceOrder{}).
				Where("order_id = ? AND status = ?", commit.Sibling.OrderID, model.OrderStatusActive).
				Update("status", model.OrderStatusCancelled).Error
			if err != nil {
				return err
			}
		}

		if err := tx.Create(commit.CloseTrade).Error; err != nil {
			return err
		}

		commit.Event.CloseTradeID = commit.CloseTrade.ID
		if err := tx.Create(commit.Event).Error; err != nil {
			return err
		}

		return nil
	})
}
