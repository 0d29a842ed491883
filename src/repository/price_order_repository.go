package repository

import (
	"context"
	"errors"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"perpexecutor/src/database"
	"perpexecutor/src/model"
)

// PriceOrderRepository handles persistence for PriceOrder entities.
type PriceOrderRepository struct {
	db *gorm.DB
}

// NewPriceOrderRepository creates a new repository instance using the main read/write database.
func NewPriceOrderRepository() *PriceOrderRepository {
	logger.WithField("component", "PriceOrderRepository").
		Info("Creating new PriceOrderRepository with MainDB")

	return &PriceOrderRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *PriceOrderRepository) WithDB(db *gorm.DB) *PriceOrderRepository {
	return &PriceOrderRepository{db: db}
}

// Create inserts a new PriceOrder row in active status.
func (r *PriceOrderRepository) Create(
	ctx context.Context,
	order *model.PriceOrder,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":     "PriceOrderRepository",
		"op":       "Create",
		"order_id": order.OrderID,
		"symbol":   order.Symbol,
		"kind":     order.Kind,
		"trigger":  order.TriggerPrice,
	}).Debug("Creating new price order")

	err := r.db.WithContext(ctx).Create(order).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":     "PriceOrderRepository",
			"op":       "Create",
			"order_id": order.OrderID,
		}).WithError(err).Error("Failed to create price order")

		return err
	}

	return nil
}

// FindByOrderID fetches a PriceOrder by its exchange order id.
// Returns (nil, nil) if not found.
func (r *PriceOrderRepository) FindByOrderID(
	ctx context.Context,
	orderID string,
) (*model.PriceOrder, error) {

	var order model.PriceOrder

	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		First(&order).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":     "PriceOrderRepository",
			"op":       "FindByOrderID",
			"order_id": orderID,
		}).WithError(err).Error("Failed to fetch price order")

		return nil, err
	}

	return &order, nil
}

// FindActive returns every order still in active status. This is the working
// set of each reconciliation cycle.
func (r *PriceOrderRepository) FindActive(ctx context.Context) ([]model.PriceOrder, error) {
	var orders []model.PriceOrder

	err := r.db.WithContext(ctx).
		Where("status = ?", model.OrderStatusActive).
		Order("id ASC").
		Find(&orders).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "PriceOrderRepository",
			"op":   "FindActive",
		}).WithError(err).Error("Failed to list active price orders")

		return nil, err
	}

	return orders, nil
}

// FindActiveSibling returns the active order of the opposite kind protecting
// the same (symbol, side), or (nil, nil) when the position has no sibling.
func (r *PriceOrderRepository) FindActiveSibling(
	ctx context.Context,
	order *model.PriceOrder,
) (*model.PriceOrder, error) {

	var sibling model.PriceOrder

	err := r.db.WithContext(ctx).
		Where("symbol = ? AND side = ? AND kind = ? AND status = ?",
			order.Symbol, order.Side, order.SiblingKind(), model.OrderStatusActive).
		First(&sibling).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":     "PriceOrderRepository",
			"op":       "FindActiveSibling",
			"order_id": order.OrderID,
		}).WithError(err).Error("Failed to fetch sibling order")

		return nil, err
	}

	return &sibling, nil
}

// FindActiveBySymbolSideKind returns the single active order of one kind
// protecting a (symbol, side), or (nil, nil).
func (r *PriceOrderRepository) FindActiveBySymbolSideKind(
	ctx context.Context,
	symbol, side, kind string,
) (*model.PriceOrder, error) {

	var order model.PriceOrder

	err := r.db.WithContext(ctx).
		Where("symbol = ? AND side = ? AND kind = ? AND status = ?",
			symbol, side, kind, model.OrderStatusActive).
		First(&order).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":   "PriceOrderRepository",
			"op":     "FindActiveBySymbolSideKind",
			"symbol": symbol,
			"side":   side,
			"kind":   kind,
		}).WithError(err).Error("Failed to fetch active price order")

		return nil, err
	}

	return &order, nil
}

// MarkCancelled moves an order into the terminal cancelled status.
func (r *PriceOrderRepository) MarkCancelled(
	ctx context.Context,
	orderID string,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":     "PriceOrderRepository",
		"op":       "MarkCancelled",
		"order_id": orderID,
	}).Debug("Marking price order cancelled")

	err := r.db.WithContext(ctx).
		Model(&model.PriceOrder{}).
		Where("order_id = ? AND status = ?", orderID, model.OrderStatusActive).
		Update("status", model.OrderStatusCancelled).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":     "PriceOrderRepository",
			"op":       "MarkCancelled",
			"order_id": orderID,
		}).WithError(err).Error("Failed to mark price order cancelled")

		return err
	}

	return nil
}

// MarkTriggered moves an order into the terminal triggered status and stamps
// the trigger time. Used outside the close transaction only for orders whose
// position had already disappeared.
func (r *PriceOrderRepository) MarkTriggered(
	ctx context.Context,
	orderID string,
	at time.Time,
) error {

	err := r.db.WithContext(ctx).
		Model(&model.PriceOrder{}).
		Where("order_id = ? AND status = ?", orderID, model.OrderStatusActive).
		Updates(map[string]interface{}{
			"status":       model.OrderStatusTriggered,
			"triggered_at": at,
		}).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":     "PriceOrderRepository",
			"op":       "MarkTriggered",
			"order_id": orderID,
		}).WithError(err).Error("Failed to mark price order triggered")

		return err
	}

	return nil
}
