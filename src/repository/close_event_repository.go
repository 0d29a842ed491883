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

// CloseEventRepository handles persistence for PositionCloseEvent entities.
type CloseEventRepository struct {
	db *gorm.DB
}

// NewCloseEventRepository creates a new repository instance using the main read/write database.
func NewCloseEventRepository() *CloseEventRepository {
	logger.WithField("component", "CloseEventRepository").
		Info("Creating new CloseEventRepository with MainDB")

	return &CloseEventRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *CloseEventRepository) WithDB(db *gorm.DB) *CloseEventRepository {
	return &CloseEventRepository{db: db}
}

// Create inserts one close event. The unique index on trigger_order_id is
// the last line of defense against double processing.
func (r *CloseEventRepository) Create(
	ctx context.Context,
	event *model.PositionCloseEvent,
) error {

	err := r.db.WithContext(ctx).Create(event).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":             "CloseEventRepository",
			"op":               "Create",
			"trigger_order_id": event.TriggerOrderID,
		}).WithError(err).Error("Failed to create close event")

		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":             "CloseEventRepository",
		"op":               "Create",
		"event_id":         event.ID,
		"trigger_order_id": event.TriggerOrderID,
		"close_reason":     event.CloseReason,
		"pnl":              event.Pnl,
	}).Info("Close event recorded")

	return nil
}

// ExistsByTriggerOrderID reports whether a close event already exists for
// the given trigger order. This is the idempotency check consulted before
// committing a close.
func (r *CloseEventRepository) ExistsByTriggerOrderID(
	ctx context.Context,
	triggerOrderID string,
) (bool, error) {

	var count int64

	err := r.db.WithContext(ctx).
		Model(&model.PositionCloseEvent{}).
		Where("trigger_order_id = ?", triggerOrderID).
		Count(&count).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":             "CloseEventRepository",
			"op":               "ExistsByTriggerOrderID",
			"trigger_order_id": triggerOrderID,
		}).WithError(err).Error("Failed to check close event existence")

		return false, err
	}

	return count > 0, nil
}

// FindRecentBySymbolSide returns the newest close event for a (symbol, side)
// pair created after the given time, or (nil, nil). Used to avoid re-closing
// a market that was just closed.
func (r *CloseEventRepository) FindRecentBySymbolSide(
	ctx context.Context,
	symbol, side string,
	since time.Time,
) (*model.PositionCloseEvent, error) {

	var event model.PositionCloseEvent

	err := r.db.WithContext(ctx).
		Where("symbol = ? AND side = ? AND created_at > ?", symbol, side, since).
		Order("created_at DESC").
		First(&event).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":   "CloseEventRepository",
			"op":     "FindRecentBySymbolSide",
			"symbol": symbol,
			"side":   side,
		}).WithError(err).Error("Failed to fetch recent close event")

		return nil, err
	}

	return &event, nil
}

// FindLatest returns the most recent close events, newest first.
func (r *CloseEventRepository) FindLatest(ctx context.Context, limit int) ([]model.PositionCloseEvent, error) {
	if limit <= 0 {
		limit = 20
	}

	var events []model.PositionCloseEvent

	err := r.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&events).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "CloseEventRepository",
			"op":   "FindLatest",
		}).WithError(err).Error("Failed to list close events")

		return nil, err
	}

	return events, nil
}

// MarkProcessed flags an event once downstream consumers have handled it.
func (r *CloseEventRepository) MarkProcessed(ctx context.Context, id uint) error {
	err := r.db.WithContext(ctx).
		Model(&model.PositionCloseEvent{}).
		Where("id = ?", id).
		Update("processed", true).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":     "CloseEventRepository",
			"op":       "MarkProcessed",
			"event_id": id,
		}).WithError(err).Error("Failed to mark close event processed")

		return err
	}

	return nil
}
