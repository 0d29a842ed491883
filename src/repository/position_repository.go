package repository

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"perpexecutor/src/database"
	"perpexecutor/src/model"
)

// PositionRepository handles persistence for Position entities.
type PositionRepository struct {
	db *gorm.DB
}

// NewPositionRepository creates a new repository instance using the main read/write database.
func NewPositionRepository() *PositionRepository {
	logger.WithField("component", "PositionRepository").
		Info("Creating new PositionRepository with MainDB")

	return &PositionRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *PositionRepository) WithDB(db *gorm.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// Create inserts a new Position row. The unique (symbol, side) index rejects
// a second live position on the same market.
func (r *PositionRepository) Create(
	ctx context.Context,
	position *model.Position,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":   "PositionRepository",
		"op":     "Create",
		"symbol": position.Symbol,
		"side":   position.Side,
		"qty":    position.Quantity,
	}).Debug("Creating new position")

	err := r.db.WithContext(ctx).Create(position).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "PositionRepository",
			"op":     "Create",
			"symbol": position.Symbol,
			"side":   position.Side,
		}).WithError(err).Error("Failed to create position")

		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":        "PositionRepository",
		"op":          "Create",
		"position_id": position.ID,
	}).Info("Position created successfully")

	return nil
}

// FindBySymbolSide fetches the single live position for a (symbol, side)
// pair. Returns (nil, nil) if not found.
func (r *PositionRepository) FindBySymbolSide(
	ctx context.Context,
	symbol, side string,
) (*model.Position, error) {

	logger.WithFields(map[string]interface{}{
		"repo":   "PositionRepository",
		"op":     "FindBySymbolSide",
		"symbol": symbol,
		"side":   side,
	}).Debug("Fetching position")

	var position model.Position

	err := r.db.WithContext(ctx).
		Where("symbol = ? AND side = ?", symbol, side).
		First(&position).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":   "PositionRepository",
			"op":     "FindBySymbolSide",
			"symbol": symbol,
			"side":   side,
		}).WithError(err).Error("Failed to fetch position")

		return nil, err
	}

	return &position, nil
}

// FindAll returns every live position.
func (r *PositionRepository) FindAll(ctx context.Context) ([]model.Position, error) {
	var positions []model.Position

	err := r.db.WithContext(ctx).
		Order("symbol ASC, side ASC").
		Find(&positions).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "PositionRepository",
			"op":   "FindAll",
		}).WithError(err).Error("Failed to list positions")

		return nil, err
	}

	return positions, nil
}

// Save persists in-place changes (peak pnl, partial close bookkeeping,
// protective levels).
func (r *PositionRepository) Save(
	ctx context.Context,
	position *model.Position,
) error {

	err := r.db.WithContext(ctx).Save(position).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":        "PositionRepository",
			"op":          "Save",
			"position_id": position.ID,
		}).WithError(err).Error("Failed to save position")

		return err
	}

	return nil
}

// Delete removes a position row outside the atomic close path. The close
// transaction deletes through its own tx handle instead.
func (r *PositionRepository) Delete(
	ctx context.Context,
	position *model.Position,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":        "PositionRepository",
		"op":          "Delete",
		"position_id": position.ID,
		"symbol":      position.Symbol,
		"side":        position.Side,
	}).Debug("Deleting position")

	err := r.db.WithContext(ctx).Delete(position).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":        "PositionRepository",
			"op":          "Delete",
			"position_id": position.ID,
		}).WithError(err).Error("Failed to delete position")

		return err
	}

	return nil
}
