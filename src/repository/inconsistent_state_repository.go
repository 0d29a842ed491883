package repository

import (
	"context"
	"encoding/json"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"perpexecutor/src/database"
	"perpexecutor/src/model"
)

// InconsistentStateRepository handles the manual-intervention audit trail.
type InconsistentStateRepository struct {
	db *gorm.DB
}

// NewInconsistentStateRepository creates a new repository instance.
func NewInconsistentStateRepository() *InconsistentStateRepository {
	return &InconsistentStateRepository{
		db: database.MainDB,
	}
}

func (r *InconsistentStateRepository) WithDB(db *gorm.DB) *InconsistentStateRepository {
	return &InconsistentStateRepository{db: db}
}

// Create persists one inconsistency row.
func (r *InconsistentStateRepository) Create(
	ctx context.Context,
	state *model.InconsistentState,
) error {

	logger.WithFields(map[string]interface{}{
		"operation":        state.Operation,
		"exchange_success": state.ExchangeSuccess,
		"db_success":       state.DBSuccess,
	}).Error("Persisting inconsistent state")

	return r.db.WithContext(ctx).Create(state).Error
}

// FindUnresolved returns every row still awaiting manual resolution.
func (r *InconsistentStateRepository) FindUnresolved(ctx context.Context) ([]model.InconsistentState, error) {
	var states []model.InconsistentState

	err := r.db.WithContext(ctx).
		Where("resolved = ?", false).
		Order("id ASC").
		Find(&states).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "InconsistentStateRepository",
			"op":   "FindUnresolved",
		}).WithError(err).Error("Failed to list inconsistent states")

		return nil, err
	}

	return states, nil
}

// MarkResolved flags a row after an operator has reconciled it by hand.
func (r *InconsistentStateRepository) MarkResolved(ctx context.Context, id uint) error {
	err := r.db.WithContext(ctx).
		Model(&model.InconsistentState{}).
		Where("id = ?", id).
		Update("resolved", true).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "InconsistentStateRepository",
			"op":   "MarkResolved",
			"id":   id,
		}).WithError(err).Error("Failed to mark inconsistent state resolved")

		return err
	}

	return nil
}

// CaptureInconsistency records a cross-system write that ended half-applied:
// one of exchange/database succeeded while the other failed. Persistence
// failures here only log; the audit trail must never take the trading path
// down with it.
func CaptureInconsistency(
	ctx context.Context,
	repo *InconsistentStateRepository,
	operation string,
	exchangeSuccess bool,
	dbSuccess bool,
	err error,
	contextData map[string]interface{},
) {

	if err == nil {
		return
	}

	var ctxJSON string
	if contextData != nil {
		if b, e := json.Marshal(contextData); e == nil {
			ctxJSON = string(b)
		}
	}

	state := &model.InconsistentState{
		Operation:       operation,
		ExchangeSuccess: exchangeSuccess,
		DBSuccess:       dbSuccess,
		ErrorMessage:    err.Error(),
		Context:         ctxJSON,
	}

	logger.WithFields(map[string]interface{}{
		"operation":        operation,
		"exchange_success": exchangeSuccess,
		"db_success":       dbSuccess,
	}).WithError(err).Error("Inconsistent state captured")

	if repo == nil {
		return
	}
	if persistErr := repo.Create(ctx, state); persistErr != nil {
		logger.WithError(persistErr).Error("Failed to persist inconsistent state")
	}
}
