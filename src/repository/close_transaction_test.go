package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"perpexecutor/src/model"

	"github.com/DATA-DOG/go-sqlmock"
)

func closeCommitFixture() CloseCommit {
	triggeredAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return CloseCommit{
		Position: &model.Position{
			ID:         1,
			Symbol:     "BTCUSDT",
			Side:       model.SideLong,
			EntryPrice: 50000,
			Quantity:   0.1,
		},
		TriggeredOrder: &model.PriceOrder{
			OrderID: "sl-1",
			Symbol:  "BTCUSDT",
			Side:    model.SideLong,
			Kind:    model.OrderKindStopLoss,
			Status:  model.OrderStatusActive,
		},
		Sibling: &model.PriceOrder{
			OrderID: "tp-1",
			Kind:    model.OrderKindTakeProfit,
			Status:  model.OrderStatusActive,
		},
		CloseTrade: &model.Trade{
			OrderID:  "sl-1",
			Symbol:   "BTCUSDT",
			Kind:     model.TradeKindClose,
			Price:    47950,
			Quantity: 0.1,
			Pnl:      -205,
		},
		Event: &model.PositionCloseEvent{
			Symbol:         "BTCUSDT",
			Side:           model.SideLong,
			CloseReason:    model.CloseReasonStopLoss,
			TriggerType:    model.TriggerTypeExchangeOrder,
			TriggerOrderID: "sl-1",
			ClosePrice:     47950,
		},
		TriggeredAt: triggeredAt,
	}
}

func TestCommitTriggeredClose(t *testing.T) {
	db, mock := newMockDB(t)
	repo := (&CloseTransactionRepository{}).WithDB(db)
	commit := closeCommitFixture()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "positions"`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "price_orders" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "price_orders" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "trades"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "position_close_events"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
	mock.ExpectCommit()

	if err := repo.CommitTriggeredClose(context.Background(), commit); err != nil {
		t.Fatalf("expected commit to succeed, got %v", err)
	}
	if commit.Event.CloseTradeID != 7 {
		t.Fatalf("expected close event linked to trade 7, got %d", commit.Event.CloseTradeID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCommitTriggeredClosePartial(t *testing.T) {
	db, mock := newMockDB(t)
	repo := (&CloseTransactionRepository{}).WithDB(db)

	commit := closeCommitFixture()
	commit.Sibling = nil
	commit.RemainingQuantity = 0.05

	mock.ExpectBegin()
	// A partial close shrinks the position instead of deleting it.
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "positions" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "price_orders" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "trades"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(8))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "position_close_events"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(4))
	mock.ExpectCommit()

	if err := repo.CommitTriggeredClose(context.Background(), commit); err != nil {
		t.Fatalf("expected partial commit to succeed, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCommitTriggeredCloseRollsBack(t *testing.T) {
	db, mock := newMockDB(t)
	repo := (&CloseTransactionRepository{}).WithDB(db)
	commit := closeCommitFixture()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "positions"`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "price_orders" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "price_orders" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "trades"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))
	// Duplicate trigger_order_id aborts everything.
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "position_close_events"`)).
		WillReturnError(errors.New("duplicate key value violates unique constraint"))
	mock.ExpectRollback()

	if err := repo.CommitTriggeredClose(context.Background(), commit); err == nil {
		t.Fatal("expected commit to fail on duplicate close event")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
