package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	logger "github.com/sirupsen/logrus"

	"perpexecutor/src/connectors"
	"perpexecutor/src/model"
	"perpexecutor/src/repository"
)

// Store dependencies are interfaces so cycle logic is testable without a
// database; the repository package provides the production implementations.
type positionStore interface {
	FindBySymbolSide(ctx context.Context, symbol, side string) (*model.Position, error)
	FindAll(ctx context.Context) ([]model.Position, error)
	Save(ctx context.Context, position *model.Position) error
}

type orderStore interface {
	FindActive(ctx context.Context) ([]model.PriceOrder, error)
	FindActiveSibling(ctx context.Context, order *model.PriceOrder) (*model.PriceOrder, error)
	MarkCancelled(ctx context.Context, orderID string) error
	MarkTriggered(ctx context.Context, orderID string, at time.Time) error
}

type eventStore interface {
	ExistsByTriggerOrderID(ctx context.Context, triggerOrderID string) (bool, error)
	FindRecentBySymbolSide(ctx context.Context, symbol, side string, since time.Time) (*model.PositionCloseEvent, error)
}

type inconsistencyStore interface {
	Create(ctx context.Context, state *model.InconsistentState) error
}

type closeCommitter interface {
	CommitTriggeredClose(ctx context.Context, commit repository.CloseCommit) error
}

// Engine is the polling state machine that keeps local truth consistent with
// the exchange: it detects exchange-side conditional order triggers, matches
// them against trade fills under tolerance, and commits atomic close
// transactions.
type Engine struct {
	adapter connectors.Adapter
	clock   connectors.Clock
	cfg     Config
	policy  MatchPolicy

	positions       positionStore
	orders          orderStore
	events          eventStore
	inconsistencies inconsistencyStore
	closeTx         closeCommitter

	// running keeps polls from overlapping: a tick arriving while a cycle
	// is in flight is skipped, not queued.
	running atomic.Bool
}

func NewEngine(adapter connectors.Adapter, cfg Config, clock connectors.Clock) *Engine {
	if clock == nil {
		clock = connectors.SystemClock()
	}
	return &Engine{
		adapter:         adapter,
		clock:           clock,
		cfg:             cfg,
		policy:          NewMatchPolicy(cfg),
		positions:       repository.NewPositionRepository(),
		orders:          repository.NewPriceOrderRepository(),
		events:          repository.NewCloseEventRepository(),
		inconsistencies: repository.NewInconsistentStateRepository(),
		closeTx:         repository.NewCloseTransactionRepository(),
	}
}

// RunCycle executes one reconciliation pass. Overlapping calls are skipped.
func (e *Engine) RunCycle(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		logger.Warn("Reconciliation cycle still in flight, skipping tick")
		return nil
	}
	defer e.running.Store(false)

	started := e.clock.Now()

	activeOrders, err := e.orders.FindActive(ctx)
	if err != nil {
		return fmt.Errorf("load active orders: %w", err)
	}

	if len(activeOrders) > 0 {
		if err := e.reconcileOrders(ctx, activeOrders); err != nil {
			return err
		}
	}

	e.trackPeakPnl(ctx)

	logger.WithFields(map[string]interface{}{
		"active_orders": len(activeOrders),
		"elapsed":       e.clock.Now().Sub(started).String(),
	}).Debug("Reconciliation cycle finished")

	return nil
}

func (e *Engine) reconcileOrders(ctx context.Context, activeOrders []model.PriceOrder) error {
	// One round trip each for orders and positions, not one per order.
	exchangeOrders, err := e.adapter.GetOpenStopOrders(ctx)
	if err != nil {
		return fmt.Errorf("fetch open conditional orders: %w", err)
	}
	openOrderIDs := make(map[string]struct{}, len(exchangeOrders))
	for _, o := range exchangeOrders {
		openOrderIDs[o.OrderID] = struct{}{}
	}

	exchangePositions, err := e.adapter.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}
	openPositionSize := make(map[string]float64, len(exchangePositions))
	for _, p := range exchangePositions {
		openPositionSize[p.Symbol+"/"+p.Side] += p.Size
	}

	for i := range activeOrders {
		order := &activeOrders[i]
		if _, stillOpen := openOrderIDs[order.OrderID]; stillOpen {
			continue
		}
		e.resolveVanishedOrder(ctx, order, openPositionSize)
	}

	return nil
}

// resolveVanishedOrder classifies one locally-active order that the exchange
// no longer lists: cancelled, triggered with a matched fill, or an
// unresolved inconsistency. Per-order failures log and move on so one bad
// order cannot stall the rest of the cycle.
func (e *Engine) resolveVanishedOrder(ctx context.Context, order *model.PriceOrder, openPositionSize map[string]float64) {
	log := logger.WithFields(map[string]interface{}{
		"order_id": order.OrderID,
		"symbol":   order.Symbol,
		"side":     order.Side,
		"kind":     order.Kind,
	})

	// Position still open with size means the order was removed without a
	// fill.
	if size := openPositionSize[order.Symbol+"/"+order.Side]; size > 0 {
		log.WithField("exchange_size", size).Info("Conditional order vanished with position intact, classifying cancelled")
		if err := e.orders.MarkCancelled(ctx, order.OrderID); err != nil {
			log.WithError(err).Error("Failed to mark order cancelled")
		}
		return
	}

	skip, err := e.alreadyProcessed(ctx, order)
	if err != nil {
		log.WithError(err).Error("Idempotency check failed, leaving order for next cycle")
		return
	}
	if skip {
		log.Info("Close already recorded for this trigger, skipping")
		return
	}

	fill := e.searchClosingFill(ctx, order)
	if fill == nil {
		e.recordUnresolved(ctx, order, log)
		return
	}

	if err := e.commitClose(ctx, order, fill); err != nil {
		log.WithError(err).Error("Failed to commit triggered close, order stays active for re-evaluation")
	}
}

// alreadyProcessed implements the idempotency guard: an existing close event
// for this trigger order, or a recent terminal close for the same market.
func (e *Engine) alreadyProcessed(ctx context.Context, order *model.PriceOrder) (bool, error) {
	exists, err := e.events.ExistsByTriggerOrderID(ctx, order.OrderID)
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}

	since := e.clock.Now().Add(-e.cfg.RecentCloseWindow)
	recent, err := e.events.FindRecentBySymbolSide(ctx, order.Symbol, order.Side, since)
	if err != nil {
		return false, err
	}
	return recent != nil, nil
}

// searchClosingFill looks for a matching fill in recent trade history,
// retrying a bounded number of times because some exchanges propagate fills
// to the history endpoint with latency.
func (e *Engine) searchClosingFill(ctx context.Context, order *model.PriceOrder) *connectors.TradeFill {
	since := e.clock.Now().Add(-e.cfg.TradeLookback)

	attempts := e.cfg.TradeFetchRetries
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		fills, err := e.adapter.GetTrades(ctx, order.Symbol, since)
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"order_id": order.OrderID,
				"attempt":  attempt,
			}).WithError(err).Warn("Trade history fetch failed")
		} else if fill := e.policy.MatchFill(order, fills); fill != nil {
			return fill
		}
		if attempt < attempts {
			e.clock.Sleep(e.cfg.TradeFetchDelay)
		}
	}
	return nil
}

// commitClose computes P&L and writes the whole close picture in one
// transaction. The sibling protective order is cancelled best-effort on the
// exchange and always locally.
func (e *Engine) commitClose(ctx context.Context, order *model.PriceOrder, fill *connectors.TradeFill) error {
	position, err := e.positions.FindBySymbolSide(ctx, order.Symbol, order.Side)
	if err != nil {
		return err
	}
	if position == nil {
		// A fill without a local position row cannot produce a coherent
		// close event.
		if markErr := e.orders.MarkTriggered(ctx, order.OrderID, fill.ExecutedAt); markErr != nil {
			logger.WithError(markErr).Error("Failed to mark orphaned order triggered")
		}
		e.captureInconsistency(ctx, "commit_close",
			fmt.Errorf("matched fill %s but no local position for %s/%s", fill.TradeID, order.Symbol, order.Side),
			map[string]interface{}{
				"order_id": order.OrderID,
				"trade_id": fill.TradeID,
				"symbol":   order.Symbol,
				"side":     order.Side,
			})
		return nil
	}

	spec, err := e.adapter.GetContractSpec(ctx, order.Symbol)
	if err != nil {
		return fmt.Errorf("contract spec: %w", err)
	}

	closedQty := fill.Quantity
	grossPnl := e.adapter.ComputePnl(position.EntryPrice, fill.Price, closedQty, position.Side, spec)
	fee := fill.Fee
	if fee == 0 {
		fee = e.adapter.EstimateFee(fill.Price, closedQty, spec)
	}
	netPnl := grossPnl - fee

	notional := closedQty * spec.Multiplier * position.EntryPrice
	pnlPercent := 0.0
	if position.Leverage > 0 && notional > 0 {
		pnlPercent = netPnl / (notional / float64(position.Leverage)) * 100
	}

	closeReason := model.CloseReasonStopLoss
	if order.Kind == model.OrderKindTakeProfit {
		closeReason = model.CloseReasonTakeProfit
	}

	sibling, err := e.orders.FindActiveSibling(ctx, order)
	if err != nil {
		return err
	}
	if sibling != nil {
		// Best effort on the exchange; the local cancel happens inside
		// the transaction below regardless.
		if cancelErr := e.adapter.CancelOrder(ctx, sibling.Symbol, sibling.OrderID); cancelErr != nil {
			logger.WithFields(map[string]interface{}{
				"sibling_order_id": sibling.OrderID,
			}).WithError(cancelErr).Warn("Failed to cancel sibling order on exchange")
		}
	}

	remaining := position.Quantity - closedQty
	if remaining < spec.LotSize {
		remaining = 0
	}
	if remaining > 0 && position.Quantity > 0 {
		// closedQty is a share of the current quantity; the lifetime counter
		// tracks the original size, so scale by what is still open. The sum
		// never exceeds 100.
		position.PartialClosePercentage += closedQty / position.Quantity * (100 - position.PartialClosePercentage)
		if position.PartialClosePercentage > 100 {
			position.PartialClosePercentage = 100
		}
	}

	commit := repository.CloseCommit{
		Position:       position,
		TriggeredOrder: order,
		Sibling:        sibling,
		CloseTrade: &model.Trade{
			OrderID:   order.OrderID,
			Symbol:    order.Symbol,
			Side:      model.OppositeSide(position.Side),
			Kind:      model.TradeKindClose,
			Exchange:  e.adapter.Name(),
			Price:     fill.Price,
			Quantity:  closedQty,
			Leverage:  position.Leverage,
			Pnl:       netPnl,
			Fee:       fee,
			Timestamp: fill.ExecutedAt,
			Status:    model.TradeStatusFilled,
		},
		Event: &model.PositionCloseEvent{
			Symbol:         order.Symbol,
			Side:           position.Side,
			CloseReason:    closeReason,
			TriggerType:    model.TriggerTypeExchangeOrder,
			EntryPrice:     position.EntryPrice,
			ClosePrice:     fill.Price,
			Quantity:       closedQty,
			Pnl:            netPnl,
			PnlPercent:     pnlPercent,
			Fee:            fee,
			TriggerOrderID: order.OrderID,
		},
		TriggeredAt:       fill.ExecutedAt,
		RemainingQuantity: remaining,
	}

	if err := e.closeTx.CommitTriggeredClose(ctx, commit); err != nil {
		return err
	}

	logger.WithFields(map[string]interface{}{
		"order_id":     order.OrderID,
		"symbol":       order.Symbol,
		"side":         position.Side,
		"close_reason": closeReason,
		"close_price":  fill.Price,
		"pnl":          netPnl,
		"pnl_percent":  pnlPercent,
	}).Info("Position close reconciled")

	return nil
}

// recordUnresolved handles the order-gone-no-fill case: best-effort status
// change, no fabricated P&L, and a durable audit row.
func (e *Engine) recordUnresolved(ctx context.Context, order *model.PriceOrder, log *logger.Entry) {
	log.Warn("Order vanished with no position and no matching fill, recording inconsistency")

	if err := e.orders.MarkTriggered(ctx, order.OrderID, e.clock.Now()); err != nil {
		log.WithError(err).Error("Failed to mark unresolved order triggered")
	}

	e.captureInconsistency(ctx, "reconcile_vanished_order",
		fmt.Errorf("conditional order %s vanished without a matching fill", order.OrderID),
		map[string]interface{}{
			"order_id":      order.OrderID,
			"symbol":        order.Symbol,
			"side":          order.Side,
			"kind":          order.Kind,
			"trigger_price": order.TriggerPrice,
			"quantity":      order.Quantity,
		})
}

// captureInconsistency appends one audit row. Persistence failures only log;
// the audit trail must never take the reconciliation path down with it.
func (e *Engine) captureInconsistency(ctx context.Context, operation string, cause error, contextData map[string]interface{}) {
	ctxJSON := ""
	if b, err := json.Marshal(contextData); err == nil {
		ctxJSON = string(b)
	}

	state := &model.InconsistentState{
		Operation:       operation,
		ExchangeSuccess: true,
		DBSuccess:       false,
		ErrorMessage:    cause.Error(),
		Context:         ctxJSON,
	}

	logger.WithField("operation", operation).WithError(cause).Error("Inconsistent state captured")

	if err := e.inconsistencies.Create(ctx, state); err != nil {
		logger.WithError(err).Error("Failed to persist inconsistent state")
	}
}

// trackPeakPnl refreshes each position's high-water unrealized pnl percent.
// Best effort: a failed ticker read never fails the cycle.
func (e *Engine) trackPeakPnl(ctx context.Context) {
	positions, err := e.positions.FindAll(ctx)
	if err != nil {
		logger.WithError(err).Warn("Failed to load positions for peak pnl tracking")
		return
	}

	for i := range positions {
		position := &positions[i]

		ticker, err := e.adapter.GetTicker(ctx, position.Symbol)
		if err != nil || ticker.Last <= 0 {
			continue
		}
		spec, err := e.adapter.GetContractSpec(ctx, position.Symbol)
		if err != nil {
			continue
		}

		pnl := e.adapter.ComputePnl(position.EntryPrice, ticker.Last, position.Quantity, position.Side, spec)
		notional := position.Quantity * spec.Multiplier * position.EntryPrice
		if position.Leverage <= 0 || notional <= 0 {
			continue
		}
		pct := pnl / (notional / float64(position.Leverage)) * 100

		if pct > position.PeakPnlPercent {
			position.PeakPnlPercent = pct
			if err := e.positions.Save(ctx, position); err != nil {
				logger.WithFields(map[string]interface{}{
					"symbol": position.Symbol,
					"side":   position.Side,
				}).WithError(err).Warn("Failed to persist peak pnl")
			}
		}
	}
}
