package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"perpexecutor/src/connectors"
	"perpexecutor/src/model"
	"perpexecutor/src/repository"
	"perpexecutor/src/risk"
)

// Store interfaces mirror the repository surface the intents need; tests
// swap the factories below for in-memory fakes.
type positionRepository interface {
	FindBySymbolSide(ctx context.Context, symbol, side string) (*model.Position, error)
	Create(ctx context.Context, position *model.Position) error
	Save(ctx context.Context, position *model.Position) error
	Delete(ctx context.Context, position *model.Position) error
	FindAll(ctx context.Context) ([]model.Position, error)
}

type priceOrderRepository interface {
	Create(ctx context.Context, order *model.PriceOrder) error
	FindActive(ctx context.Context) ([]model.PriceOrder, error)
	FindActiveBySymbolSideKind(ctx context.Context, symbol, side, kind string) (*model.PriceOrder, error)
	MarkCancelled(ctx context.Context, orderID string) error
}

type tradeRepository interface {
	Create(ctx context.Context, trade *model.Trade) error
}

type closeEventRepository interface {
	Create(ctx context.Context, event *model.PositionCloseEvent) error
}

type inconsistencyRepository interface {
	Create(ctx context.Context, state *model.InconsistentState) error
}

var (
	newPositionRepo = func() positionRepository {
		return repository.NewPositionRepository()
	}
	newPriceOrderRepo = func() priceOrderRepository {
		return repository.NewPriceOrderRepository()
	}
	newTradeRepo = func() tradeRepository {
		return repository.NewTradeRepository()
	}
	newCloseEventRepo = func() closeEventRepository {
		return repository.NewCloseEventRepository()
	}
	newInconsistencyRepo = func() inconsistencyRepository {
		return repository.NewInconsistentStateRepository()
	}
)

// IntentController executes the three write intents the decision source may
// emit: open, close, adjust-protective-order. It owns the cross-system
// ordering (exchange first, then local truth) and records an
// InconsistentState row whenever the two sides disagree.
type IntentController struct {
	adapter connectors.Adapter
	cfg     Config
	now     func() time.Time

	positions       positionRepository
	orders          priceOrderRepository
	trades          tradeRepository
	events          closeEventRepository
	inconsistencies inconsistencyRepository
}

func NewIntentController(adapter connectors.Adapter) *IntentController {
	return &IntentController{
		adapter:         adapter,
		cfg:             GetConfig(),
		now:             time.Now,
		positions:       newPositionRepo(),
		orders:          newPriceOrderRepo(),
		trades:          newTradeRepo(),
		events:          newCloseEventRepo(),
		inconsistencies: newInconsistencyRepo(),
	}
}

func (c *IntentController) capture(ctx context.Context, operation string, exchangeOK, dbOK bool, err error, contextData map[string]interface{}) {
	if repo, ok := c.inconsistencies.(*repository.InconsistentStateRepository); ok {
		repository.CaptureInconsistency(ctx, repo, operation, exchangeOK, dbOK, err, contextData)
		return
	}
	// Test fakes land here.
	state := &model.InconsistentState{
		Operation:       operation,
		ExchangeSuccess: exchangeOK,
		DBSuccess:       dbOK,
		ErrorMessage:    err.Error(),
	}
	if createErr := c.inconsistencies.Create(ctx, state); createErr != nil {
		logger.WithError(createErr).Error("Failed to persist inconsistent state")
	}
}

// OpenPosition executes the open intent: size the order from the margin
// budget, place it, persist the position, then arm the protective orders.
func (c *IntentController) OpenPosition(
	ctx context.Context,
	symbol, side string,
	marginAmount float64,
	leverage int,
	stopLoss, takeProfit float64,
) error {

	if leverage <= 0 {
		leverage = c.cfg.DefaultLeverage
	}

	log := logger.WithFields(map[string]interface{}{
		"symbol":   symbol,
		"side":     side,
		"margin":   marginAmount,
		"leverage": leverage,
	})
	log.Info("Executing open intent")

	existing, err := c.positions.FindBySymbolSide(ctx, symbol, side)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("live position already exists for %s/%s", symbol, side)
	}

	// A non-positive margin means "use the configured slice of available
	// balance", as the decision source may not know the account state.
	if marginAmount <= 0 {
		account, err := c.adapter.GetAccount(ctx)
		if err != nil {
			return fmt.Errorf("account: %w", err)
		}
		marginAmount = account.Available * float64(c.cfg.OrderSizePercent) / 100
		if marginAmount <= 0 {
			return fmt.Errorf("no available balance to open %s/%s", symbol, side)
		}
	}

	if c.cfg.SessionSizingEnabled {
		scaled, session := risk.ScaleMarginBySession(
			decimal.NewFromFloat(marginAmount), c.now(), risk.DefaultSessionSizeConfig())
		if session == risk.SessionNoTrade {
			return fmt.Errorf("entries blocked during %s window", session)
		}
		marginAmount, _ = scaled.Float64()
		log = log.WithFields(map[string]interface{}{
			"session":       session,
			"scaled_margin": marginAmount,
		})
	}

	ticker, err := c.adapter.GetTicker(ctx, symbol)
	if err != nil {
		return fmt.Errorf("ticker: %w", err)
	}
	spec, err := c.adapter.GetContractSpec(ctx, symbol)
	if err != nil {
		return fmt.Errorf("contract spec: %w", err)
	}

	quantity := c.adapter.RequiredQuantity(marginAmount, ticker.Last, leverage, spec)
	if quantity <= 0 {
		return fmt.Errorf("computed quantity is zero for %s at price %f", symbol, ticker.Last)
	}

	signedSize := quantity
	if side == model.SideShort {
		signedSize = -quantity
	}

	result, err := c.adapter.PlaceOrder(ctx, symbol, signedSize, connectors.PriceUnset, false)
	if err != nil {
		return fmt.Errorf("place order: %w", err)
	}

	now := c.now()
	position := &model.Position{
		Symbol:       symbol,
		Side:         side,
		Exchange:     c.adapter.Name(),
		EntryPrice:   ticker.Last,
		Quantity:     quantity,
		Leverage:     leverage,
		EntryOrderID: result.OrderID,
		OpenedAt:     now,
		StopLoss:     stopLoss,
		ProfitTarget: takeProfit,
	}
	if err := c.positions.Create(ctx, position); err != nil {
		// The exchange holds a position our store does not know about.
		c.capture(ctx, "open_position", true, false, err, map[string]interface{}{
			"symbol":   symbol,
			"side":     side,
			"order_id": result.OrderID,
			"quantity": quantity,
		})
		return err
	}

	openTrade := &model.Trade{
		OrderID:   result.OrderID,
		Symbol:    symbol,
		Side:      side,
		Kind:      model.TradeKindOpen,
		Exchange:  c.adapter.Name(),
		Price:     ticker.Last,
		Quantity:  quantity,
		Leverage:  leverage,
		Fee:       c.adapter.EstimateFee(ticker.Last, quantity, spec),
		Timestamp: now,
		Status:    model.TradeStatusFilled,
	}
	if err := c.trades.Create(ctx, openTrade); err != nil {
		log.WithError(err).Error("Failed to record open trade")
	}

	if stopLoss > 0 {
		c.armProtectiveOrder(ctx, position, model.OrderKindStopLoss, stopLoss)
	}
	if takeProfit > 0 {
		c.armProtectiveOrder(ctx, position, model.OrderKindTakeProfit, takeProfit)
	}

	log.WithFields(map[string]interface{}{
		"order_id": result.OrderID,
		"quantity": quantity,
		"price":    ticker.Last,
	}).Info("Open intent executed")

	return nil
}

// armProtectiveOrder places one exchange-resident conditional order and
// mirrors it locally. Failures are captured, not fatal: a position without a
// protective order is drift the operator must know about.
func (c *IntentController) armProtectiveOrder(ctx context.Context, position *model.Position, kind string, triggerPrice float64) {
	result, err := c.adapter.PlaceStopOrder(ctx, position.Symbol, position.Side, kind, triggerPrice, position.Quantity)
	if err != nil {
		c.capture(ctx, "arm_protective_order", false, true, err, map[string]interface{}{
			"symbol":  position.Symbol,
			"side":    position.Side,
			"kind":    kind,
			"trigger": triggerPrice,
		})
		return
	}

	order := &model.PriceOrder{
		OrderID:      result.OrderID,
		Symbol:       position.Symbol,
		Side:         position.Side,
		Kind:         kind,
		Exchange:     c.adapter.Name(),
		TriggerPrice: triggerPrice,
		Quantity:     position.Quantity,
		Status:       model.OrderStatusActive,
	}
	if err := c.orders.Create(ctx, order); err != nil {
		c.capture(ctx, "arm_protective_order", true, false, err, map[string]interface{}{
			"symbol":   position.Symbol,
			"order_id": result.OrderID,
			"kind":     kind,
		})
	}
}

// ClosePosition executes the close intent for a percentage of the position
// (100 = full close). The reduce-only order goes to the exchange first;
// local truth follows, with inconsistency capture on partial failure.
func (c *IntentController) ClosePosition(ctx context.Context, symbol, side string, percentage float64) error {
	if percentage <= 0 || percentage > 100 {
		return fmt.Errorf("close percentage %f out of range (0, 100]", percentage)
	}

	position, err := c.positions.FindBySymbolSide(ctx, symbol, side)
	if err != nil {
		return err
	}
	if position == nil {
		return fmt.Errorf("no live position for %s/%s", symbol, side)
	}

	spec, err := c.adapter.GetContractSpec(ctx, symbol)
	if err != nil {
		return fmt.Errorf("contract spec: %w", err)
	}
	ticker, err := c.adapter.GetTicker(ctx, symbol)
	if err != nil {
		return fmt.Errorf("ticker: %w", err)
	}

	closeQty := position.Quantity * percentage / 100
	full := percentage >= 100 || position.Quantity-closeQty < spec.LotSize
	if full {
		closeQty = position.Quantity
	}

	// Closing a long sells, closing a short buys.
	signedSize := -closeQty
	if side == model.SideShort {
		signedSize = closeQty
	}

	result, err := c.adapter.PlaceOrder(ctx, symbol, signedSize, connectors.PriceUnset, true)
	if err != nil {
		return fmt.Errorf("place close order: %w", err)
	}

	grossPnl := c.adapter.ComputePnl(position.EntryPrice, ticker.Last, closeQty, side, spec)
	fee := c.adapter.EstimateFee(ticker.Last, closeQty, spec)
	netPnl := grossPnl - fee

	notional := closeQty * spec.Multiplier * position.EntryPrice
	pnlPercent := 0.0
	if position.Leverage > 0 && notional > 0 {
		pnlPercent = netPnl / (notional / float64(position.Leverage)) * 100
	}

	now := c.now()
	closeTrade := &model.Trade{
		OrderID:   result.OrderID,
		Symbol:    symbol,
		Side:      model.OppositeSide(side),
		Kind:      model.TradeKindClose,
		Exchange:  c.adapter.Name(),
		Price:     ticker.Last,
		Quantity:  closeQty,
		Leverage:  position.Leverage,
		Pnl:       netPnl,
		Fee:       fee,
		Timestamp: now,
		Status:    model.TradeStatusFilled,
	}
	if err := c.trades.Create(ctx, closeTrade); err != nil {
		c.capture(ctx, "close_position", true, false, err, map[string]interface{}{
			"symbol":   symbol,
			"side":     side,
			"order_id": result.OrderID,
		})
		return err
	}

	event := &model.PositionCloseEvent{
		Symbol:         symbol,
		Side:           side,
		CloseReason:    model.CloseReasonManual,
		TriggerType:    model.TriggerTypeManual,
		EntryPrice:     position.EntryPrice,
		ClosePrice:     ticker.Last,
		Quantity:       closeQty,
		Pnl:            netPnl,
		PnlPercent:     pnlPercent,
		Fee:            fee,
		TriggerOrderID: result.OrderID,
		CloseTradeID:   closeTrade.ID,
	}
	if err := c.events.Create(ctx, event); err != nil {
		c.capture(ctx, "close_position", true, false, err, map[string]interface{}{
			"symbol":   symbol,
			"order_id": result.OrderID,
		})
	}

	if full {
		c.retireProtectiveOrders(ctx, position)
		if err := c.positions.Delete(ctx, position); err != nil {
			c.capture(ctx, "close_position", true, false, err, map[string]interface{}{
				"symbol": symbol,
				"side":   side,
			})
			return err
		}
	} else {
		// percentage is measured against the current quantity; the lifetime
		// counter tracks the original size, so scale the increment by the
		// share still open. The sum never exceeds 100.
		position.PartialClosePercentage += percentage * (100 - position.PartialClosePercentage) / 100
		if position.PartialClosePercentage > 100 {
			position.PartialClosePercentage = 100
		}
		position.Quantity -= closeQty
		if err := c.positions.Save(ctx, position); err != nil {
			c.capture(ctx, "close_position", true, false, err, map[string]interface{}{
				"symbol": symbol,
				"side":   side,
			})
			return err
		}
	}

	logger.WithFields(map[string]interface{}{
		"symbol":     symbol,
		"side":       side,
		"percentage": percentage,
		"pnl":        netPnl,
	}).Info("Close intent executed")

	return nil
}

// retireProtectiveOrders cancels both protective orders on the exchange
// (best effort) and locally (always) when a position is closed manually.
func (c *IntentController) retireProtectiveOrders(ctx context.Context, position *model.Position) {
	for _, kind := range []string{model.OrderKindStopLoss, model.OrderKindTakeProfit} {
		order, err := c.orders.FindActiveBySymbolSideKind(ctx, position.Symbol, position.Side, kind)
		if err != nil || order == nil {
			continue
		}
		if cancelErr := c.adapter.CancelOrder(ctx, order.Symbol, order.OrderID); cancelErr != nil {
			logger.WithFields(map[string]interface{}{
				"order_id": order.OrderID,
			}).WithError(cancelErr).Warn("Failed to cancel protective order on exchange")
		}
		if markErr := c.orders.MarkCancelled(ctx, order.OrderID); markErr != nil {
			c.capture(ctx, "retire_protective_order", true, false, markErr, map[string]interface{}{
				"order_id": order.OrderID,
			})
		}
	}
}

// AdjustProtectiveOrder executes the adjust intent: replace the active
// stop-loss with one at the new trigger price. Cancel is idempotent, so a
// re-run after a partial failure converges.
func (c *IntentController) AdjustProtectiveOrder(ctx context.Context, symbol, side string, newStop float64) error {
	if newStop <= 0 {
		return fmt.Errorf("invalid stop price %f", newStop)
	}

	position, err := c.positions.FindBySymbolSide(ctx, symbol, side)
	if err != nil {
		return err
	}
	if position == nil {
		return fmt.Errorf("no live position for %s/%s", symbol, side)
	}

	current, err := c.orders.FindActiveBySymbolSideKind(ctx, symbol, side, model.OrderKindStopLoss)
	if err != nil {
		return err
	}
	if current != nil {
		if cancelErr := c.adapter.CancelOrder(ctx, symbol, current.OrderID); cancelErr != nil {
			return fmt.Errorf("cancel current stop: %w", cancelErr)
		}
		if markErr := c.orders.MarkCancelled(ctx, current.OrderID); markErr != nil {
			c.capture(ctx, "adjust_protective_order", true, false, markErr, map[string]interface{}{
				"order_id": current.OrderID,
			})
			return markErr
		}
	}

	result, err := c.adapter.PlaceStopOrder(ctx, symbol, side, model.OrderKindStopLoss, newStop, position.Quantity)
	if err != nil {
		// The old stop is gone and the new one failed: the position is
		// unprotected.
		c.capture(ctx, "adjust_protective_order", false, true, err, map[string]interface{}{
			"symbol":   symbol,
			"side":     side,
			"new_stop": newStop,
		})
		return err
	}

	order := &model.PriceOrder{
		OrderID:      result.OrderID,
		Symbol:       symbol,
		Side:         side,
		Kind:         model.OrderKindStopLoss,
		Exchange:     c.adapter.Name(),
		TriggerPrice: newStop,
		Quantity:     position.Quantity,
		Status:       model.OrderStatusActive,
	}
	if err := c.orders.Create(ctx, order); err != nil {
		c.capture(ctx, "adjust_protective_order", true, false, err, map[string]interface{}{
			"order_id": result.OrderID,
		})
		return err
	}

	position.StopLoss = newStop
	if err := c.positions.Save(ctx, position); err != nil {
		logger.WithError(err).Warn("Failed to persist new stop level on position")
	}

	logger.WithFields(map[string]interface{}{
		"symbol":   symbol,
		"side":     side,
		"new_stop": newStop,
		"order_id": result.OrderID,
	}).Info("Protective order adjusted")

	return nil
}

// Snapshot is the read-only view consumed by the decision source.
type Snapshot struct {
	Account   *connectors.Account `json:"account"`
	Positions []model.Position    `json:"positions"`
	Orders    []model.PriceOrder  `json:"orders"`
}

// BuildSnapshot assembles the current account, positions and active
// protective orders.
func (c *IntentController) BuildSnapshot(ctx context.Context) (*Snapshot, error) {
	account, err := c.adapter.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("account: %w", err)
	}
	positions, err := c.positions.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	orders, err := c.orders.FindActive(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Account: account, Positions: positions, Orders: orders}, nil
}
