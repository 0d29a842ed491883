package executors

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"perpexecutor/src/connectors"
	"perpexecutor/src/controller"
	"perpexecutor/src/model"
	"perpexecutor/src/reconcile"
	"perpexecutor/src/repository"
	"perpexecutor/src/security"
	"perpexecutor/src/tp_sl"
)

type cycleRunner interface {
	RunCycle(ctx context.Context) error
}

type stopAdjuster interface {
	AdjustProtectiveOrder(ctx context.Context, symbol, side string, newStop float64) error
}

type positionLister interface {
	FindAll(ctx context.Context) ([]model.Position, error)
}

// Factory seams for tests.
var (
	newExchangeAdapter = func(cfg connectors.Config) (connectors.Adapter, error) {
		return connectors.NewAdapter(cfg, nil)
	}
	newReconcileEngine = func(adapter connectors.Adapter) cycleRunner {
		return reconcile.NewEngine(adapter, reconcile.GetConfig(), nil)
	}
	newStopAdjuster = func(adapter connectors.Adapter) stopAdjuster {
		return controller.NewIntentController(adapter)
	}
	newPositionLister = func() positionLister {
		return repository.NewPositionRepository()
	}
)

// StartLoop builds the exchange adapter and drives the reconciliation engine
// on a fixed period until the context is cancelled. Cycle failures are logged
// and retried on the next tick; only a failed startup aborts.
func StartLoop(ctx context.Context) error {
	config := GetConfig()

	connectorCfg, err := resolveCredentials(connectors.GetConfig())
	if err != nil {
		logger.WithError(err).Error("Failed to resolve exchange credentials")
		return err
	}

	adapter, err := newExchangeAdapter(connectorCfg)
	if err != nil {
		logger.WithError(err).Error("Failed to build exchange adapter")
		return err
	}

	if connectorCfg.WSEnabled {
		stream, err := connectors.NewMarketStream(connectorCfg, adapter, config.TargetSymbols, nil)
		if err != nil {
			logger.WithError(err).Error("Failed to build market stream")
			return err
		}
		go stream.Run(ctx)
	}

	engine := newReconcileEngine(adapter)

	var adjuster stopAdjuster
	var positions positionLister
	if config.TrailingEnabled {
		adjuster = newStopAdjuster(adapter)
		positions = newPositionLister()
	}

	ticker := time.NewTicker(config.LoopPeriod)
	defer ticker.Stop()

	logger.WithFields(map[string]interface{}{
		"exchange": adapter.Name(),
		"symbols":  config.TargetSymbols,
		"period":   config.LoopPeriod.String(),
	}).Info("Execution loop started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Execution loop stopped")
			return nil

		case <-ticker.C:
			prefetchMarketData(ctx, adapter, config)

			if err := engine.RunCycle(ctx); err != nil {
				logger.WithError(err).Error("Reconciliation cycle failed, will retry on next tick")
			}

			if config.TrailingEnabled {
				trailStops(ctx, adapter, adjuster, positions, config)
			}
		}
	}
}

// trailStops tightens the stop loss of every protected position when the
// recent candles justify it. Failures on one position do not block the rest.
func trailStops(
	ctx context.Context,
	adapter connectors.Adapter,
	adjuster stopAdjuster,
	positions positionLister,
	config Config,
) {
	rows, err := positions.FindAll(ctx)
	if err != nil {
		logger.WithError(err).Warn("Trailing pass could not list positions")
		return
	}

	for _, position := range rows {
		if position.StopLoss <= 0 {
			continue
		}

		candles, err := adapter.GetCandles(ctx, position.Symbol, config.CandleInterval, config.CandleLimit)
		if err != nil {
			logger.WithField("symbol", position.Symbol).
				WithError(err).Warn("Trailing pass could not fetch candles")
			continue
		}

		newStop, moved := tp_sl.NextTrailingStop(
			position.Side,
			decimal.NewFromFloat(position.StopLoss),
			candles,
			config.TrailingLookback,
		)
		if !moved {
			continue
		}

		stop, _ := newStop.Float64()
		if err := adjuster.AdjustProtectiveOrder(ctx, position.Symbol, position.Side, stop); err != nil {
			logger.WithFields(map[string]interface{}{
				"symbol":   position.Symbol,
				"side":     position.Side,
				"new_stop": stop,
			}).WithError(err).Error("Failed to trail stop")
			continue
		}

		logger.WithFields(map[string]interface{}{
			"symbol":   position.Symbol,
			"side":     position.Side,
			"old_stop": position.StopLoss,
			"new_stop": stop,
		}).Info("Stop loss trailed")
	}
}

// resolveCredentials decrypts API credentials stored sealed at rest.
func resolveCredentials(cfg connectors.Config) (connectors.Config, error) {
	if !cfg.CredentialsEncrypted {
		return cfg, nil
	}

	var err error
	if cfg.APIKey, err = security.DecryptString(cfg.APIKey); err != nil {
		return cfg, err
	}
	if cfg.APISecret, err = security.DecryptString(cfg.APISecret); err != nil {
		return cfg, err
	}
	if cfg.APIPassphrase != "" {
		if cfg.APIPassphrase, err = security.DecryptString(cfg.APIPassphrase); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// prefetchMarketData warms the ticker and candle caches for every target
// symbol with bounded parallelism, so the reconciliation cycle and any
// snapshot readers hit warm entries. Failures only cost cache freshness.
func prefetchMarketData(ctx context.Context, adapter connectors.Adapter, config Config) {
	parallelism := config.PrefetchParallelism
	if parallelism < 1 {
		parallelism = 1
	}

	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup

	for _, symbol := range config.TargetSymbols {
		wg.Add(1)
		sem <- struct{}{}

		go func(symbol string) {
			defer wg.Done()
			defer func() { <-sem }()

			if _, err := adapter.GetTicker(ctx, symbol); err != nil {
				logger.WithField("symbol", symbol).
					WithError(err).Warn("Ticker prefetch failed")
			}
			if _, err := adapter.GetCandles(ctx, symbol, config.CandleInterval, config.CandleLimit); err != nil {
				logger.WithField("symbol", symbol).
					WithError(err).Warn("Candle prefetch failed")
			}
		}(symbol)
	}

	wg.Wait()
}
