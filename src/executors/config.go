package executors

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	TargetSymbols []string      `envconfig:"TARGET_SYMBOLS" default:"BTCUSDT"`
	LoopPeriod    time.Duration `envconfig:"LOOP_PERIOD" default:"30s"`

	// Market data warmed before each reconciliation pass.
	PrefetchParallelism int    `envconfig:"PREFETCH_PARALLELISM" default:"4"`
	CandleInterval      string `envconfig:"CANDLE_INTERVAL" default:"1m"`
	CandleLimit         int    `envconfig:"CANDLE_LIMIT" default:"100"`

	// Trailing stop adjustment after each cycle.
	TrailingEnabled  bool `envconfig:"TRAILING_STOP_ENABLED" default:"false"`
	TrailingLookback int  `envconfig:"TRAILING_LOOKBACK" default:"20"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
