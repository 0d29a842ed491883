package reconcile

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	PollInterval time.Duration `envconfig:"RECONCILE_POLL_INTERVAL" default:"30s"`

	// Fill-matching tolerances are policy inputs, not derived truths: the
	// right band depends on the exchange and on market volatility.
	PriceTolerancePct    float64 `envconfig:"PRICE_TOLERANCE_PCT" default:"2.0"`
	QuantityTolerancePct float64 `envconfig:"QUANTITY_TOLERANCE_PCT" default:"10.0"`

	// Trade-history search window and bounded retries for exchanges that
	// propagate fills to the history endpoint with latency.
	TradeLookback     time.Duration `envconfig:"TRADE_LOOKBACK" default:"1h"`
	TradeFetchRetries int           `envconfig:"TRADE_FETCH_RETRIES" default:"3"`
	TradeFetchDelay   time.Duration `envconfig:"TRADE_FETCH_DELAY" default:"2s"`

	// RecentCloseWindow guards against double-closing a market that a
	// previous cycle just closed.
	RecentCloseWindow time.Duration `envconfig:"RECENT_CLOSE_WINDOW" default:"5m"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
