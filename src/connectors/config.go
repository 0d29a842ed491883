package connectors

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	TargetExchange string `envconfig:"TARGET_EXCHANGE" default:"phemex"`

	APIKey        string `envconfig:"EXCHANGE_API_KEY"`
	APISecret     string `envconfig:"EXCHANGE_API_SECRET"`
	APIPassphrase string `envconfig:"EXCHANGE_API_PASSPHRASE"`
	KeyVersion    string `envconfig:"EXCHANGE_API_KEY_VERSION" default:"3"`

	// Credentials may be stored encrypted with EXCHANGE_CREDENTIALS_KEY;
	// the executor decrypts them before building the adapter.
	CredentialsEncrypted bool `envconfig:"EXCHANGE_CREDENTIALS_ENCRYPTED" default:"false"`

	PhemexBaseURL string `envconfig:"PHEMEX_BASE_URL" default:"https://testnet-api.phemex.com"`
	KucoinBaseURL string `envconfig:"KUCOIN_BASE_URL" default:"https://api-futures.kucoin.com"`

	WSEnabled   bool   `envconfig:"TICKER_STREAM_ENABLED" default:"false"`
	PhemexWSURL string `envconfig:"PHEMEX_WS_URL" default:"wss://testnet-ws.phemex.com"`
	KucoinWSURL string `envconfig:"KUCOIN_WS_URL" default:"wss://ws-api-futures.kucoin.com"`

	RequestTimeout      time.Duration `envconfig:"REQUEST_TIMEOUT" default:"15s"`
	RateWindow          time.Duration `envconfig:"RATE_WINDOW" default:"1m"`
	RateMaxRequests     int           `envconfig:"RATE_MAX_REQUESTS" default:"100"`
	MinRequestInterval  time.Duration `envconfig:"MIN_REQUEST_INTERVAL" default:"100ms"`
	BreakerThreshold    int           `envconfig:"BREAKER_THRESHOLD" default:"5"`
	BreakerCooldown     time.Duration `envconfig:"BREAKER_COOLDOWN" default:"1m"`
	MaxAttempts         int           `envconfig:"REQUEST_MAX_ATTEMPTS" default:"5"`
	RecvWindow          time.Duration `envconfig:"RECV_WINDOW" default:"5s"`
	ClockSafetyMargin   time.Duration `envconfig:"CLOCK_SAFETY_MARGIN" default:"2s"`
	ClockResyncInterval time.Duration `envconfig:"CLOCK_RESYNC_INTERVAL" default:"2m"`

	TickerTTL    time.Duration `envconfig:"CACHE_TICKER_TTL" default:"10s"`
	CandlesTTL   time.Duration `envconfig:"CACHE_CANDLES_TTL" default:"5m"`
	AccountTTL   time.Duration `envconfig:"CACHE_ACCOUNT_TTL" default:"3s"`
	PositionsTTL time.Duration `envconfig:"CACHE_POSITIONS_TTL" default:"5s"`

	TakerFeeRate float64 `envconfig:"TAKER_FEE_RATE" default:"0.0006"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

func (c Config) pipelineConfig() PipelineConfig {
	return PipelineConfig{
		Timeout:             c.RequestTimeout,
		RateWindow:          c.RateWindow,
		RateMaxRequests:     c.RateMaxRequests,
		MinRequestInterval:  c.MinRequestInterval,
		BreakerThreshold:    c.BreakerThreshold,
		BreakerCooldown:     c.BreakerCooldown,
		MaxAttempts:         c.MaxAttempts,
		RecvWindow:          c.RecvWindow,
		ClockSafetyMargin:   c.ClockSafetyMargin,
		ClockResyncInterval: c.ClockResyncInterval,
	}
}

func (c Config) cacheTTLs() CacheTTLs {
	return CacheTTLs{
		Ticker:    c.TickerTTL,
		Candles:   c.CandlesTTL,
		Account:   c.AccountTTL,
		Positions: c.PositionsTTL,
	}
}
