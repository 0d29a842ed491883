package controller

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	OrderSizePercent int `envconfig:"ORDER_SIZE_PERCENT" default:"25"`
	DefaultLeverage  int `envconfig:"DEFAULT_LEVERAGE" default:"5"`

	// SessionSizingEnabled scales entry margin by the NY trading session
	// and blocks entries during the weekend no-trade window.
	SessionSizingEnabled bool `envconfig:"SESSION_SIZING_ENABLED" default:"false"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
