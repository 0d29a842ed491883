package security

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ExchangeCRKey is the base64 32-byte key sealing API credentials at
	// rest. The default only exists so local runs work out of the box;
	// deployments must set their own.
	ExchangeCRKey string `envconfig:"EXCHANGE_CREDENTIALS_KEY" default:"YlY0b2NnbXM1cXJ2dHhoZDJqa3Bsd2U4ZnNuYXVpMzk="`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
