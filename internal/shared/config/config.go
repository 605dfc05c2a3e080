package config

import (
	"time"
)

// BaseConfig contains common configuration for all services
type BaseConfig struct {
	ServiceName string `env:"SERVICE_NAME"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"` // development, staging, production
}

// NATSConfig contains configuration for NATS messaging
type NATSConfig struct {
	URLs          []string      `env:"NATS_URLS" envSeparator:"," required:"true"` // NATS server URLs
	MaxReconnects int           `env:"NATS_MAX_RECONNECTS" envDefault:"-1"`        // Maximum number of reconnect attempts (-1 for unlimited)
	ReconnectWait time.Duration `env:"NATS_RECONNECT_WAIT_MS" envDefault:"2s"`     // Time to wait between reconnect attempts
	Timeout       time.Duration `env:"NATS_TIMEOUT_MS" envDefault:"5s"`            // Connection timeout
}
