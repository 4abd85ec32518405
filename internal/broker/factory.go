package broker

import (
	"fmt"

	"tradedesk/pkg/config"
)

// NewTerminalFactory picks the terminal implementation for BROKER_MODE.
func NewTerminalFactory(cfg *config.Config) (TerminalFactory, error) {
	switch cfg.BrokerMode {
	case "", "sim":
		sim := NewSimFactory(SimConfig{
			Balance:  cfg.SimBalance,
			Currency: cfg.SimCurrency,
			Leverage: cfg.SimLeverage,
		})
		return sim.Terminal, nil
	case "bridge":
		return BridgeFactory(BridgeConfig{
			BaseURL: cfg.BrokerBridgeURL,
			Token:   cfg.BrokerBridgeToken,
			Timeout: cfg.BrokerTimeout,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported broker mode: %s", cfg.BrokerMode)
	}
}

// PoolConfigFrom applies the configured retry budget to the pool defaults.
func PoolConfigFrom(cfg *config.Config) PoolConfig {
	pc := DefaultPoolConfig()
	if cfg.BrokerRetries > 0 {
		pc.Retry.ConnectAttempts = cfg.BrokerRetries
	}
	return pc
}
