// Package strategy holds the trader-type and trading-strategy catalog and
// resolves the analysis timeframe set from a pair of selections.
package strategy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnknownTimeframe  = errors.New("unknown timeframe")
	ErrUnknownTraderType = errors.New("unknown trader type")
	ErrUnknownStrategy   = errors.New("unknown trading strategy")
)

// TraderType classifies how long a trader holds positions.
type TraderType string

const (
	Scalping       TraderType = "scalping"
	DayTrading     TraderType = "day_trading"
	SwingTrader    TraderType = "swing_trading"
	PositionTrader TraderType = "position_trading"
)

// TradingStrategy is the approach the signal engine is tuned for.
type TradingStrategy string

const (
	Maleta             TradingStrategy = "maleta"
	SwingTrading       TradingStrategy = "swing_trading"
	PositionTrading    TradingStrategy = "position_trading"
	Algorithmic        TradingStrategy = "algorithmic"
	AlgorithmicTrading TradingStrategy = "algorithmic_trading"
	PairsTrading       TradingStrategy = "pairs_trading"
	MeanReversion      TradingStrategy = "mean_reversion"
	SocialTrading      TradingStrategy = "social_trading"
	CarryTrade         TradingStrategy = "carry_trade"
	Hedging            TradingStrategy = "hedging"
	Pyramiding         TradingStrategy = "pyramiding"
)

// Catalog maps each selection to its native timeframes.
type Catalog struct {
	TraderTypes map[TraderType][]Timeframe      `yaml:"trader_types" json:"trader_types"`
	Strategies  map[TradingStrategy][]Timeframe `yaml:"strategies" json:"strategies"`
}

// DefaultCatalog returns the built-in tables.
func DefaultCatalog() *Catalog {
	return &Catalog{
		TraderTypes: map[TraderType][]Timeframe{
			Scalping:       {M1, M5, M15},
			DayTrading:     {M15, M30, H1},
			SwingTrader:    {H4, D1},
			PositionTrader: {D1, W1},
		},
		Strategies: map[TradingStrategy][]Timeframe{
			Maleta:             {H4, D1, W1},
			SwingTrading:       {H4, D1},
			PositionTrading:    {D1, W1},
			Algorithmic:        {M1, M5, M15},
			AlgorithmicTrading: {M1, M5, M15},
			PairsTrading:       {H1, H4},
			MeanReversion:      {M15, H1, H4},
			SocialTrading:      {H1, H4, D1},
			CarryTrade:         {D1, W1},
			Hedging:            {H1, H4, D1},
			Pyramiding:         {H1, H4},
		},
	}
}

// Validate rejects empty lists and unknown timeframe codes.
func (c *Catalog) Validate() error {
	if len(c.TraderTypes) == 0 {
		return errors.New("catalog: no trader types")
	}
	if len(c.Strategies) == 0 {
		return errors.New("catalog: no strategies")
	}
	for tt, list := range c.TraderTypes {
		if err := validateList(string(tt), list); err != nil {
			return err
		}
	}
	for ts, list := range c.Strategies {
		if err := validateList(string(ts), list); err != nil {
			return err
		}
	}
	return nil
}

func validateList(name string, list []Timeframe) error {
	if len(list) == 0 {
		return fmt.Errorf("catalog: %s has no timeframes", name)
	}
	for _, tf := range list {
		if !tf.Valid() {
			return fmt.Errorf("catalog: %s: %w: %q", name, ErrUnknownTimeframe, tf)
		}
	}
	return nil
}

// TraderTimeframes returns the native list of a trader type.
func (c *Catalog) TraderTimeframes(tt TraderType) ([]Timeframe, error) {
	list, ok := c.TraderTypes[tt]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTraderType, tt)
	}
	return append([]Timeframe(nil), list...), nil
}

// StrategyTimeframes returns the native list of a strategy.
func (c *Catalog) StrategyTimeframes(ts TradingStrategy) ([]Timeframe, error) {
	list, ok := c.Strategies[ts]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, ts)
	}
	return append([]Timeframe(nil), list...), nil
}

// ParseTraderType normalizes and checks a trader type name.
func (c *Catalog) ParseTraderType(s string) (TraderType, error) {
	tt := TraderType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := c.TraderTypes[tt]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTraderType, s)
	}
	return tt, nil
}

// ParseStrategy normalizes and checks a strategy name.
func (c *Catalog) ParseStrategy(s string) (TradingStrategy, error) {
	ts := TradingStrategy(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := c.Strategies[ts]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
	return ts, nil
}

// TraderTypeNames lists trader types alphabetically.
func (c *Catalog) TraderTypeNames() []TraderType {
	out := make([]TraderType, 0, len(c.TraderTypes))
	for tt := range c.TraderTypes {
		out = append(out, tt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StrategyNames lists strategies alphabetically.
func (c *Catalog) StrategyNames() []TradingStrategy {
	out := make([]TradingStrategy, 0, len(c.Strategies))
	for ts := range c.Strategies {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
