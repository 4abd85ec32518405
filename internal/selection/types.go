// Package selection holds the analysis configuration a user builds in the
// settings screen: trader type, strategy, timeframe, confluence weights and
// the execution-type gate.
package selection

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"tradedesk/internal/strategy"
)

var (
	ErrLastExecutionType    = errors.New("at least one execution type must stay enabled")
	ErrUnknownExecutionType = errors.New("unknown execution type")
	ErrExecutionTypeNotSet  = errors.New("default execution type must be an allowed type")
	ErrThresholdRange       = errors.New("confluence threshold must be between 0 and 1")
	ErrWeightRange          = errors.New("analysis weight must be between 0 and 1")
	ErrUnknownWeight        = errors.New("unknown analysis weight")
	ErrTimeframeNotAllowed  = errors.New("timeframe is not in the combined set")
)

// ExecutionType is an order-placement mode.
type ExecutionType string

const (
	Market ExecutionType = "market"
	Limit  ExecutionType = "limit"
	Stop   ExecutionType = "stop"
)

// ParseExecutionType accepts market, limit or stop.
func ParseExecutionType(s string) (ExecutionType, error) {
	switch et := ExecutionType(s); et {
	case Market, Limit, Stop:
		return et, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownExecutionType, s)
	}
}

// Weight names as they appear in requests.
const (
	WeightElliottWave       = "elliott_wave"
	WeightFibonacci         = "fibonacci"
	WeightChartPatterns     = "chart_patterns"
	WeightSupportResistance = "support_resistance"
)

// Weights are the relative contributions of each analysis technique.
type Weights struct {
	ElliottWave       float64 `json:"elliott_wave_weight"`
	Fibonacci         float64 `json:"fibonacci_weight"`
	ChartPatterns     float64 `json:"chart_patterns_weight"`
	SupportResistance float64 `json:"support_resistance_weight"`
}

// DefaultWeights favours chart patterns slightly.
func DefaultWeights() Weights {
	return Weights{ElliottWave: 0.25, Fibonacci: 0.25, ChartPatterns: 0.30, SupportResistance: 0.20}
}

// weightTolerance is the allowed distance of the sum from 1.
var weightTolerance = decimal.RequireFromString("0.01")

// Sum adds the weights in decimal so binary rounding cannot move a boundary.
func (w Weights) Sum() decimal.Decimal {
	return decimal.NewFromFloat(w.ElliottWave).
		Add(decimal.NewFromFloat(w.Fibonacci)).
		Add(decimal.NewFromFloat(w.ChartPatterns)).
		Add(decimal.NewFromFloat(w.SupportResistance))
}

// Valid reports |sum - 1| < 0.01.
func (w Weights) Valid() bool {
	return w.Sum().Sub(decimal.NewFromInt(1)).Abs().LessThan(weightTolerance)
}

// Check returns a WeightSumError when the weights are not valid.
func (w Weights) Check() error {
	if w.Valid() {
		return nil
	}
	return &WeightSumError{Sum: w.Sum()}
}

// Set updates one weight by name.
func (w *Weights) Set(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%w: %s=%v", ErrWeightRange, name, v)
	}
	switch name {
	case WeightElliottWave:
		w.ElliottWave = v
	case WeightFibonacci:
		w.Fibonacci = v
	case WeightChartPatterns:
		w.ChartPatterns = v
	case WeightSupportResistance:
		w.SupportResistance = v
	default:
		return fmt.Errorf("%w: %q", ErrUnknownWeight, name)
	}
	return nil
}

// ValidWeights is the standalone confluence check.
func ValidWeights(elliott, fibonacci, patterns, supportResistance float64) bool {
	return Weights{elliott, fibonacci, patterns, supportResistance}.Valid()
}

// WeightSumError rejects a save whose weights do not add up to one.
type WeightSumError struct {
	Sum decimal.Decimal
}

func (e *WeightSumError) Error() string {
	return fmt.Sprintf("analysis weights must sum to 1.00, got %s", e.Sum.StringFixed(2))
}

// ValidationError lists every problem found when validating for save.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid trading selection: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid trading selection: %d problems, first: %s", len(e.Problems), e.Problems[0])
}

// Settings is the persisted AI settings blob.
type Settings struct {
	TraderType          strategy.TraderType      `json:"trader_type"`
	TradingStrategy     strategy.TradingStrategy `json:"trading_strategy"`
	AnalysisTimeframe   strategy.Timeframe       `json:"timeframe"`
	CombinedTimeframes  []strategy.Timeframe     `json:"combined_timeframes"`
	ConfluenceThreshold float64                  `json:"confluence_threshold"`
	Weights

	AllowedExecutionTypes []ExecutionType `json:"allowed_execution_types"`
	DefaultExecutionType  ExecutionType   `json:"execution_type"`

	RiskPerTrade    float64 `json:"risk_per_trade"`
	LotSize         float64 `json:"lot_size"`
	ATRMultiplierSL float64 `json:"atr_multiplier_sl"`
	RiskRewardRatio float64 `json:"risk_reward_ratio"`

	EnableElliottWave       bool `json:"enable_elliott_wave"`
	EnableFibonacci         bool `json:"enable_fibonacci"`
	EnableChartPatterns     bool `json:"enable_chart_patterns"`
	EnableSupportResistance bool `json:"enable_support_resistance"`
}

// Extras are the AI settings edited as one form block.
type Extras struct {
	RiskPerTrade            float64 `json:"risk_per_trade"`
	LotSize                 float64 `json:"lot_size"`
	ATRMultiplierSL         float64 `json:"atr_multiplier_sl"`
	RiskRewardRatio         float64 `json:"risk_reward_ratio"`
	EnableElliottWave       bool    `json:"enable_elliott_wave"`
	EnableFibonacci         bool    `json:"enable_fibonacci"`
	EnableChartPatterns     bool    `json:"enable_chart_patterns"`
	EnableSupportResistance bool    `json:"enable_support_resistance"`
}

// DefaultSettings is what a user without a saved document starts with.
func DefaultSettings() Settings {
	return Settings{
		TraderType:            strategy.DayTrading,
		TradingStrategy:       strategy.SwingTrading,
		AnalysisTimeframe:     strategy.H1,
		ConfluenceThreshold:   0.6,
		Weights:               DefaultWeights(),
		AllowedExecutionTypes: []ExecutionType{Market},
		DefaultExecutionType:  Market,
		RiskPerTrade:          2.0,
		LotSize:               0.1,
		ATRMultiplierSL:       2.0,
		RiskRewardRatio:       2.0,

		EnableElliottWave:       true,
		EnableFibonacci:         true,
		EnableChartPatterns:     true,
		EnableSupportResistance: true,
	}
}
