package selection

import (
	"fmt"
	"strings"
	"sync"

	"tradedesk/internal/strategy"
)

// Selection is the mutable candidate configuration of one user. Every
// setter keeps the invariants that can be kept locally: the timeframe is a
// member of the combined set and the execution set is never empty. The weight
// sum is only enforced by Validate, at save time.
type Selection struct {
	resolver *strategy.Resolver

	mu       sync.RWMutex
	settings Settings
}

// New starts from s, repairing the derived fields against the resolver's
// catalog. Unknown trader types or strategies fall back to the defaults.
func New(resolver *strategy.Resolver, s Settings) *Selection {
	def := DefaultSettings()
	if _, err := resolver.Combined(s.TraderType, def.TradingStrategy); err != nil {
		s.TraderType = def.TraderType
	}
	if _, err := resolver.Combined(def.TraderType, s.TradingStrategy); err != nil {
		s.TradingStrategy = def.TradingStrategy
	}
	combined, _ := resolver.Combined(s.TraderType, s.TradingStrategy)
	s.CombinedTimeframes = combined
	s.AnalysisTimeframe = strategy.Reconcile(combined, s.AnalysisTimeframe)

	if len(s.AllowedExecutionTypes) == 0 {
		s.AllowedExecutionTypes = []ExecutionType{Market}
	}
	if !containsType(s.AllowedExecutionTypes, s.DefaultExecutionType) {
		s.DefaultExecutionType = s.AllowedExecutionTypes[0]
	}
	return &Selection{resolver: resolver, settings: s}
}

// Settings returns a copy of the current candidate.
func (s *Selection) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSettings(s.settings)
}

// SetTraderType changes the trader type and re-rolls the timeframe from that
// trader type's own list.
func (s *Selection) SetTraderType(tt strategy.TraderType) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	combined, tf, err := s.resolver.SelectTraderType(tt, s.settings.TradingStrategy)
	if err != nil {
		return cloneSettings(s.settings), err
	}
	s.settings.TraderType = tt
	s.settings.CombinedTimeframes = combined
	s.settings.AnalysisTimeframe = tf
	return cloneSettings(s.settings), nil
}

// SetStrategy changes the strategy; the timeframe is kept when still allowed.
func (s *Selection) SetStrategy(ts strategy.TradingStrategy) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	combined, tf, err := s.resolver.SelectStrategy(s.settings.TraderType, ts, s.settings.AnalysisTimeframe)
	if err != nil {
		return cloneSettings(s.settings), err
	}
	s.settings.TradingStrategy = ts
	s.settings.CombinedTimeframes = combined
	s.settings.AnalysisTimeframe = tf
	return cloneSettings(s.settings), nil
}

// SetAnalysisTimeframe picks a timeframe from the combined set.
func (s *Selection) SetAnalysisTimeframe(tf strategy.Timeframe) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !strategy.Contains(s.settings.CombinedTimeframes, tf) {
		return fmt.Errorf("%w: %s not in %v", ErrTimeframeNotAllowed, tf, s.settings.CombinedTimeframes)
	}
	s.settings.AnalysisTimeframe = tf
	return nil
}

// SetConfluenceThreshold accepts values in [0, 1].
func (s *Selection) SetConfluenceThreshold(v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%w: %v", ErrThresholdRange, v)
	}
	s.mu.Lock()
	s.settings.ConfluenceThreshold = v
	s.mu.Unlock()
	return nil
}

// SetWeight edits one weight. The sum is not checked here.
func (s *Selection) SetWeight(name string, v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.Weights.Set(strings.ToLower(strings.TrimSpace(name)), v)
}

// SetWeights replaces all four weights, each in [0, 1].
func (s *Selection) SetWeights(w Weights) error {
	for name, v := range map[string]float64{
		WeightElliottWave:       w.ElliottWave,
		WeightFibonacci:         w.Fibonacci,
		WeightChartPatterns:     w.ChartPatterns,
		WeightSupportResistance: w.SupportResistance,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s=%v", ErrWeightRange, name, v)
		}
	}
	s.mu.Lock()
	s.settings.Weights = w
	s.mu.Unlock()
	return nil
}

// SetExtras replaces the risk-per-trade, sizing and enable flags.
func (s *Selection) SetExtras(x Extras) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.RiskPerTrade = x.RiskPerTrade
	s.settings.LotSize = x.LotSize
	s.settings.ATRMultiplierSL = x.ATRMultiplierSL
	s.settings.RiskRewardRatio = x.RiskRewardRatio
	s.settings.EnableElliottWave = x.EnableElliottWave
	s.settings.EnableFibonacci = x.EnableFibonacci
	s.settings.EnableChartPatterns = x.EnableChartPatterns
	s.settings.EnableSupportResistance = x.EnableSupportResistance
}

// Validate runs the save-time checks. Weight problems come back as
// *WeightSumError, everything else as *ValidationError.
func (s *Selection) Validate() error {
	s.mu.RLock()
	st := cloneSettings(s.settings)
	s.mu.RUnlock()
	return st.Validate()
}

// Validate checks a settings value without a Selection around it.
func (st Settings) Validate() error {
	if err := st.Weights.Check(); err != nil {
		return err
	}

	var problems []string
	if !strategy.Contains(st.CombinedTimeframes, st.AnalysisTimeframe) {
		problems = append(problems, fmt.Sprintf("timeframe %s is not in %v", st.AnalysisTimeframe, st.CombinedTimeframes))
	}
	if st.ConfluenceThreshold < 0 || st.ConfluenceThreshold > 1 {
		problems = append(problems, "confluence threshold must be between 0 and 1")
	}
	if len(st.AllowedExecutionTypes) == 0 {
		problems = append(problems, "no execution type enabled")
	} else if !containsType(st.AllowedExecutionTypes, st.DefaultExecutionType) {
		problems = append(problems, fmt.Sprintf("default execution type %q is not enabled", st.DefaultExecutionType))
	}
	if st.RiskPerTrade <= 0 || st.RiskPerTrade > 10 {
		problems = append(problems, "risk per trade must be in (0, 10]")
	}
	if st.LotSize <= 0 {
		problems = append(problems, "lot size must be positive")
	}
	if st.ATRMultiplierSL <= 0 {
		problems = append(problems, "ATR stop multiplier must be positive")
	}
	if st.RiskRewardRatio <= 0 {
		problems = append(problems, "risk/reward ratio must be positive")
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func cloneSettings(st Settings) Settings {
	st.CombinedTimeframes = append([]strategy.Timeframe(nil), st.CombinedTimeframes...)
	st.AllowedExecutionTypes = append([]ExecutionType(nil), st.AllowedExecutionTypes...)
	return st
}
