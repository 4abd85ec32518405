package selection

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/strategy"
)

type firstIndex struct{}

func (firstIndex) Intn(int) int { return 0 }

func newSelection(t *testing.T) *Selection {
	t.Helper()
	return New(strategy.NewResolver(strategy.DefaultCatalog(), firstIndex{}), DefaultSettings())
}

func TestValidWeights(t *testing.T) {
	tests := []struct {
		name    string
		weights [4]float64
		want    bool
	}{
		{"quarters", [4]float64{0.25, 0.25, 0.25, 0.25}, true},
		{"defaults", [4]float64{0.25, 0.25, 0.30, 0.20}, true},
		{"too heavy", [4]float64{0.3, 0.3, 0.3, 0.3}, false},
		{"sum 0.99 is outside tolerance", [4]float64{0.2, 0.3, 0.3, 0.19}, false},
		{"sum 0.991 is inside tolerance", [4]float64{0.2, 0.3, 0.3, 0.191}, true},
		{"sum 1.009", [4]float64{0.25, 0.25, 0.25, 0.259}, true},
		{"sum 1.01", [4]float64{0.25, 0.25, 0.25, 0.26}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := tt.weights
			assert.Equal(t, tt.want, ValidWeights(w[0], w[1], w[2], w[3]))
		})
	}
}

func TestWeightSumErrorReportsSum(t *testing.T) {
	err := Weights{0.2, 0.3, 0.3, 0.19}.Check()
	var sumErr *WeightSumError
	require.ErrorAs(t, err, &sumErr)
	assert.Equal(t, "0.99", sumErr.Sum.StringFixed(2))
	assert.Contains(t, err.Error(), "got 0.99")
}

func TestDefaultsAreValid(t *testing.T) {
	sel := newSelection(t)
	require.NoError(t, sel.Validate())

	st := sel.Settings()
	assert.Equal(t, strategy.H1, st.AnalysisTimeframe)
	assert.Equal(t, []strategy.Timeframe{strategy.M15, strategy.M30, strategy.H1, strategy.H4, strategy.D1}, st.CombinedTimeframes)
	assert.Equal(t, []ExecutionType{Market}, st.AllowedExecutionTypes)
}

func TestToggleLastExecutionTypeRejected(t *testing.T) {
	sel := newSelection(t)

	st, err := sel.ToggleExecutionType(Market)
	require.ErrorIs(t, err, ErrLastExecutionType)
	assert.Equal(t, []ExecutionType{Market}, st.AllowedExecutionTypes)
	assert.Equal(t, []ExecutionType{Market}, sel.Settings().AllowedExecutionTypes)
}

func TestToggleDefaultFallsBackToFirstRemaining(t *testing.T) {
	sel := newSelection(t)

	st, err := sel.ToggleExecutionType(Limit)
	require.NoError(t, err)
	assert.Equal(t, []ExecutionType{Market, Limit}, st.AllowedExecutionTypes)
	assert.Equal(t, Market, st.DefaultExecutionType)

	st, err = sel.ToggleExecutionType(Market)
	require.NoError(t, err)
	assert.Equal(t, []ExecutionType{Limit}, st.AllowedExecutionTypes)
	assert.Equal(t, Limit, st.DefaultExecutionType)
}

func TestToggleNonDefaultKeepsDefault(t *testing.T) {
	sel := newSelection(t)
	_, err := sel.ToggleExecutionType(Stop)
	require.NoError(t, err)

	st, err := sel.ToggleExecutionType(Stop)
	require.NoError(t, err)
	assert.Equal(t, []ExecutionType{Market}, st.AllowedExecutionTypes)
	assert.Equal(t, Market, st.DefaultExecutionType)
}

func TestToggleUnknownExecutionType(t *testing.T) {
	sel := newSelection(t)
	_, err := sel.ToggleExecutionType("iceberg")
	assert.ErrorIs(t, err, ErrUnknownExecutionType)
}

func TestSetDefaultExecutionType(t *testing.T) {
	sel := newSelection(t)
	assert.ErrorIs(t, sel.SetDefaultExecutionType(Stop), ErrExecutionTypeNotSet)

	_, err := sel.ToggleExecutionType(Stop)
	require.NoError(t, err)
	require.NoError(t, sel.SetDefaultExecutionType(Stop))
	assert.Equal(t, Stop, sel.Settings().DefaultExecutionType)
}

func TestSetTraderTypeRerollsTimeframe(t *testing.T) {
	sel := newSelection(t)

	st, err := sel.SetTraderType(strategy.Scalping)
	require.NoError(t, err)
	assert.Equal(t, strategy.Scalping, st.TraderType)
	assert.Equal(t, strategy.M1, st.AnalysisTimeframe)
	assert.Contains(t, st.CombinedTimeframes, st.AnalysisTimeframe)

	_, err = sel.SetTraderType("hodler")
	require.ErrorIs(t, err, strategy.ErrUnknownTraderType)
	assert.Equal(t, strategy.Scalping, sel.Settings().TraderType)
}

func TestSetStrategyResetsTimeframeOutsideCombined(t *testing.T) {
	sel := newSelection(t)
	_, err := sel.SetTraderType(strategy.SwingTrader)
	require.NoError(t, err)

	st, err := sel.SetStrategy(strategy.CarryTrade)
	require.NoError(t, err)
	assert.Equal(t, []strategy.Timeframe{strategy.H4, strategy.D1, strategy.W1}, st.CombinedTimeframes)
	assert.Contains(t, st.CombinedTimeframes, st.AnalysisTimeframe)

	require.NoError(t, sel.SetAnalysisTimeframe(strategy.W1))
	st, err = sel.SetStrategy(strategy.PairsTrading)
	require.NoError(t, err)
	assert.Equal(t, strategy.H1, st.AnalysisTimeframe)
}

func TestSetAnalysisTimeframeOutsideCombined(t *testing.T) {
	sel := newSelection(t)
	err := sel.SetAnalysisTimeframe(strategy.M1)
	assert.ErrorIs(t, err, ErrTimeframeNotAllowed)
	assert.Equal(t, strategy.H1, sel.Settings().AnalysisTimeframe)
}

func TestWeightEditsAreDeferredToValidate(t *testing.T) {
	sel := newSelection(t)
	require.NoError(t, sel.SetWeight("Fibonacci", 0.9))
	assert.InDelta(t, 0.9, sel.Settings().Fibonacci, 1e-9)

	var sumErr *WeightSumError
	require.ErrorAs(t, sel.Validate(), &sumErr)

	assert.ErrorIs(t, sel.SetWeight("fibonacci", 1.5), ErrWeightRange)
	assert.ErrorIs(t, sel.SetWeight("volume", 0.1), ErrUnknownWeight)

	require.NoError(t, sel.SetWeights(Weights{0.4, 0.2, 0.2, 0.2}))
	assert.NoError(t, sel.Validate())
}

func TestThresholdRange(t *testing.T) {
	sel := newSelection(t)
	assert.ErrorIs(t, sel.SetConfluenceThreshold(1.1), ErrThresholdRange)
	assert.ErrorIs(t, sel.SetConfluenceThreshold(-0.1), ErrThresholdRange)
	require.NoError(t, sel.SetConfluenceThreshold(0.75))
	assert.InDelta(t, 0.75, sel.Settings().ConfluenceThreshold, 1e-9)
}

func TestValidateCollectsProblems(t *testing.T) {
	sel := newSelection(t)
	sel.SetExtras(Extras{RiskPerTrade: 12, LotSize: 0, ATRMultiplierSL: 2, RiskRewardRatio: 2})

	err := sel.Validate()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Len(t, verr.Problems, 2)
}

func TestNewRepairsStoredSettings(t *testing.T) {
	stored := DefaultSettings()
	stored.TraderType = "retired_type"
	stored.AnalysisTimeframe = strategy.W1
	stored.AllowedExecutionTypes = []ExecutionType{Limit}
	stored.DefaultExecutionType = Market

	sel := New(strategy.NewResolver(nil, firstIndex{}), stored)
	st := sel.Settings()
	assert.Equal(t, strategy.DayTrading, st.TraderType)
	assert.Equal(t, strategy.M15, st.AnalysisTimeframe)
	assert.Equal(t, Limit, st.DefaultExecutionType)
}
