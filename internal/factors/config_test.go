package factors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTableValid(t *testing.T) {
	table := DefaultTable()
	require.NoError(t, table.Validate())
	assert.Len(t, table, 23)
}

func TestNormalizedWeightsSumToOne(t *testing.T) {
	table := DefaultTable()

	subset := []string{"vix_regime", "credit_spreads", "yield_curve", "market_breadth"}
	weights := table.NormalizedWeights(subset)
	require.Len(t, weights, 4)

	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)

	// Relative ordering preserved: credit_spreads outweighs vix_regime.
	assert.Greater(t, weights["credit_spreads"], weights["vix_regime"])
}

func TestNormalizedWeightsEmptySubset(t *testing.T) {
	table := DefaultTable()
	assert.Empty(t, table.NormalizedWeights(nil))
}

func TestSignalLabelBands(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0.60, "STRONG_BULLISH"},
		{0.59, "BULLISH"},
		{0.20, "BULLISH"},
		{0.19, "NEUTRAL"},
		{-0.20, "NEUTRAL"},
		{-0.21, "BEARISH"},
		{-0.60, "BEARISH"},
		{-0.61, "STRONG_BEARISH"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SignalLabel(tt.score), "score %v", tt.score)
	}
}
