package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/marketbias/internal/bias"
	"github.com/quantfold/marketbias/internal/market"
)

func TestZoneForArrangements(t *testing.T) {
	tests := []struct {
		name                        string
		price, sma20, sma50, sma120 float64
		want                        Zone
	}{
		{"structural breakdown", 100, 95, 98, 99, ZoneCapitulation},
		{"above all", 110, 105, 103, 100, ZoneMaxLong},
		{"below 20 above 50", 101, 104, 100, 98, ZoneDeLeveraging},
		{"below 50", 96, 104, 100, 98, ZoneWaterfall},
		{"sitting on the 20", 104, 104, 100, 98, ZoneTransition},
		{"missing sma", 100, 0, 99, 98, ZoneUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ZoneFor(tt.price, tt.sma20, tt.sma50, tt.sma120), tt.name)
	}
}

func TestGoldenTouchRule(t *testing.T) {
	p := &Panel{
		Symbol:            "NVDA",
		SMA20:             []float64{104},
		SMA50:             []float64{103},
		SMA120:            []float64{100},
		Close:             107,
		Low:               100.5,
		High60:            115,
		StreakAboveSMA120: 60,
		ATR14:             2,
	}

	cand := ruleGoldenTouch(p)
	require.NotNil(t, cand)
	assert.Equal(t, TypeGoldenTouch, cand.signalType)
	assert.Equal(t, DirectionLong, cand.direction)
	assert.Equal(t, 100, cand.priority)
	assert.Equal(t, ConfidenceHigh, cand.confidence)

	// Streak too short: no retest setup.
	p.StreakAboveSMA120 = 30
	assert.Nil(t, ruleGoldenTouch(p))
	p.StreakAboveSMA120 = 60

	// Correction outside the 5-12% pocket.
	p.High60 = 109
	assert.Nil(t, ruleGoldenTouch(p))
	p.High60 = 115

	// No actual touch of the 120-day SMA.
	p.Low = 103
	assert.Nil(t, ruleGoldenTouch(p))
}

func TestGoldenTouchSetupAnchorsAtSMA50(t *testing.T) {
	p := &Panel{
		Symbol: "NVDA",
		SMA20:  []float64{104},
		SMA50:  []float64{103},
		SMA120: []float64{100},
		Close:  107,
		ATR14:  2,
	}
	zone := ZoneFor(p.Close, 104, 103, 100)
	require.Equal(t, ZoneMaxLong, zone)

	setup, ctx := buildSetup(p, TypeGoldenTouch, DirectionLong, zone)
	// SMA50 minus a quarter ATR; risk 4.5 sits inside [0.5, 3.0] ATR.
	assert.InDelta(t, 102.5, setup.Stop, 1e-9)
	assert.Equal(t, "SMA50", ctx["stop_anchor"])

	// (GOLDEN_TOUCH, MAX_LONG) profile targets three ATRs.
	assert.InDelta(t, 113, setup.T2, 1e-9)
	assert.InDelta(t, 6.0/4.5, setup.RRRatio, 1e-9)
	assert.Equal(t, setup.Stop, setup.InvalidationLevel)

	// Half the T2 distance lands inside 0.75 risk of entry, so T1
	// collapses into T2.
	assert.Equal(t, setup.T2, setup.T1)
	assert.Equal(t, "T1 skipped", ctx["t1_anchor"])

	// Entry window spans SMA20 to SMA20 + 0.75 ATR.
	assert.InDelta(t, 104, setup.EntryWindow.Low, 1e-9)
	assert.InDelta(t, 105.5, setup.EntryWindow.High, 1e-9)
}

func TestSmartStopFallsBackToATRProfile(t *testing.T) {
	// Anchor far below entry: risk beyond 3 ATR rejects the anchor.
	p := &Panel{
		SMA20:  []float64{104},
		SMA50:  []float64{90},
		SMA120: []float64{85},
		Close:  107,
		ATR14:  2,
	}
	setup, ctx := buildSetup(p, TypeGoldenTouch, DirectionLong, ZoneMaxLong)
	assert.Equal(t, "1.00xATR", ctx["stop_anchor"])
	assert.InDelta(t, 105, setup.Stop, 1e-9)
}

func TestTwoCloseVolumeRule(t *testing.T) {
	p := &Panel{
		Bars: []market.Candle{
			{Close: 94}, {Close: 101}, {Close: 102},
		},
		SMA50:    []float64{100, 100, 100},
		Volume:   120,
		VolAvg20: 100,
	}
	cand := ruleTwoCloseVolume(p)
	require.NotNil(t, cand)
	assert.Equal(t, DirectionLong, cand.direction)
	assert.InDelta(t, 1.2, cand.notes["volume_ratio"].(float64), 1e-9)

	// Volume confirmation missing.
	p.Volume = 105
	assert.Nil(t, ruleTwoCloseVolume(p))

	// Three closes above: not a fresh reclaim.
	p.Volume = 120
	p.Bars[0].Close = 101
	assert.Nil(t, ruleTwoCloseVolume(p))
}

func TestPullbackEntryRule(t *testing.T) {
	p := &Panel{
		Bars:         []market.Candle{{Close: 104}, {Close: 102}},
		SMA20:        []float64{100.5, 101},
		SMA50:        []float64{99, 99},
		SMA120:       []float64{95, 95},
		Close:        102,
		Low:          101.5,
		DistSMA20Pct: distPct(102, 101),
	}
	require.Equal(t, ZoneMaxLong, p.Zone())

	cand := rulePullbackEntry(p)
	require.NotNil(t, cand)
	assert.Equal(t, TypePullbackEntry, cand.signalType)

	// Previous bar already closer: pullback not completing.
	p.Bars[0].Close = 101
	assert.Nil(t, rulePullbackEntry(p))
}

func TestZoneUpgradeRule(t *testing.T) {
	p := &Panel{
		Bars:   []market.Candle{{Close: 95}, {Close: 100}},
		SMA20:  []float64{98, 98},
		SMA50:  []float64{97, 97},
		SMA120: []float64{96, 96},
	}
	// WATERFALL yesterday, MAX_LONG today.
	cand := ruleZoneUpgrade(p)
	require.NotNil(t, cand)
	assert.Equal(t, "WATERFALL", cand.notes["from_zone"])
	assert.Equal(t, "MAX_LONG", cand.notes["to_zone"])

	// Upgrade into WATERFALL does not qualify.
	p2 := &Panel{
		Bars:   []market.Candle{{Close: 90}, {Close: 96.5}},
		SMA20:  []float64{98, 98},
		SMA50:  []float64{97, 97},
		SMA120: []float64{96, 96},
	}
	assert.Nil(t, ruleZoneUpgrade(p2))
}

func TestTrappedRulesMirror(t *testing.T) {
	longsTrapped := &Panel{
		SMA200: []float64{100},
		VWAP20: 95,
		Close:  90,
		ADX14:  35,
		RSI14:  45,
		RVOL:   2.5,
	}
	cand := ruleTrappedLongs(longsTrapped)
	require.NotNil(t, cand)
	assert.Equal(t, DirectionShort, cand.direction)
	assert.Equal(t, 100, cand.priority)
	assert.Equal(t, ConfidenceHigh, cand.confidence)

	// Thin tape: base priority.
	longsTrapped.RVOL = 1.5
	cand = ruleTrappedLongs(longsTrapped)
	require.NotNil(t, cand)
	assert.Equal(t, 80, cand.priority)

	shortsTrapped := &Panel{
		SMA200: []float64{100},
		VWAP20: 105,
		Close:  110,
		ADX14:  25,
		RSI14:  55,
		RVOL:   1.5,
	}
	cand = ruleTrappedShorts(shortsTrapped)
	require.NotNil(t, cand)
	assert.Equal(t, DirectionLong, cand.direction)

	assert.Nil(t, ruleTrappedShorts(longsTrapped))
}

func TestConfluenceConflictingSignals(t *testing.T) {
	sigs := []*Signal{
		{Symbol: "AMD", SignalType: TypePullbackEntry, Direction: DirectionLong, Priority: 60, Confidence: ConfidenceMedium},
		{Symbol: "AMD", SignalType: TypeTrappedLongs, Direction: DirectionShort, Priority: 80, Confidence: ConfidenceMedium},
	}
	applyConfluence(sigs)

	for _, s := range sigs {
		require.NotNil(t, s.Confluence)
		assert.Equal(t, "CONFLICTING_SIGNALS", s.Confluence.Warning)
		assert.Equal(t, ConfidenceLow, s.Confidence)
		assert.Equal(t, 2, s.Confluence.Count)
	}
	// Priorities untouched for conflicting sets.
	assert.Equal(t, 60, sigs[0].Priority)
}

func TestConfluenceComboBoost(t *testing.T) {
	sigs := []*Signal{
		{SignalType: TypeGoldenTouch, Direction: DirectionLong, Priority: 100, Confidence: ConfidenceHigh},
		{SignalType: TypeTwoCloseVolume, Direction: DirectionLong, Priority: 70, Confidence: ConfidenceMedium},
	}
	applyConfluence(sigs)

	require.NotNil(t, sigs[0].Confluence)
	assert.Equal(t, 50, sigs[0].Confluence.Boost)
	assert.Equal(t, "GOLDEN_TOUCH+TWO_CLOSE_VOLUME", sigs[0].Confluence.Combo)
	assert.Equal(t, 150, sigs[0].Priority)
	assert.Equal(t, 120, sigs[1].Priority)
	assert.Equal(t, ConfidenceHigh, sigs[1].Confidence)
}

func TestConfluenceSingleSignalUntouched(t *testing.T) {
	sigs := []*Signal{{SignalType: TypePullbackEntry, Direction: DirectionLong, Priority: 60}}
	applyConfluence(sigs)
	assert.Nil(t, sigs[0].Confluence)
	assert.Equal(t, 60, sigs[0].Priority)
}

func TestCooldownSuppression(t *testing.T) {
	s := New(nil, nil, nil, time.Hour, zerolog.Nop())
	base := time.Date(2026, 4, 6, 15, 0, 0, 0, time.UTC)

	assert.True(t, s.allowFire("AMD", TypeGoldenTouch, base))
	assert.False(t, s.allowFire("AMD", TypeGoldenTouch, base.Add(30*time.Minute)))
	// Different type on the same ticker is independent.
	assert.True(t, s.allowFire("AMD", TypeTrappedShorts, base.Add(30*time.Minute)))
	// Window elapsed.
	assert.True(t, s.allowFire("AMD", TypeGoldenTouch, base.Add(61*time.Minute)))
}

func TestConvictionMultiplier(t *testing.T) {
	bullish := &bias.Result{BiasLevel: bias.ToroMinor}
	bearish := &bias.Result{BiasLevel: bias.UrsaMinor}
	neutral := &bias.Result{BiasLevel: bias.Neutral}

	assert.Equal(t, 1.2, conviction(DirectionLong, bullish, ZoneMaxLong))
	assert.Equal(t, 1.0, conviction(DirectionLong, bullish, ZoneWaterfall))
	assert.Equal(t, 0.8, conviction(DirectionLong, bearish, ZoneMaxLong))
	assert.Equal(t, 1.0, conviction(DirectionLong, neutral, ZoneMaxLong))
	assert.Equal(t, 1.2, conviction(DirectionShort, bearish, ZoneCapitulation))
	assert.Equal(t, 0.8, conviction(DirectionShort, bullish, ZoneCapitulation))
	assert.Equal(t, 1.0, conviction(DirectionLong, nil, ZoneMaxLong))
}

func TestNewPanelComputesIndicators(t *testing.T) {
	// Steady uptrend with fixed range and volume.
	bars := make([]market.Candle, 260)
	base := time.Date(2025, 6, 2, 20, 0, 0, 0, time.UTC)
	for i := range bars {
		price := 100 + float64(i)*0.5
		bars[i] = market.Candle{
			Timestamp: base.AddDate(0, 0, i),
			Open:      price - 0.2,
			High:      price + 1,
			Low:       price - 1,
			Close:     price,
			Volume:    1_000_000,
		}
	}
	bars[259].Volume = 2_000_000

	p, err := NewPanel("SPY", bars)
	require.NoError(t, err)

	last := bars[259].Close
	assert.Equal(t, last, p.Close)
	// SMA20 trails the trend by half the window's slope.
	assert.InDelta(t, last-19*0.5/2, p.lastSMA20(), 1e-6)
	assert.Greater(t, p.lastSMA20(), p.lastSMA50())
	assert.Greater(t, p.lastSMA50(), p.lastSMA120())
	assert.Greater(t, p.lastSMA120(), p.lastSMA200())

	assert.Equal(t, ZoneMaxLong, p.Zone())
	assert.InDelta(t, 2.0, p.RVOL, 0.1)
	assert.Equal(t, bars[259].High, p.High60)
	assert.Greater(t, p.StreakAboveSMA120, 50)
	assert.Greater(t, p.ATR14, 0.0)
	assert.Greater(t, p.RSI14, 50.0)
	assert.Greater(t, p.VWAP20, 0.0)

	_, err = NewPanel("SPY", bars[:100])
	assert.Error(t, err)
}

func TestScanSymbolEmitsThroughPipeline(t *testing.T) {
	bars := make([]market.Candle, 260)
	base := time.Date(2025, 6, 2, 20, 0, 0, 0, time.UTC)
	for i := range bars {
		price := 100 + float64(i)*0.5
		bars[i] = market.Candle{
			Timestamp: base.AddDate(0, 0, i),
			Open:      price, High: price + 1, Low: price - 1, Close: price,
			Volume: 1_000_000,
		}
	}

	ohlcv := &fakeBars{bars: map[string][]market.Candle{"SPY": bars}}
	s := New(ohlcv, nil, nil, time.Hour, zerolog.Nop())

	sigs, err := s.ScanSymbol(context.Background(), "SPY", "", nil)
	require.NoError(t, err)
	for _, sig := range sigs {
		assert.NotEmpty(t, sig.SignalID)
		assert.Equal(t, "SPY", sig.Symbol)
		assert.NotEmpty(t, sig.Context)
		assert.Greater(t, sig.Setup.Entry, 0.0)
		assert.Equal(t, 1.0, sig.ConvictionMult)
	}
}

type fakeBars struct {
	bars map[string][]market.Candle
}

func (f *fakeBars) DailyBars(_ context.Context, symbol string, _ int) ([]market.Candle, error) {
	bars, ok := f.bars[symbol]
	if !ok {
		return nil, market.ErrNoData
	}
	return bars, nil
}

func (f *fakeBars) Quote(context.Context, string) (*market.Quote, error) {
	return nil, market.ErrNoData
}
