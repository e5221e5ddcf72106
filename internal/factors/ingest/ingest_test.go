package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/marketbias/internal/factors"
	"github.com/quantfold/marketbias/internal/kv"
	"github.com/quantfold/marketbias/internal/market"
)

type fakeOHLCV struct {
	bars   map[string][]market.Candle
	quotes map[string]*market.Quote
	errs   map[string]error
}

func (f *fakeOHLCV) DailyBars(_ context.Context, symbol string, days int) ([]market.Candle, error) {
	if err := f.errs[symbol]; err != nil {
		return nil, err
	}
	bars, ok := f.bars[symbol]
	if !ok {
		return nil, market.ErrNoData
	}
	if len(bars) > days {
		bars = bars[len(bars)-days:]
	}
	return bars, nil
}

func (f *fakeOHLCV) Quote(_ context.Context, symbol string) (*market.Quote, error) {
	if err := f.errs[symbol]; err != nil {
		return nil, err
	}
	q, ok := f.quotes[symbol]
	if !ok {
		return nil, market.ErrNoData
	}
	return q, nil
}

type fakeEcon struct {
	series map[string][]market.EconPoint
	err    error
}

func (f *fakeEcon) Series(_ context.Context, seriesID string, limit int) ([]market.EconPoint, error) {
	if f.err != nil {
		return nil, f.err
	}
	points := f.series[seriesID]
	if len(points) > limit {
		points = points[len(points)-limit:]
	}
	return points, nil
}

// flatBars builds n daily bars at a constant close, newest last.
func flatBars(n int, close float64) []market.Candle {
	bars := make([]market.Candle, n)
	base := time.Date(2026, 1, 2, 21, 0, 0, 0, time.UTC)
	for i := range bars {
		bars[i] = market.Candle{
			Timestamp: base.AddDate(0, 0, i),
			Open:      close, High: close, Low: close, Close: close,
			Volume: 1_000_000,
		}
	}
	return bars
}

func testStore(t *testing.T) (*factors.Store, kv.Store) {
	t.Helper()
	mem := kv.NewMemory()
	return factors.NewStore(mem, nil, factors.DefaultTable(), zerolog.Nop()), mem
}

func TestVixRegimeBands(t *testing.T) {
	tests := []struct {
		vix  float64
		want float64
	}{
		{12.0, 0.6},
		{17.5, 0.3},
		{22.0, -0.2},
		{27.0, -0.5},
		{35.0, -0.9},
	}
	for _, tt := range tests {
		ohlcv := &fakeOHLCV{quotes: map[string]*market.Quote{
			"^VIX": {Symbol: "^VIX", Last: tt.vix, Timestamp: time.Now()},
		}}
		ing := &vixRegime{ohlcv: ohlcv}
		r, err := ing.Compute(context.Background())
		require.NoError(t, err)
		require.NotNil(t, r)
		assert.Equal(t, tt.want, r.Score, "VIX %v", tt.vix)
	}
}

func TestVixTermContangoAndFallback(t *testing.T) {
	ohlcv := &fakeOHLCV{quotes: map[string]*market.Quote{
		"^VIX":   {Symbol: "^VIX", Last: 14.0, Timestamp: time.Now()},
		"^VIX3M": {Symbol: "^VIX3M", Last: 17.0, Timestamp: time.Now()},
	}}
	ing := &vixTerm{ohlcv: ohlcv}

	r, err := ing.Compute(context.Background())
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, 0.7, r.Score) // 14/17 ≈ 0.82, deep contango
	assert.NotContains(t, r.Metadata, "fallback_mode")

	// VIX3M down: degrade to the VIX-only mapping instead of failing.
	ohlcv.errs = map[string]error{"^VIX3M": errors.New("upstream 502")}
	r, err = ing.Compute(context.Background())
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "vix_only", r.Metadata["fallback_mode"])
	assert.Equal(t, 0.4, r.Score) // VIX 14 < 16
}

func TestTickBreadthReadsWebhookRecord(t *testing.T) {
	mem := kv.NewMemory()
	err := WriteWebhookRecord(context.Background(), mem, KeyTickCurrent, map[string]interface{}{
		"tick_high": 850.0,
		"tick_low":  -200.0,
		"tick_avg":  450.0,
	}, time.Hour)
	require.NoError(t, err)

	ing := &tickBreadth{kv: mem}
	r, err := ing.Compute(context.Background())
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, 0.7, r.Score)
	assert.Equal(t, factors.TimestampSourceReceivedAt, r.Metadata["timestamp_source"])
	assert.False(t, r.Unverifiable())
}

func TestTickBreadthUndeterminedWhenAbsent(t *testing.T) {
	ing := &tickBreadth{kv: kv.NewMemory()}
	r, err := ing.Compute(context.Background())
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestBreadthMomentumNineToOneDays(t *testing.T) {
	mem := kv.NewMemory()

	write := func(uvol, dvol float64) {
		require.NoError(t, WriteWebhookRecord(context.Background(), mem, KeyUvolDvol,
			map[string]interface{}{"uvol": uvol, "dvol": dvol}, time.Hour))
	}
	ing := &breadthMomentum{kv: mem}

	write(9_000_000, 1_000_000)
	r, err := ing.Compute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, r.Score)

	write(1_000_000, 9_500_000)
	r, err = ing.Compute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -1.0, r.Score)
}

func TestPutCallRatioBothFeeds(t *testing.T) {
	mem := kv.NewMemory()
	require.NoError(t, WriteWebhookRecord(context.Background(), mem, KeyPCRCurrent,
		map[string]interface{}{"pcr": 1.35}, time.Hour))
	require.NoError(t, WriteWebhookRecord(context.Background(), mem, KeyPolygonPCR,
		map[string]interface{}{"pcr": 0.65}, time.Hour))

	cboe := &putCallRatio{kv: mem, factorID: "put_call_ratio", key: KeyPCRCurrent, source: factors.SourceTradingView}
	poly := &putCallRatio{kv: mem, factorID: "polygon_pcr", key: KeyPolygonPCR, source: factors.SourceTradingView}

	r, err := cboe.Compute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "put_call_ratio", r.FactorID)
	assert.Equal(t, -0.6, r.Score)

	r, err = poly.Compute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "polygon_pcr", r.FactorID)
	assert.Equal(t, 0.5, r.Score)
}

func TestEconSeriesSnapshotFallback(t *testing.T) {
	store, _ := testStore(t)

	// Seed a last-known-good reading through the store so the snapshot
	// key exists.
	seed := factors.NewReading("yield_curve", 0.3, factors.SourceFRED, "10y-2y spread +0.62%", time.Now().Add(-24*time.Hour))
	seed.WithMeta("timestamp_source", factors.TimestampSourceTimestamp)
	require.NoError(t, store.StoreReading(context.Background(), seed))

	ing := &econSeries{
		id: "yield_curve", series: "T10Y2Y",
		econ:  &fakeEcon{err: errors.New("fred 503")},
		store: store,
		score: scoreYieldCurve,
	}
	r, err := ing.Compute(context.Background())
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, factors.SourceFREDCache, r.Source)
	assert.Equal(t, "true", r.Metadata["snapshot_fallback"])
	assert.Equal(t, 0.3, r.Score)
}

func TestEconSeriesNoSnapshotPropagatesError(t *testing.T) {
	store, _ := testStore(t)
	ing := &econSeries{
		id: "yield_curve", series: "T10Y2Y",
		econ:  &fakeEcon{err: errors.New("fred 503")},
		store: store,
		score: scoreYieldCurve,
	}
	_, err := ing.Compute(context.Background())
	assert.Error(t, err)
}

func TestScoreYieldCurveInversion(t *testing.T) {
	points := []market.EconPoint{{Date: time.Now(), Value: -0.7}}
	score, _, _, err := scoreYieldCurve(points)
	require.NoError(t, err)
	assert.Equal(t, -0.8, score)
}

func TestScoreSahmRuleTrigger(t *testing.T) {
	// Twelve flat months at 3.6%, then a climb to 4.3%: the 3-month
	// average ends 0.50pp above the 12-month low.
	values := []float64{3.6, 3.6, 3.6, 3.6, 3.6, 3.6, 3.6, 3.6, 3.6, 3.6, 3.6, 3.6, 3.9, 4.1, 4.3}
	points := make([]market.EconPoint, len(values))
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, v := range values {
		points[i] = market.EconPoint{Date: base.AddDate(0, i, 0), Value: v}
	}

	score, detail, raw, err := scoreSahmRule(points)
	require.NoError(t, err)
	assert.Equal(t, -0.9, score)
	assert.InDelta(t, 0.50, raw["gap"], 0.01)
	assert.Contains(t, detail, "Sahm gap")
}

func TestScoreSahmRuleCalm(t *testing.T) {
	points := make([]market.EconPoint, 15)
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := range points {
		points[i] = market.EconPoint{Date: base.AddDate(0, i, 0), Value: 3.7}
	}
	score, _, _, err := scoreSahmRule(points)
	require.NoError(t, err)
	assert.Equal(t, 0.2, score)
}

func TestExcessCAPERequiresManualValue(t *testing.T) {
	ing := &excessCAPE{econ: &fakeEcon{}, manual: ManualValues{}}
	r, err := ing.Compute(context.Background())
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestExcessCAPEScores(t *testing.T) {
	cape := 33.0 // earnings yield ~3.03%
	econ := &fakeEcon{series: map[string][]market.EconPoint{
		"DGS10": {{Date: time.Now(), Value: 4.2}},
	}}
	ing := &excessCAPE{econ: econ, manual: ManualValues{CAPE: &cape}}

	r, err := ing.Compute(context.Background())
	require.NoError(t, err)
	require.NotNil(t, r)
	// ECY ≈ 3.03 - 4.20 = -1.17 → below every band edge.
	assert.Equal(t, -0.7, r.Score)
}

func TestSavitaUndeterminedAndContrarian(t *testing.T) {
	ing := &savita{}
	r, err := ing.Compute(context.Background())
	require.NoError(t, err)
	assert.Nil(t, r)

	alloc := 61.0
	ing = &savita{manual: ManualValues{Savita: &alloc}}
	r, err = ing.Compute(context.Background())
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, -0.6, r.Score)

	alloc = 45.0
	r, err = ing.Compute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.5, r.Score)
}

func TestRegistryCoversFactorTable(t *testing.T) {
	store, mem := testStore(t)
	reg := NewRegistry(store, mem, &fakeOHLCV{}, &fakeEcon{}, ManualValues{}, zerolog.Nop())

	table := factors.DefaultTable()
	for id := range table {
		assert.NotNil(t, reg.Get(id), "factor %s has no ingestor", id)
	}
	assert.Len(t, reg.IDs(), len(table))
}

func TestRefreshGroupStoresOnlyTimeframe(t *testing.T) {
	store, mem := testStore(t)
	ohlcv := &fakeOHLCV{quotes: map[string]*market.Quote{
		"^VIX":   {Symbol: "^VIX", Last: 13.0, Timestamp: time.Now()},
		"^VIX3M": {Symbol: "^VIX3M", Last: 16.0, Timestamp: time.Now()},
	}}
	reg := NewRegistry(store, mem, ohlcv, &fakeEcon{}, ManualValues{}, zerolog.Nop())

	reg.RefreshGroup(context.Background(), factors.TimeframeIntraday)

	r, err := store.GetLatest(context.Background(), "vix_regime")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, 0.6, r.Score)

	// Swing factors untouched by the intraday sweep.
	r, err = store.GetLatest(context.Background(), "credit_spreads")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestCreditSpreadsRiskOn(t *testing.T) {
	// HYG rallying 4% while TLT is flat: spreads compressing hard.
	hyg := flatBars(30, 100)
	for i := 10; i < 30; i++ {
		hyg[i].Close = 100 + float64(i-9)*0.2
	}
	ohlcv := &fakeOHLCV{bars: map[string][]market.Candle{
		"HYG": hyg,
		"TLT": flatBars(30, 95),
	}}

	ing := &creditSpreads{ohlcv: ohlcv}
	r, err := ing.Compute(context.Background())
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, 0.8, r.Score)
	assert.Equal(t, factors.TimestampSourceTimestamp, r.Metadata["timestamp_source"])
}
