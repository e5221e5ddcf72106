package ingest

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/marketbias/internal/factors"
	"github.com/quantfold/marketbias/internal/kv"
	"github.com/quantfold/marketbias/internal/market"
)

// Ingestor pulls and scores one factor. Compute returning (nil, nil)
// means "cannot determine" — the factor is simply excluded from the
// composite until the next successful refresh.
type Ingestor interface {
	ID() string
	Compute(ctx context.Context) (*factors.Reading, error)
}

// ManualValues carries operator-maintained inputs for the manual and
// derived factors.
type ManualValues struct {
	// Savita is the sell-side indicator allocation percent (0-100).
	Savita *float64 `yaml:"savita,omitempty"`
	// CAPE is the current Shiller CAPE, used by excess_cape.
	CAPE *float64 `yaml:"cape,omitempty"`
}

// Registry owns the closed ingestor set and drives refresh groups.
type Registry struct {
	ingestors map[string]Ingestor
	store     *factors.Store
	log       zerolog.Logger
}

// NewRegistry wires every ingestor in the closed factor set against the
// provider seams. Webhook-fed ingestors read the KV records written by
// the intake handlers.
func NewRegistry(store *factors.Store, kvs kv.Store, ohlcv market.OHLCVProvider, econ market.EconProvider, manual ManualValues, log zerolog.Logger) *Registry {
	r := &Registry{
		ingestors: make(map[string]Ingestor),
		store:     store,
		log:       log.With().Str("component", "ingest").Logger(),
	}

	add := func(ing Ingestor) { r.ingestors[ing.ID()] = ing }

	// Technical (price-derived).
	add(&creditSpreads{ohlcv: ohlcv})
	add(&marketBreadth{ohlcv: ohlcv})
	add(&sectorRotation{ohlcv: ohlcv})
	add(&spy200Distance{ohlcv: ohlcv})
	add(&dxyTrend{ohlcv: ohlcv})
	add(&dollarSmile{ohlcv: ohlcv})
	add(&copperGold{ohlcv: ohlcv})
	add(&spyTrendIntraday{ohlcv: ohlcv})

	// Derived volatility/regime.
	add(&vixRegime{ohlcv: ohlcv})
	add(&vixTerm{ohlcv: ohlcv})

	// Webhook-pushed intraday.
	add(&tickBreadth{kv: kvs})
	add(&breadthMomentum{kv: kvs})
	add(&putCallRatio{kv: kvs, factorID: "put_call_ratio", key: KeyPCRCurrent, source: factors.SourceTradingView})
	add(&putCallRatio{kv: kvs, factorID: "polygon_pcr", key: KeyPolygonPCR, source: factors.SourceTradingView})
	add(&optionsSentiment{kv: kvs})
	add(&ivSkew{kv: kvs})

	// Economic series with snapshot fallback.
	add(&econSeries{id: "yield_curve", series: "T10Y2Y", econ: econ, store: store, score: scoreYieldCurve})
	add(&econSeries{id: "initial_claims", series: "ICSA", econ: econ, store: store, score: scoreInitialClaims})
	add(&econSeries{id: "sahm_rule", series: "UNRATE", econ: econ, store: store, score: scoreSahmRule})
	add(&econSeries{id: "high_yield_oas", series: "BAMLH0A0HYM2", econ: econ, store: store, score: scoreHighYieldOAS})
	add(&econSeries{id: "ism_manufacturing", series: "MANEMP", econ: econ, store: store, score: scoreManufacturing})
	add(&excessCAPE{econ: econ, manual: manual})

	// Manual.
	add(&savita{manual: manual})

	return r
}

// IDs returns the registered factor identifiers, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.ingestors))
	for id := range r.ingestors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Get returns one ingestor, or nil when unknown.
func (r *Registry) Get(id string) Ingestor {
	return r.ingestors[id]
}

// RefreshGroup computes and stores every factor in the given timeframe
// bucket. Individual failures are silent at this level: the factor goes
// stale and the composite continues without it.
func (r *Registry) RefreshGroup(ctx context.Context, tf factors.Timeframe) {
	table := r.store.Table()
	for _, id := range r.IDs() {
		cfg, ok := table[id]
		if !ok || cfg.Timeframe != tf {
			continue
		}
		r.refreshOne(ctx, id)
	}
}

// RefreshAll computes and stores every registered factor.
func (r *Registry) RefreshAll(ctx context.Context) {
	for _, id := range r.IDs() {
		r.refreshOne(ctx, id)
	}
}

func (r *Registry) refreshOne(ctx context.Context, id string) {
	ing := r.ingestors[id]
	reading, err := ing.Compute(ctx)
	if err != nil {
		r.log.Warn().Err(err).Str("factor", id).Msg("factor compute failed")
		return
	}
	if reading == nil {
		r.log.Debug().Str("factor", id).Msg("factor undetermined, skipping")
		return
	}
	if err := r.store.StoreReading(ctx, *reading); err != nil {
		r.log.Warn().Err(err).Str("factor", id).Msg("factor store failed")
	}
}

// band maps an inclusive lower edge to a score. Tables are evaluated
// top-down: the first band whose Lo <= value wins.
type band struct {
	Lo    float64
	Score float64
}

// bandScore resolves a value against a band table (sorted by Lo
// descending). Values below every edge get the floor score.
func bandScore(value float64, bands []band, floor float64) float64 {
	for _, b := range bands {
		if value >= b.Lo {
			return b.Score
		}
	}
	return floor
}

// pctChange returns the percent change from a to b.
func pctChange(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	return (to - from) / from * 100
}

// sma returns the simple moving average of the last n values, or 0 when
// there is not enough data.
func sma(values []float64, n int) float64 {
	if len(values) < n || n <= 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values[len(values)-n:] {
		sum += v
	}
	return sum / float64(n)
}

func closes(bars []market.Candle) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// lastBarTime is the source timestamp for bar-derived factors.
func lastBarTime(bars []market.Candle) time.Time {
	return bars[len(bars)-1].Timestamp
}
