package ingest

import (
	"context"
	"fmt"

	"github.com/quantfold/marketbias/internal/factors"
	"github.com/quantfold/marketbias/internal/market"
)

// vixRegime scores the absolute VIX level.
type vixRegime struct {
	ohlcv market.OHLCVProvider
}

func (v *vixRegime) ID() string { return "vix_regime" }

func (v *vixRegime) Compute(ctx context.Context) (*factors.Reading, error) {
	q, err := v.ohlcv.Quote(ctx, "^VIX")
	if err != nil {
		return nil, fmt.Errorf("vix_regime: %w", err)
	}

	vix := q.Last
	var score float64
	switch {
	case vix < 15:
		score = 0.6
	case vix < 20:
		score = 0.3
	case vix < 25:
		score = -0.2
	case vix < 30:
		score = -0.5
	default:
		score = -0.9
	}

	r := factors.NewReading(v.ID(), score, factors.SourceYFinance,
		fmt.Sprintf("VIX %.1f", vix), q.Timestamp)
	r.WithMeta("timestamp_source", factors.TimestampSourceReceivedAt)
	r.WithRaw("vix", vix)
	return &r, nil
}

// vixTerm scores the VIX/VIX3M term structure. Contango (front below
// three-month) is the healthy state; backwardation signals stress. When
// VIX3M is unavailable the ingestor degrades to a VIX-only mapping
// rather than returning nothing.
type vixTerm struct {
	ohlcv market.OHLCVProvider
}

func (v *vixTerm) ID() string { return "vix_term" }

func (v *vixTerm) Compute(ctx context.Context) (*factors.Reading, error) {
	front, err := v.ohlcv.Quote(ctx, "^VIX")
	if err != nil {
		return nil, fmt.Errorf("vix_term: %w", err)
	}

	threeMonth, err := v.ohlcv.Quote(ctx, "^VIX3M")
	if err != nil || threeMonth.Last == 0 {
		return v.vixOnlyFallback(front), nil
	}

	ratio := front.Last / threeMonth.Last
	var score float64
	switch {
	case ratio < 0.85:
		score = 0.7
	case ratio < 0.95:
		score = 0.4
	case ratio < 1.0:
		score = 0.0
	case ratio < 1.05:
		score = -0.5
	default:
		score = -0.9
	}

	r := factors.NewReading(v.ID(), score, factors.SourceYFinance,
		fmt.Sprintf("VIX/VIX3M %.3f", ratio), front.Timestamp)
	r.WithMeta("timestamp_source", factors.TimestampSourceReceivedAt)
	r.WithRaw("ratio", ratio)
	r.WithRaw("vix", front.Last)
	r.WithRaw("vix3m", threeMonth.Last)
	return &r, nil
}

// vixOnlyFallback approximates the term read from the front month alone.
func (v *vixTerm) vixOnlyFallback(front *market.Quote) *factors.Reading {
	vix := front.Last
	var score float64
	switch {
	case vix < 16:
		score = 0.4
	case vix < 22:
		score = 0.0
	case vix < 28:
		score = -0.4
	default:
		score = -0.8
	}

	r := factors.NewReading(v.ID(), score, factors.SourceYFinance,
		fmt.Sprintf("VIX-only fallback, VIX %.1f", vix), front.Timestamp)
	r.WithMeta("timestamp_source", factors.TimestampSourceReceivedAt)
	r.WithMeta("fallback_mode", "vix_only")
	r.WithRaw("vix", vix)
	return &r
}
