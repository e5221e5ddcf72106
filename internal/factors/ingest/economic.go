package ingest

import (
	"context"
	"fmt"
	"math"

	"github.com/quantfold/marketbias/internal/factors"
	"github.com/quantfold/marketbias/internal/market"
)

// econScoreFunc turns a series of observations (oldest first) into a
// score, a human-readable detail line, and the raw values worth keeping.
type econScoreFunc func(points []market.EconPoint) (float64, string, map[string]float64, error)

// econSeries fetches one FRED series and scores it. When the provider is
// down the ingestor falls back to the last-known-good snapshot so macro
// factors survive multi-day outages.
type econSeries struct {
	id     string
	series string
	econ   market.EconProvider
	store  *factors.Store
	score  econScoreFunc
}

func (e *econSeries) ID() string { return e.id }

func (e *econSeries) Compute(ctx context.Context) (*factors.Reading, error) {
	points, err := e.econ.Series(ctx, e.series, 24)
	if err != nil || len(points) == 0 {
		return e.fromSnapshot(ctx, err)
	}

	score, detail, raw, err := e.score(points)
	if err != nil {
		return e.fromSnapshot(ctx, err)
	}

	last := points[len(points)-1]
	r := factors.NewReading(e.id, score, factors.SourceFRED, detail, last.Date)
	r.WithMeta("timestamp_source", factors.TimestampSourceTimestamp)
	r.WithMeta("series", e.series)
	for k, v := range raw {
		r.WithRaw(k, v)
	}
	return &r, nil
}

// fromSnapshot replays the last successful reading tagged as cached.
// Staleness is still judged on the original source timestamp, so a
// snapshot past its validity window stays excluded.
func (e *econSeries) fromSnapshot(ctx context.Context, cause error) (*factors.Reading, error) {
	snap, snapErr := e.store.LoadSnapshot(ctx, e.id)
	if snapErr != nil || snap == nil {
		if cause != nil {
			return nil, fmt.Errorf("%s: %w", e.id, cause)
		}
		return nil, nil
	}
	r := *snap
	r.Source = factors.SourceFREDCache
	r.WithMeta("snapshot_fallback", "true")
	return &r, nil
}

func scoreYieldCurve(points []market.EconPoint) (float64, string, map[string]float64, error) {
	spread := points[len(points)-1].Value
	score := bandScore(spread, []band{
		{Lo: 1.0, Score: 0.5},
		{Lo: 0.5, Score: 0.3},
		{Lo: 0.0, Score: 0.0},
		{Lo: -0.5, Score: -0.5},
	}, -0.8)
	detail := fmt.Sprintf("10y-2y spread %+.2f%%", spread)
	return score, detail, map[string]float64{"spread": spread}, nil
}

func scoreInitialClaims(points []market.EconPoint) (float64, string, map[string]float64, error) {
	latest := points[len(points)-1].Value

	// Four-week average smooths holiday distortions.
	n := len(points)
	window := points
	if n > 4 {
		window = points[n-4:]
	}
	sum := 0.0
	for _, p := range window {
		sum += p.Value
	}
	avg := sum / float64(len(window))

	score := bandScore(-avg, []band{
		{Lo: -220_000, Score: 0.5},
		{Lo: -260_000, Score: 0.2},
		{Lo: -300_000, Score: -0.2},
		{Lo: -350_000, Score: -0.5},
	}, -0.8)
	detail := fmt.Sprintf("initial claims 4wk avg %.0fk", avg/1000)
	return score, detail, map[string]float64{"latest": latest, "avg_4wk": avg}, nil
}

// scoreSahmRule computes the Sahm gap: the 3-month average unemployment
// rate minus its minimum over the prior 12 months. A gap of 0.50pp or
// more has marked the start of every post-war recession.
func scoreSahmRule(points []market.EconPoint) (float64, string, map[string]float64, error) {
	if len(points) < 15 {
		return 0, "", nil, fmt.Errorf("sahm_rule: need 15 months of UNRATE, got %d", len(points))
	}

	threeMoAvg := func(end int) float64 {
		return (points[end].Value + points[end-1].Value + points[end-2].Value) / 3
	}

	current := threeMoAvg(len(points) - 1)
	low := math.Inf(1)
	for i := len(points) - 2; i >= len(points)-13; i-- {
		if avg := threeMoAvg(i); avg < low {
			low = avg
		}
	}
	gap := current - low

	score := bandScore(-gap, []band{
		{Lo: -0.20, Score: 0.2},
		{Lo: -0.30, Score: -0.2},
		{Lo: -0.50, Score: -0.5},
	}, -0.9)
	detail := fmt.Sprintf("Sahm gap %.2fpp (3mo avg %.2f vs 12mo low %.2f)", gap, current, low)
	return score, detail, map[string]float64{"gap": gap, "avg_3mo": current, "low_12mo": low}, nil
}

func scoreHighYieldOAS(points []market.EconPoint) (float64, string, map[string]float64, error) {
	oas := points[len(points)-1].Value
	score := bandScore(-oas, []band{
		{Lo: -3.5, Score: 0.5},
		{Lo: -4.5, Score: 0.2},
		{Lo: -5.5, Score: -0.2},
		{Lo: -7.0, Score: -0.6},
	}, -0.9)
	detail := fmt.Sprintf("HY OAS %.2f%%", oas)
	return score, detail, map[string]float64{"oas": oas}, nil
}

// scoreManufacturing uses manufacturing payrolls momentum as a free
// stand-in for the ISM PMI: the six-month change tracks the same cycle.
func scoreManufacturing(points []market.EconPoint) (float64, string, map[string]float64, error) {
	if len(points) < 7 {
		return 0, "", nil, fmt.Errorf("ism_manufacturing: need 7 months, got %d", len(points))
	}
	latest := points[len(points)-1].Value
	prior := points[len(points)-7].Value
	change := pctChange(prior, latest)

	score := bandScore(change, []band{
		{Lo: 0.5, Score: 0.5},
		{Lo: 0.0, Score: 0.2},
		{Lo: -0.5, Score: -0.2},
	}, -0.6)
	detail := fmt.Sprintf("mfg payrolls %+.2f%% over 6mo", change)
	return score, detail, map[string]float64{"change_6mo_pct": change, "latest": latest}, nil
}

// excessCAPE scores the excess CAPE yield: the earnings yield implied by
// the operator-maintained Shiller CAPE minus the 10-year Treasury yield.
type excessCAPE struct {
	econ   market.EconProvider
	manual ManualValues
}

func (e *excessCAPE) ID() string { return "excess_cape" }

func (e *excessCAPE) Compute(ctx context.Context) (*factors.Reading, error) {
	if e.manual.CAPE == nil || *e.manual.CAPE <= 0 {
		return nil, nil
	}
	cape := *e.manual.CAPE

	points, err := e.econ.Series(ctx, "DGS10", 10)
	if err != nil {
		return nil, fmt.Errorf("excess_cape: %w", err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("excess_cape: %w", market.ErrNoData)
	}
	tenYear := points[len(points)-1].Value

	ecy := (1.0/cape)*100 - tenYear
	score := bandScore(ecy, []band{
		{Lo: 4.0, Score: 0.5},
		{Lo: 2.0, Score: 0.2},
		{Lo: 1.0, Score: 0.0},
		{Lo: 0.0, Score: -0.3},
	}, -0.7)

	r := factors.NewReading(e.ID(), score, factors.SourceManual,
		fmt.Sprintf("excess CAPE yield %+.2f%% (CAPE %.1f, 10y %.2f%%)", ecy, cape, tenYear),
		points[len(points)-1].Date)
	r.WithMeta("timestamp_source", factors.TimestampSourceTimestamp)
	r.WithRaw("cape", cape)
	r.WithRaw("ten_year", tenYear)
	r.WithRaw("ecy", ecy)
	return &r, nil
}
