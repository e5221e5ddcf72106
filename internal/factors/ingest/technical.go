package ingest

import (
	"context"
	"fmt"

	"github.com/quantfold/marketbias/internal/factors"
	"github.com/quantfold/marketbias/internal/market"
)

// pairRatio fetches two symbols and returns the per-bar ratio of their
// closes over the shorter of the two series, plus the bars of the
// numerator for timestamps.
func pairRatio(ctx context.Context, p market.OHLCVProvider, numSym, denSym string, days int) ([]float64, []market.Candle, error) {
	num, err := p.DailyBars(ctx, numSym, days)
	if err != nil {
		return nil, nil, err
	}
	den, err := p.DailyBars(ctx, denSym, days)
	if err != nil {
		return nil, nil, err
	}
	n := len(num)
	if len(den) < n {
		n = len(den)
	}
	if n == 0 {
		return nil, nil, market.ErrNoData
	}
	ratios := make([]float64, n)
	for i := 0; i < n; i++ {
		d := den[len(den)-n+i].Close
		if d == 0 {
			return nil, nil, fmt.Errorf("zero denominator close for %s", denSym)
		}
		ratios[i] = num[len(num)-n+i].Close / d
	}
	return ratios, num[len(num)-n:], nil
}

// creditSpreads scores risk appetite from the HYG/TLT ratio: high-yield
// outperforming treasuries is risk-on.
type creditSpreads struct {
	ohlcv market.OHLCVProvider
}

func (c *creditSpreads) ID() string { return "credit_spreads" }

func (c *creditSpreads) Compute(ctx context.Context) (*factors.Reading, error) {
	ratios, bars, err := pairRatio(ctx, c.ohlcv, "HYG", "TLT", 60)
	if err != nil {
		return nil, fmt.Errorf("credit_spreads: %w", err)
	}
	if len(ratios) < 21 {
		return nil, nil
	}

	chg := pctChange(ratios[len(ratios)-21], ratios[len(ratios)-1])
	score := bandScore(chg, []band{
		{Lo: 3.0, Score: 0.8},
		{Lo: 1.0, Score: 0.4},
		{Lo: -1.0, Score: 0.0},
		{Lo: -3.0, Score: -0.4},
	}, -0.8)

	r := factors.NewReading(c.ID(), score, factors.SourceYFinance,
		fmt.Sprintf("HYG/TLT 20d change %+.2f%%", chg), lastBarTime(bars))
	r.WithMeta("timestamp_source", factors.TimestampSourceTimestamp)
	r.WithRaw("ratio_change_pct", chg)
	return &r, nil
}

// marketBreadth scores equal-weight participation from RSP/SPY relative
// to its own 50-day average.
type marketBreadth struct {
	ohlcv market.OHLCVProvider
}

func (m *marketBreadth) ID() string { return "market_breadth" }

func (m *marketBreadth) Compute(ctx context.Context) (*factors.Reading, error) {
	ratios, bars, err := pairRatio(ctx, m.ohlcv, "RSP", "SPY", 120)
	if err != nil {
		return nil, fmt.Errorf("market_breadth: %w", err)
	}
	if len(ratios) < 50 {
		return nil, nil
	}

	avg := sma(ratios, 50)
	if avg == 0 {
		return nil, nil
	}
	dev := pctChange(avg, ratios[len(ratios)-1])
	score := bandScore(dev, []band{
		{Lo: 2.0, Score: 0.7},
		{Lo: 0.5, Score: 0.4},
		{Lo: -0.5, Score: 0.0},
		{Lo: -2.0, Score: -0.4},
	}, -0.7)

	r := factors.NewReading(m.ID(), score, factors.SourceYFinance,
		fmt.Sprintf("RSP/SPY %+.2f%% vs 50d avg", dev), lastBarTime(bars))
	r.WithMeta("timestamp_source", factors.TimestampSourceTimestamp)
	r.WithRaw("deviation_pct", dev)
	return &r, nil
}

// sectorRotation compares offensive sectors (XLK+XLY) against defensive
// ones (XLP+XLU) over 20 days.
type sectorRotation struct {
	ohlcv market.OHLCVProvider
}

func (s *sectorRotation) ID() string { return "sector_rotation" }

func (s *sectorRotation) Compute(ctx context.Context) (*factors.Reading, error) {
	offense := [2]string{"XLK", "XLY"}
	defense := [2]string{"XLP", "XLU"}

	series := make(map[string][]market.Candle, 4)
	minLen := 0
	for _, sym := range []string{offense[0], offense[1], defense[0], defense[1]} {
		bars, err := s.ohlcv.DailyBars(ctx, sym, 60)
		if err != nil {
			return nil, fmt.Errorf("sector_rotation %s: %w", sym, err)
		}
		series[sym] = bars
		if minLen == 0 || len(bars) < minLen {
			minLen = len(bars)
		}
	}
	if minLen < 21 {
		return nil, nil
	}

	ratio := func(offset int) float64 {
		off, def := 0.0, 0.0
		for _, sym := range offense {
			bars := series[sym]
			off += bars[len(bars)-1-offset].Close
		}
		for _, sym := range defense {
			bars := series[sym]
			def += bars[len(bars)-1-offset].Close
		}
		if def == 0 {
			return 0
		}
		return off / def
	}

	now, prior := ratio(0), ratio(20)
	if prior == 0 {
		return nil, nil
	}
	chg := pctChange(prior, now)
	score := bandScore(chg, []band{
		{Lo: 4.0, Score: 0.8},
		{Lo: 1.5, Score: 0.4},
		{Lo: -1.5, Score: 0.0},
		{Lo: -4.0, Score: -0.4},
	}, -0.8)

	r := factors.NewReading(s.ID(), score, factors.SourceYFinance,
		fmt.Sprintf("offense/defense 20d change %+.2f%%", chg), lastBarTime(series["XLK"]))
	r.WithMeta("timestamp_source", factors.TimestampSourceTimestamp)
	r.WithRaw("ratio_change_pct", chg)
	return &r, nil
}

// spy200Distance scores trend health from SPY's distance to its 200-day
// SMA. Far above is stretched, not maximally bullish.
type spy200Distance struct {
	ohlcv market.OHLCVProvider
}

func (s *spy200Distance) ID() string { return "spy_200sma_distance" }

func (s *spy200Distance) Compute(ctx context.Context) (*factors.Reading, error) {
	bars, err := s.ohlcv.DailyBars(ctx, "SPY", 260)
	if err != nil {
		return nil, fmt.Errorf("spy_200sma_distance: %w", err)
	}
	if len(bars) < 200 {
		return nil, nil
	}

	cl := closes(bars)
	avg := sma(cl, 200)
	if avg == 0 {
		return nil, nil
	}
	dist := pctChange(avg, cl[len(cl)-1])

	var score float64
	switch {
	case dist >= 12.0:
		score = 0.3 // extended, mean-reversion risk
	case dist >= 5.0:
		score = 0.8
	case dist >= 0.0:
		score = 0.5
	case dist >= -5.0:
		score = -0.4
	default:
		score = -0.8
	}

	r := factors.NewReading(s.ID(), score, factors.SourceYFinance,
		fmt.Sprintf("SPY %+.2f%% vs 200d SMA", dist), lastBarTime(bars))
	r.WithMeta("timestamp_source", factors.TimestampSourceTimestamp)
	r.WithRaw("distance_pct", dist)
	return &r, nil
}

// dxyTrend scores the dollar's 50-day trend; a strong dollar is a
// headwind for risk assets.
type dxyTrend struct {
	ohlcv market.OHLCVProvider
}

func (d *dxyTrend) ID() string { return "dxy_trend" }

func (d *dxyTrend) Compute(ctx context.Context) (*factors.Reading, error) {
	bars, err := d.ohlcv.DailyBars(ctx, "DX-Y.NYB", 90)
	if err != nil {
		return nil, fmt.Errorf("dxy_trend: %w", err)
	}
	if len(bars) < 50 {
		return nil, nil
	}

	cl := closes(bars)
	avg := sma(cl, 50)
	if avg == 0 {
		return nil, nil
	}
	dev := pctChange(avg, cl[len(cl)-1])
	score := bandScore(dev, []band{
		{Lo: 2.0, Score: -0.7},
		{Lo: 0.5, Score: -0.4},
		{Lo: -0.5, Score: 0.0},
		{Lo: -2.0, Score: 0.4},
	}, 0.7)

	r := factors.NewReading(d.ID(), score, factors.SourceYFinance,
		fmt.Sprintf("DXY %+.2f%% vs 50d SMA", dev), lastBarTime(bars))
	r.WithMeta("timestamp_source", factors.TimestampSourceTimestamp)
	r.WithRaw("deviation_pct", dev)
	return &r, nil
}

// dollarSmile scores the dollar-smile regime from the 60-day DXY return:
// sharp strength means crisis flight, mild weakness is the benign
// middle, a collapse is its own tail.
type dollarSmile struct {
	ohlcv market.OHLCVProvider
}

func (d *dollarSmile) ID() string { return "dollar_smile" }

func (d *dollarSmile) Compute(ctx context.Context) (*factors.Reading, error) {
	bars, err := d.ohlcv.DailyBars(ctx, "DX-Y.NYB", 90)
	if err != nil {
		return nil, fmt.Errorf("dollar_smile: %w", err)
	}
	if len(bars) < 61 {
		return nil, nil
	}

	cl := closes(bars)
	ret := pctChange(cl[len(cl)-61], cl[len(cl)-1])

	var score float64
	switch {
	case ret >= 5.0:
		score = -0.6 // right side of the smile: flight to safety
	case ret >= 2.0:
		score = -0.3
	case ret >= -3.0:
		score = 0.2 // benign middle
	case ret >= -8.0:
		score = 0.5
	default:
		score = -0.3 // disorderly dollar collapse
	}

	r := factors.NewReading(d.ID(), score, factors.SourceYFinance,
		fmt.Sprintf("DXY 60d return %+.2f%%", ret), lastBarTime(bars))
	r.WithMeta("timestamp_source", factors.TimestampSourceTimestamp)
	r.WithRaw("return_60d_pct", ret)
	return &r, nil
}

// copperGold scores the copper/gold ratio's 20-day change as a growth
// expectations proxy.
type copperGold struct {
	ohlcv market.OHLCVProvider
}

func (c *copperGold) ID() string { return "copper_gold_ratio" }

func (c *copperGold) Compute(ctx context.Context) (*factors.Reading, error) {
	ratios, bars, err := pairRatio(ctx, c.ohlcv, "HG=F", "GC=F", 60)
	if err != nil {
		return nil, fmt.Errorf("copper_gold_ratio: %w", err)
	}
	if len(ratios) < 21 {
		return nil, nil
	}

	chg := pctChange(ratios[len(ratios)-21], ratios[len(ratios)-1])
	score := bandScore(chg, []band{
		{Lo: 5.0, Score: 0.7},
		{Lo: 2.0, Score: 0.4},
		{Lo: -2.0, Score: 0.0},
		{Lo: -5.0, Score: -0.4},
	}, -0.7)

	r := factors.NewReading(c.ID(), score, factors.SourceYFinance,
		fmt.Sprintf("copper/gold 20d change %+.2f%%", chg), lastBarTime(bars))
	r.WithMeta("timestamp_source", factors.TimestampSourceTimestamp)
	r.WithRaw("ratio_change_pct", chg)
	return &r, nil
}

// spyTrendIntraday scores SPY's move against the prior close.
type spyTrendIntraday struct {
	ohlcv market.OHLCVProvider
}

func (s *spyTrendIntraday) ID() string { return "spy_trend_intraday" }

func (s *spyTrendIntraday) Compute(ctx context.Context) (*factors.Reading, error) {
	q, err := s.ohlcv.Quote(ctx, "SPY")
	if err != nil {
		return nil, fmt.Errorf("spy_trend_intraday: %w", err)
	}
	if q.PrevClose == 0 {
		return nil, nil
	}

	chg := pctChange(q.PrevClose, q.Last)
	score := bandScore(chg, []band{
		{Lo: 1.0, Score: 0.8},
		{Lo: 0.3, Score: 0.4},
		{Lo: -0.3, Score: 0.0},
		{Lo: -1.0, Score: -0.4},
	}, -0.8)

	r := factors.NewReading(s.ID(), score, factors.SourceYFinance,
		fmt.Sprintf("SPY %+.2f%% vs prior close", chg), q.Timestamp)
	r.WithMeta("timestamp_source", factors.TimestampSourceReceivedAt)
	r.WithRaw("change_pct", chg)
	return &r, nil
}
