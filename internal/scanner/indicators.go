package scanner

import (
	"fmt"

	"github.com/markcheno/go-talib"

	"github.com/quantfold/marketbias/internal/market"
)

// minBars is the floor for a usable panel: the 120-day SMA plus enough
// history for streak and correction context.
const minBars = 130

// Panel is the per-ticker indicator snapshot the rules evaluate. Slices
// are aligned with Bars; scalars describe the last bar.
type Panel struct {
	Symbol string
	Bars   []market.Candle

	SMA20  []float64
	SMA50  []float64
	SMA120 []float64
	SMA200 []float64

	Close  float64
	Low    float64
	High   float64
	Volume float64

	ATR14    float64
	RSI14    float64
	ADX14    float64
	VWAP20   float64
	VolAvg20 float64
	RVOL     float64
	High60   float64

	// StreakAboveSMA120 counts consecutive closes above the 120-day
	// SMA ending at the last bar.
	StreakAboveSMA120 int

	DistSMA20Pct  float64
	DistSMA50Pct  float64
	DistSMA120Pct float64
	DistSMA200Pct float64
}

// NewPanel computes the indicator panel from daily bars (oldest first).
func NewPanel(symbol string, bars []market.Candle) (*Panel, error) {
	if len(bars) < minBars {
		return nil, fmt.Errorf("%s: need %d bars for indicator panel, have %d", symbol, minBars, len(bars))
	}

	n := len(bars)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	vols := make([]float64, n)
	for i, b := range bars {
		closes[i] = b.Close
		highs[i] = b.High
		lows[i] = b.Low
		vols[i] = b.Volume
	}

	p := &Panel{
		Symbol: symbol,
		Bars:   bars,
		SMA20:  talib.Sma(closes, 20),
		SMA50:  talib.Sma(closes, 50),
		SMA120: talib.Sma(closes, 120),
		Close:  closes[n-1],
		Low:    lows[n-1],
		High:   highs[n-1],
		Volume: vols[n-1],
	}
	if n >= 200 {
		p.SMA200 = talib.Sma(closes, 200)
	}

	atr := talib.Atr(highs, lows, closes, 14)
	p.ATR14 = atr[n-1]
	rsi := talib.Rsi(closes, 14)
	p.RSI14 = rsi[n-1]
	adx := talib.Adx(highs, lows, closes, 14)
	p.ADX14 = adx[n-1]

	// Volume-weighted average price over the trailing 20 sessions.
	var pv, v float64
	for _, b := range bars[n-20:] {
		typical := (b.High + b.Low + b.Close) / 3
		pv += typical * b.Volume
		v += b.Volume
	}
	if v > 0 {
		p.VWAP20 = pv / v
	}

	for _, vol := range vols[n-20:] {
		p.VolAvg20 += vol
	}
	p.VolAvg20 /= 20
	if p.VolAvg20 > 0 {
		p.RVOL = p.Volume / p.VolAvg20
	}

	start60 := n - 60
	if start60 < 0 {
		start60 = 0
	}
	for _, h := range highs[start60:] {
		if h > p.High60 {
			p.High60 = h
		}
	}

	for i := n - 1; i >= 0; i-- {
		avg := p.SMA120[i]
		if avg == 0 || closes[i] <= avg {
			break
		}
		p.StreakAboveSMA120++
	}

	p.DistSMA20Pct = distPct(p.Close, p.lastSMA20())
	p.DistSMA50Pct = distPct(p.Close, p.lastSMA50())
	p.DistSMA120Pct = distPct(p.Close, p.lastSMA120())
	p.DistSMA200Pct = distPct(p.Close, p.lastSMA200())

	return p, nil
}

func distPct(price, avg float64) float64 {
	if avg == 0 {
		return 0
	}
	return (price - avg) / avg * 100
}

func (p *Panel) lastSMA20() float64  { return p.SMA20[len(p.SMA20)-1] }
func (p *Panel) lastSMA50() float64  { return p.SMA50[len(p.SMA50)-1] }
func (p *Panel) lastSMA120() float64 { return p.SMA120[len(p.SMA120)-1] }

func (p *Panel) lastSMA200() float64 {
	if len(p.SMA200) == 0 {
		return 0
	}
	return p.SMA200[len(p.SMA200)-1]
}

// CorrectionPct is the pullback from the rolling 60-day high, positive
// when below the high.
func (p *Panel) CorrectionPct() float64 {
	if p.High60 == 0 {
		return 0
	}
	return (p.High60 - p.Close) / p.High60 * 100
}

// Snapshot captures the panel scalars for signal context.
func (p *Panel) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"close":           p.Close,
		"sma20":           p.lastSMA20(),
		"sma50":           p.lastSMA50(),
		"sma120":          p.lastSMA120(),
		"sma200":          p.lastSMA200(),
		"atr14":           p.ATR14,
		"rsi14":           p.RSI14,
		"adx14":           p.ADX14,
		"vwap20":          p.VWAP20,
		"rvol":            p.RVOL,
		"high_60d":        p.High60,
		"correction_pct":  p.CorrectionPct(),
		"streak_sma120":   p.StreakAboveSMA120,
		"dist_sma20_pct":  p.DistSMA20Pct,
		"dist_sma50_pct":  p.DistSMA50Pct,
		"dist_sma120_pct": p.DistSMA120Pct,
		"dist_sma200_pct": p.DistSMA200Pct,
		"volume":          p.Volume,
		"volume_avg_20d":  p.VolAvg20,
	}
}
