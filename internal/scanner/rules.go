package scanner

import "math"

// candidate is a rule hit before setup derivation and confluence.
type candidate struct {
	signalType string
	direction  string
	priority   int
	confidence string
	notes      map[string]interface{}
}

// rules in evaluation order. Each rule is independent; a ticker may fire
// several on the same bar.
var rules = []func(p *Panel) *candidate{
	ruleGoldenTouch,
	ruleTwoCloseVolume,
	rulePullbackEntry,
	ruleZoneUpgrade,
	ruleTrappedLongs,
	ruleTrappedShorts,
}

// ruleGoldenTouch fires on the first retest of the 120-day SMA after an
// extended run above it: today's low within 1% of the SMA, at least 50
// bars of closes above it, and a 5-12% correction off the 60-day high.
func ruleGoldenTouch(p *Panel) *candidate {
	sma120 := p.lastSMA120()
	if sma120 == 0 || p.lastSMA20() <= sma120 {
		return nil
	}
	if p.StreakAboveSMA120 < 50 {
		return nil
	}
	touch := math.Abs(p.Low-sma120) / sma120 * 100
	if touch > 1.0 {
		return nil
	}
	corr := p.CorrectionPct()
	if corr < 5.0 || corr > 12.0 {
		return nil
	}
	return &candidate{
		signalType: TypeGoldenTouch,
		direction:  DirectionLong,
		priority:   100,
		confidence: ConfidenceHigh,
		notes: map[string]interface{}{
			"touch_dist_pct": touch,
			"streak":         p.StreakAboveSMA120,
			"correction_pct": corr,
		},
	}
}

// ruleTwoCloseVolume fires on the second consecutive close above the
// 50-day SMA after trading below it, confirmed by volume.
func ruleTwoCloseVolume(p *Panel) *candidate {
	n := len(p.Bars)
	if n < 3 || p.SMA50[n-3] == 0 {
		return nil
	}
	c1, c2, c3 := p.Bars[n-3].Close, p.Bars[n-2].Close, p.Bars[n-1].Close
	if !(c1 < p.SMA50[n-3] && c2 > p.SMA50[n-2] && c3 > p.SMA50[n-1]) {
		return nil
	}
	if p.VolAvg20 == 0 || p.Volume < 1.10*p.VolAvg20 {
		return nil
	}
	return &candidate{
		signalType: TypeTwoCloseVolume,
		direction:  DirectionLong,
		priority:   70,
		confidence: ConfidenceMedium,
		notes: map[string]interface{}{
			"volume_ratio": p.Volume / p.VolAvg20,
		},
	}
}

// rulePullbackEntry fires in MAX_LONG when price has worked back to the
// 20-day SMA and the pullback is completing (yesterday was further away).
func rulePullbackEntry(p *Panel) *candidate {
	if p.Zone() != ZoneMaxLong {
		return nil
	}
	sma20 := p.lastSMA20()
	if sma20 == 0 {
		return nil
	}
	touchedToday := p.Low <= sma20
	if p.DistSMA20Pct > 1.5 && !touchedToday {
		return nil
	}
	n := len(p.Bars)
	prevDist := distPct(p.Bars[n-2].Close, p.SMA20[n-2])
	if prevDist <= p.DistSMA20Pct {
		return nil
	}
	return &candidate{
		signalType: TypePullbackEntry,
		direction:  DirectionLong,
		priority:   60,
		confidence: ConfidenceMedium,
		notes: map[string]interface{}{
			"dist_sma20_pct": p.DistSMA20Pct,
			"touched_today":  touchedToday,
		},
	}
}

// ruleZoneUpgrade fires when the zone improved over the previous bar
// into DE_LEVERAGING or better.
func ruleZoneUpgrade(p *Panel) *candidate {
	n := len(p.Bars)
	cur, prev := p.ZoneAt(n-1), p.ZoneAt(n-2)
	if !MoreBullish(cur, prev) {
		return nil
	}
	if zoneRank[cur] < zoneRank[ZoneDeLeveraging] {
		return nil
	}
	return &candidate{
		signalType: TypeZoneUpgrade,
		direction:  DirectionLong,
		priority:   65,
		confidence: ConfidenceMedium,
		notes: map[string]interface{}{
			"from_zone": string(prev),
			"to_zone":   string(cur),
		},
	}
}

// ruleTrappedLongs fires when longs are underwater below both the
// 200-day SMA and VWAP with a trending, liquid tape.
func ruleTrappedLongs(p *Panel) *candidate {
	sma200 := p.lastSMA200()
	if sma200 == 0 || p.VWAP20 == 0 {
		return nil
	}
	if !(p.Close < sma200 && p.Close < p.VWAP20 && p.ADX14 > 20 && p.RSI14 > 40 && p.RVOL > 1.25) {
		return nil
	}
	priority, confidence := 80, ConfidenceMedium
	if p.RVOL > 2 && p.ADX14 > 30 {
		priority, confidence = 100, ConfidenceHigh
	}
	return &candidate{
		signalType: TypeTrappedLongs,
		direction:  DirectionShort,
		priority:   priority,
		confidence: confidence,
		notes: map[string]interface{}{
			"rvol": p.RVOL,
			"adx":  p.ADX14,
			"rsi":  p.RSI14,
		},
	}
}

// ruleTrappedShorts is the mirror: shorts squeezed above the 200-day SMA
// and VWAP.
func ruleTrappedShorts(p *Panel) *candidate {
	sma200 := p.lastSMA200()
	if sma200 == 0 || p.VWAP20 == 0 {
		return nil
	}
	if !(p.Close > sma200 && p.Close > p.VWAP20 && p.ADX14 > 20 && p.RSI14 < 60 && p.RVOL > 1.25) {
		return nil
	}
	priority, confidence := 80, ConfidenceMedium
	if p.RVOL > 2 && p.ADX14 > 30 {
		priority, confidence = 100, ConfidenceHigh
	}
	return &candidate{
		signalType: TypeTrappedShorts,
		direction:  DirectionLong,
		priority:   priority,
		confidence: confidence,
		notes: map[string]interface{}{
			"rvol": p.RVOL,
			"adx":  p.ADX14,
			"rsi":  p.RSI14,
		},
	}
}
