package scanner

import (
	"fmt"
	"math"
)

// rrProfile is the ATR-multiple fallback for stop and target distance.
type rrProfile struct {
	StopMult   float64
	TargetMult float64
}

// zoneProfiles are the default risk/reward profiles: constructive zones
// run tight stops and wide targets, broken zones the reverse.
var zoneProfiles = map[Zone]rrProfile{
	ZoneMaxLong:      {StopMult: 1.0, TargetMult: 2.5},
	ZoneTransition:   {StopMult: 1.25, TargetMult: 2.0},
	ZoneDeLeveraging: {StopMult: 1.5, TargetMult: 1.75},
	ZoneWaterfall:    {StopMult: 2.0, TargetMult: 1.5},
	ZoneCapitulation: {StopMult: 2.0, TargetMult: 1.2},
	ZoneUnknown:      {StopMult: 1.5, TargetMult: 1.5},
}

// typeProfiles override the zone default per signal type.
var typeProfiles = map[string]map[Zone]rrProfile{
	TypeGoldenTouch: {
		ZoneMaxLong:    {StopMult: 1.0, TargetMult: 3.0},
		ZoneTransition: {StopMult: 1.25, TargetMult: 2.5},
	},
	TypeTrappedLongs: {
		ZoneWaterfall:    {StopMult: 1.5, TargetMult: 2.0},
		ZoneCapitulation: {StopMult: 1.5, TargetMult: 2.0},
	},
}

func profileFor(signalType string, zone Zone) rrProfile {
	if byZone, ok := typeProfiles[signalType]; ok {
		if p, ok := byZone[zone]; ok {
			return p
		}
	}
	if p, ok := zoneProfiles[zone]; ok {
		return p
	}
	return zoneProfiles[ZoneUnknown]
}

const (
	stopAnchorOffset = 0.25 // ATR fraction past the anchor SMA
	minRiskATR       = 0.5
	maxRiskATR       = 3.0
	t1SkipFraction   = 0.75
)

// stopAnchor picks the SMA the protective stop hides behind. The Golden
// Touch setup always anchors at the 50-day; otherwise the zone decides.
func stopAnchor(p *Panel, signalType string, zone Zone) (float64, string) {
	if signalType == TypeGoldenTouch {
		return p.lastSMA50(), "SMA50"
	}
	switch zone {
	case ZoneMaxLong:
		return p.lastSMA20(), "SMA20"
	case ZoneTransition:
		return p.lastSMA50(), "SMA50"
	case ZoneDeLeveraging:
		return p.lastSMA120(), "SMA120"
	}
	return 0, ""
}

// buildSetup derives the trade plan for a rule hit. Preference order for
// the stop: the zone's SMA anchor offset by a quarter ATR, validated to
// a sane risk band; otherwise the ATR-multiple profile.
func buildSetup(p *Panel, signalType, direction string, zone Zone) (Setup, map[string]interface{}) {
	entry := p.Close
	atr := p.ATR14
	profile := profileFor(signalType, zone)
	dir := 1.0
	if direction == DirectionShort {
		dir = -1.0
	}

	ctx := map[string]interface{}{
		"zone":        string(zone),
		"stop_mult":   profile.StopMult,
		"target_mult": profile.TargetMult,
		"atr":         atr,
	}

	stop := 0.0
	anchor, anchorName := stopAnchor(p, signalType, zone)
	if anchor > 0 {
		stop = anchor - dir*stopAnchorOffset*atr
		risk := dir * (entry - stop)
		if risk < minRiskATR*atr || risk > maxRiskATR*atr {
			stop = 0
		} else {
			ctx["stop_anchor"] = anchorName
		}
	}
	if stop == 0 {
		stop = entry - dir*profile.StopMult*atr
		ctx["stop_anchor"] = fmt.Sprintf("%.2fxATR", profile.StopMult)
	}
	risk := dir * (entry - stop)

	t2 := entry + dir*profile.TargetMult*atr

	// T1 is the nearer of half the T2 distance and the first
	// intermediate SMA in the direction of travel.
	t1 := entry + dir*0.5*math.Abs(t2-entry)
	if sma, name := nearestSMA(p, entry, dir); sma > 0 && dir*(t1-sma) > 0 {
		t1 = sma
		ctx["t1_anchor"] = name
	}
	if dir*(t1-entry) < t1SkipFraction*risk {
		t1 = t2
		ctx["t1_anchor"] = "T1 skipped"
	}

	rr := 0.0
	if risk > 0 {
		rr = math.Abs(t2-entry) / risk
	}

	reason := "close beyond protective stop"
	if name, ok := ctx["stop_anchor"].(string); ok {
		reason = fmt.Sprintf("close beyond %s stop", name)
	}

	return Setup{
		Entry:              entry,
		EntryWindow:        entryWindow(p, signalType, entry, atr),
		Stop:               stop,
		T1:                 t1,
		T2:                 t2,
		RRRatio:            rr,
		InvalidationLevel:  stop,
		InvalidationReason: reason,
	}, ctx
}

// nearestSMA returns the closest SMA strictly past entry in the travel
// direction.
func nearestSMA(p *Panel, entry, dir float64) (float64, string) {
	smas := []struct {
		value float64
		name  string
	}{
		{p.lastSMA20(), "SMA20"},
		{p.lastSMA50(), "SMA50"},
		{p.lastSMA120(), "SMA120"},
		{p.lastSMA200(), "SMA200"},
	}
	best, bestName := 0.0, ""
	for _, s := range smas {
		if s.value <= 0 || dir*(s.value-entry) <= 0 {
			continue
		}
		if best == 0 || dir*(s.value-entry) < dir*(best-entry) {
			best, bestName = s.value, s.name
		}
	}
	return best, bestName
}

// entryWindow is the fill band. Golden Touch accepts anywhere between
// the 20-day SMA and three quarters of an ATR above it; everything else
// gets a symmetric quarter-ATR band.
func entryWindow(p *Panel, signalType string, entry, atr float64) EntryWindow {
	if signalType == TypeGoldenTouch {
		sma20 := p.lastSMA20()
		return EntryWindow{Low: sma20, High: sma20 + 0.75*atr}
	}
	return EntryWindow{
		Low:  entry - stopAnchorOffset*atr,
		High: entry + stopAnchorOffset*atr,
	}
}
