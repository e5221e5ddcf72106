package scanner

// Zone classifies a ticker's trend phase from its SMA stack. The zone
// picks the scanner's risk/reward profile and stop anchor.
type Zone string

const (
	ZoneMaxLong      Zone = "MAX_LONG"
	ZoneTransition   Zone = "TRANSITION"
	ZoneDeLeveraging Zone = "DE_LEVERAGING"
	ZoneWaterfall    Zone = "WATERFALL"
	ZoneCapitulation Zone = "CAPITULATION"
	ZoneUnknown      Zone = "UNKNOWN"
)

// zoneRank orders zones from most broken to most constructive.
var zoneRank = map[Zone]int{
	ZoneCapitulation: 0,
	ZoneWaterfall:    1,
	ZoneDeLeveraging: 2,
	ZoneTransition:   3,
	ZoneMaxLong:      4,
}

// ZoneFor classifies one bar. Rules are ordered: a structural breakdown
// (SMA20 under SMA120) dominates everything else.
func ZoneFor(price, sma20, sma50, sma120 float64) Zone {
	if sma20 == 0 || sma50 == 0 || sma120 == 0 {
		return ZoneUnknown
	}
	switch {
	case sma20 < sma120:
		return ZoneCapitulation
	case price > sma20 && price > sma50 && price > sma120:
		return ZoneMaxLong
	case price < sma20 && price >= sma50:
		return ZoneDeLeveraging
	case price < sma50:
		return ZoneWaterfall
	default:
		return ZoneTransition
	}
}

// ZoneAt classifies the bar at index i of the panel.
func (p *Panel) ZoneAt(i int) Zone {
	return ZoneFor(p.Bars[i].Close, p.SMA20[i], p.SMA50[i], p.SMA120[i])
}

// Zone classifies the last bar.
func (p *Panel) Zone() Zone {
	return p.ZoneAt(len(p.Bars) - 1)
}

// MoreBullish reports whether zone a is strictly more constructive than
// zone b. Unknown compares below everything.
func MoreBullish(a, b Zone) bool {
	ra, oka := zoneRank[a]
	rb, okb := zoneRank[b]
	if !oka || !okb {
		return oka
	}
	return ra > rb
}
