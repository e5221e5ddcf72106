package scanner

import "sort"

const confluenceBaseBoost = 25
const confluenceHighAt = 40

// comboBonuses name the signal pairs that historically compound. The
// bonus stacks on the base boost.
var comboBonuses = []struct {
	a, b  string
	bonus int
	name  string
}{
	{TypeGoldenTouch, TypeTrappedShorts, 40, "GOLDEN_TOUCH+TRAPPED_SHORTS"},
	{TypeGoldenTouch, TypeTwoCloseVolume, 25, "GOLDEN_TOUCH+TWO_CLOSE_VOLUME"},
}

// applyConfluence scores a ticker's full signal set in place. Mixed
// directions poison the whole set; aligned multiples boost priority and
// may upgrade confidence.
func applyConfluence(signals []*Signal) {
	if len(signals) < 2 {
		return
	}

	types := make([]string, 0, len(signals))
	have := make(map[string]bool, len(signals))
	long, short := false, false
	for _, s := range signals {
		types = append(types, s.SignalType)
		have[s.SignalType] = true
		switch s.Direction {
		case DirectionLong:
			long = true
		case DirectionShort:
			short = true
		}
	}
	sort.Strings(types)

	if long && short {
		for _, s := range signals {
			s.Confluence = &Confluence{
				Count:       len(signals),
				SignalTypes: types,
				Warning:     "CONFLICTING_SIGNALS",
			}
			s.Confidence = ConfidenceLow
		}
		return
	}

	boost := confluenceBaseBoost
	combo := ""
	for _, c := range comboBonuses {
		if have[c.a] && have[c.b] {
			boost += c.bonus
			combo = c.name
			break
		}
	}

	for _, s := range signals {
		s.Confluence = &Confluence{
			Count:       len(signals),
			SignalTypes: types,
			Boost:       boost,
			Combo:       combo,
		}
		s.Priority += boost
		if boost >= confluenceHighAt {
			s.Confidence = ConfidenceHigh
		}
	}
}
