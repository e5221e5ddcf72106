package market

import (
	"time"
)

// nyLocation is loaded once; market sessions are defined in Eastern time.
var nyLocation = mustLoadLocation("America/New_York")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic("tzdata missing: " + name)
	}
	return loc
}

// Session describes where a moment falls relative to the regular US
// equity session.
type Session int

const (
	SessionClosed Session = iota
	SessionOpeningHour
	SessionMidday
	SessionClosingHour
)

// SessionAt classifies a moment against the 09:30-16:00 ET regular
// session. Holidays are not modeled; a holiday scan simply finds no
// fresh bars.
func SessionAt(t time.Time) Session {
	et := t.In(nyLocation)
	if et.Weekday() == time.Saturday || et.Weekday() == time.Sunday {
		return SessionClosed
	}

	open := time.Date(et.Year(), et.Month(), et.Day(), 9, 30, 0, 0, nyLocation)
	close := time.Date(et.Year(), et.Month(), et.Day(), 16, 0, 0, 0, nyLocation)
	if et.Before(open) || !et.Before(close) {
		return SessionClosed
	}

	switch {
	case et.Before(open.Add(time.Hour)):
		return SessionOpeningHour
	case !et.Before(close.Add(-time.Hour)):
		return SessionClosingHour
	default:
		return SessionMidday
	}
}

// IsMarketOpen reports whether the regular session is in progress.
func IsMarketOpen(t time.Time) bool {
	return SessionAt(t) != SessionClosed
}

// IsOpexWeek reports whether t falls in the week of the month's third
// Friday (monthly options expiration).
func IsOpexWeek(t time.Time) bool {
	et := t.In(nyLocation)
	thirdFriday := nthWeekday(et.Year(), et.Month(), time.Friday, 3)

	// The OPEX week runs Monday through Friday of expiration week.
	weekStart := thirdFriday.AddDate(0, 0, -4)
	day := time.Date(et.Year(), et.Month(), et.Day(), 0, 0, 0, 0, nyLocation)
	return !day.Before(weekStart) && !day.After(thirdFriday)
}

func nthWeekday(year int, month time.Month, weekday time.Weekday, n int) time.Time {
	d := time.Date(year, month, 1, 0, 0, 0, 0, nyLocation)
	count := 0
	for {
		if d.Weekday() == weekday {
			count++
			if count == n {
				return d
			}
		}
		d = d.AddDate(0, 0, 1)
	}
}

// NowET returns the current time in Eastern time.
func NowET() time.Time {
	return time.Now().In(nyLocation)
}

// EasternTime exposes the market time zone for schedulers.
func EasternTime() *time.Location {
	return nyLocation
}
