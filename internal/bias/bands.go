package bias

import "fmt"

// Level is the discrete directional stance.
type Level string

const (
	UrsaMajor Level = "URSA_MAJOR"
	UrsaMinor Level = "URSA_MINOR"
	Neutral   Level = "NEUTRAL"
	ToroMinor Level = "TORO_MINOR"
	ToroMajor Level = "TORO_MAJOR"
)

// Six-state refinement: the neutral band splits on sign into leans.
const (
	LeanToro Level = "LEAN_TORO"
	LeanUrsa Level = "LEAN_URSA"
)

var levelNumeric = map[Level]int{
	UrsaMajor: 1,
	UrsaMinor: 2,
	Neutral:   3,
	ToroMinor: 4,
	ToroMajor: 5,
}

var numericLevel = map[int]Level{
	1: UrsaMajor,
	2: UrsaMinor,
	3: Neutral,
	4: ToroMinor,
	5: ToroMajor,
}

// sixToFive collapses the refinement back to the canonical five levels.
var sixToFive = map[Level]Level{
	UrsaMajor: UrsaMajor,
	UrsaMinor: UrsaMinor,
	LeanUrsa:  Neutral,
	LeanToro:  Neutral,
	ToroMinor: ToroMinor,
	ToroMajor: ToroMajor,
}

// BandFor maps a composite score to a bias level. Bands are half-open,
// inclusive-low: a score of exactly 0.20 is TORO_MINOR.
func BandFor(score float64) Level {
	switch {
	case score >= 0.60:
		return ToroMajor
	case score >= 0.20:
		return ToroMinor
	case score >= -0.20:
		return Neutral
	case score >= -0.60:
		return UrsaMinor
	default:
		return UrsaMajor
	}
}

// SixStateFor maps a score to the refined six-state ladder used by the
// committee packet and dashboards.
func SixStateFor(score float64) Level {
	lvl := BandFor(score)
	if lvl != Neutral {
		return lvl
	}
	if score >= 0 {
		return LeanToro
	}
	return LeanUrsa
}

// Canonical collapses either ladder to the five-state level.
func Canonical(lvl Level) Level {
	if five, ok := sixToFive[lvl]; ok {
		return five
	}
	return lvl
}

// Numeric returns the 1..5 rank for a level (six-state levels collapse
// first).
func Numeric(lvl Level) int {
	return levelNumeric[Canonical(lvl)]
}

// FromNumeric returns the level for a 1..5 rank.
func FromNumeric(n int) (Level, error) {
	lvl, ok := numericLevel[n]
	if !ok {
		return "", fmt.Errorf("bias numeric out of range: %d", n)
	}
	return lvl, nil
}

// ParseLevel validates an operator-supplied level string.
func ParseLevel(s string) (Level, error) {
	lvl := Canonical(Level(s))
	if _, ok := levelNumeric[lvl]; !ok {
		return "", fmt.Errorf("unknown bias level: %s", s)
	}
	return lvl, nil
}

// Bullish reports whether the level sits in the TORO half.
func Bullish(lvl Level) bool { return Numeric(lvl) > 3 }

// Bearish reports whether the level sits in the URSA half.
func Bearish(lvl Level) bool { return Numeric(lvl) < 3 }
