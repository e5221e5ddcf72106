package scanner

import (
	"time"
)

// Signal directions.
const (
	DirectionLong  = "LONG"
	DirectionShort = "SHORT"
)

// Signal types (closed set).
const (
	TypeGoldenTouch    = "GOLDEN_TOUCH"
	TypeTwoCloseVolume = "TWO_CLOSE_VOLUME"
	TypePullbackEntry  = "PULLBACK_ENTRY"
	TypeZoneUpgrade    = "ZONE_UPGRADE"
	TypeTrappedLongs   = "TRAPPED_LONGS"
	TypeTrappedShorts  = "TRAPPED_SHORTS"
)

// Confidence grades.
const (
	ConfidenceHigh   = "HIGH"
	ConfidenceMedium = "MEDIUM"
	ConfidenceLow    = "LOW"
)

// EntryWindow is the acceptable fill band around entry.
type EntryWindow struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Setup carries the trade plan derived for a signal.
type Setup struct {
	Entry              float64     `json:"entry"`
	EntryWindow        EntryWindow `json:"entry_window"`
	Stop               float64     `json:"stop"`
	T1                 float64     `json:"t1"`
	T2                 float64     `json:"t2"`
	RRRatio            float64     `json:"rr_ratio"`
	InvalidationLevel  float64     `json:"invalidation_level"`
	InvalidationReason string      `json:"invalidation_reason"`
}

// Confluence records aligned (or conflicting) signals on one ticker.
type Confluence struct {
	Count       int      `json:"count"`
	SignalTypes []string `json:"signal_types"`
	Boost       int      `json:"boost"`
	Combo       string   `json:"combo,omitempty"`
	Warning     string   `json:"warning,omitempty"`
}

// Signal is one scanner emission.
type Signal struct {
	SignalID       string                 `json:"signal_id"`
	Symbol         string                 `json:"symbol"`
	Direction      string                 `json:"direction"`
	SignalType     string                 `json:"signal_type"`
	Priority       int                    `json:"priority"`
	CTAZone        Zone                   `json:"cta_zone"`
	Setup          Setup                  `json:"setup"`
	SetupContext   map[string]interface{} `json:"setup_context"`
	Context        map[string]interface{} `json:"context"`
	Confluence     *Confluence            `json:"confluence,omitempty"`
	Confidence     string                 `json:"confidence"`
	ConvictionMult float64                `json:"conviction_mult"`
	CreatedAt      time.Time              `json:"created_at"`
}
