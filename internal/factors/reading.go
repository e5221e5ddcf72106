package factors

import (
	"time"
)

// Timestamp provenance recorded under metadata["timestamp_source"].
const (
	TimestampSourceUpdatedAt  = "updated_at"
	TimestampSourceTimestamp  = "timestamp"
	TimestampSourceReceivedAt = "received_at"
	TimestampSourceFallback   = "fallback"
)

// Source provenance tags.
const (
	SourceYFinance        = "yfinance"
	SourceYFinanceADProxy = "yfinance_ad_proxy"
	SourceFRED            = "fred"
	SourceFREDCache       = "fred_cache"
	SourceTradingView     = "tradingview"
	SourceUnusualWhales   = "unusual_whales"
	SourceManual          = "manual"
)

// Reading is one normalized factor observation. Score is always in
// [-1, 1]; positive is bullish. Timestamp is the *source* timestamp of
// the underlying data, not ingest time.
type Reading struct {
	FactorID  string                 `json:"factor_id"`
	Score     float64                `json:"score"`
	Signal    string                 `json:"signal"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Detail    string                 `json:"detail"`
	RawData   map[string]interface{} `json:"raw_data,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewReading builds a reading with the score clamped and the signal
// label derived from the score bands.
func NewReading(factorID string, score float64, source, detail string, ts time.Time) Reading {
	score = Clamp(score)
	return Reading{
		FactorID:  factorID,
		Score:     score,
		Signal:    SignalLabel(score),
		Timestamp: ts,
		Source:    source,
		Detail:    detail,
	}
}

// WithMeta sets a metadata entry, allocating the map on first use.
func (r *Reading) WithMeta(key string, value interface{}) *Reading {
	if r.Metadata == nil {
		r.Metadata = make(map[string]interface{})
	}
	r.Metadata[key] = value
	return r
}

// WithRaw sets a raw-data entry, allocating the map on first use.
func (r *Reading) WithRaw(key string, value interface{}) *Reading {
	if r.RawData == nil {
		r.RawData = make(map[string]interface{})
	}
	r.RawData[key] = value
	return r
}

// Unverifiable reports whether the source timestamp had to be fabricated.
func (r *Reading) Unverifiable() bool {
	if r.Metadata == nil {
		return false
	}
	src, _ := r.Metadata["timestamp_source"].(string)
	return src == TimestampSourceFallback
}

// StaleAt reports whether the reading is outside its validity window.
func (r *Reading) StaleAt(now time.Time, stalenessHours float64) bool {
	return now.Sub(r.Timestamp) > time.Duration(stalenessHours*float64(time.Hour))
}

// Clamp bounds a score to [-1, 1].
func Clamp(score float64) float64 {
	if score > 1.0 {
		return 1.0
	}
	if score < -1.0 {
		return -1.0
	}
	return score
}

// SignalLabel maps a score to its band label. Bands are half-open with
// inclusive lower edges, matching the composite bias bands.
func SignalLabel(score float64) string {
	switch {
	case score >= 0.60:
		return "STRONG_BULLISH"
	case score >= 0.20:
		return "BULLISH"
	case score >= -0.20:
		return "NEUTRAL"
	case score >= -0.60:
		return "BEARISH"
	default:
		return "STRONG_BEARISH"
	}
}
