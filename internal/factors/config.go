package factors

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Timeframe buckets a factor by refresh cadence.
type Timeframe string

const (
	TimeframeIntraday Timeframe = "intraday"
	TimeframeSwing    Timeframe = "swing"
	TimeframeMacro    Timeframe = "macro"
)

// Config is the static per-factor configuration. Weights are relative
// and renormalized to sum 1.0 across the registered set.
type Config struct {
	Weight         float64   `yaml:"weight"`
	StalenessHours float64   `yaml:"staleness_hours"`
	Timeframe      Timeframe `yaml:"timeframe"`
	Description    string    `yaml:"description"`

	// Snapshot marks FRED-backed factors that keep a last-known-good
	// snapshot key for fallback when the live fetch fails.
	Snapshot bool `yaml:"snapshot,omitempty"`
}

// Table is the closed factor set with its weights.
type Table map[string]Config

// DefaultTable returns the built-in factor table. Raw weights sum to
// ~1.0 (0.28 intraday / 0.42 swing / 0.30 macro) but callers must treat
// them as relative: Normalize before aggregating.
func DefaultTable() Table {
	return Table{
		// intraday
		"vix_term":           {Weight: 0.04, StalenessHours: 6, Timeframe: TimeframeIntraday, Description: "VIX/VIX3M term structure"},
		"tick_breadth":       {Weight: 0.03, StalenessHours: 2, Timeframe: TimeframeIntraday, Description: "NYSE TICK extremes"},
		"vix_regime":         {Weight: 0.05, StalenessHours: 6, Timeframe: TimeframeIntraday, Description: "VIX absolute regime"},
		"spy_trend_intraday": {Weight: 0.03, StalenessHours: 4, Timeframe: TimeframeIntraday, Description: "SPY vs prior close intraday trend"},
		"breadth_momentum":   {Weight: 0.03, StalenessHours: 4, Timeframe: TimeframeIntraday, Description: "UVOL/DVOL up-down volume breadth"},
		"options_sentiment":  {Weight: 0.03, StalenessHours: 6, Timeframe: TimeframeIntraday, Description: "Options premium flow sentiment"},
		"put_call_ratio":     {Weight: 0.03, StalenessHours: 12, Timeframe: TimeframeIntraday, Description: "CBOE equity put/call ratio"},
		"polygon_pcr":        {Weight: 0.02, StalenessHours: 12, Timeframe: TimeframeIntraday, Description: "Aggregated option-volume put/call"},
		"iv_skew":            {Weight: 0.02, StalenessHours: 24, Timeframe: TimeframeIntraday, Description: "25-delta IV skew"},

		// swing
		"credit_spreads":      {Weight: 0.08, StalenessHours: 48, Timeframe: TimeframeSwing, Description: "HYG/TLT credit appetite ratio"},
		"market_breadth":      {Weight: 0.06, StalenessHours: 48, Timeframe: TimeframeSwing, Description: "RSP/SPY equal-weight breadth"},
		"sector_rotation":     {Weight: 0.06, StalenessHours: 48, Timeframe: TimeframeSwing, Description: "Offense vs defense sector ratio"},
		"spy_200sma_distance": {Weight: 0.07, StalenessHours: 48, Timeframe: TimeframeSwing, Description: "SPY distance from 200-day SMA"},
		"dollar_smile":        {Weight: 0.05, StalenessHours: 72, Timeframe: TimeframeSwing, Description: "Dollar strength regime"},
		"dxy_trend":           {Weight: 0.05, StalenessHours: 48, Timeframe: TimeframeSwing, Description: "DXY vs 50-day SMA trend"},
		"copper_gold_ratio":   {Weight: 0.05, StalenessHours: 48, Timeframe: TimeframeSwing, Description: "Copper/gold growth proxy"},

		// macro
		"high_yield_oas":    {Weight: 0.06, StalenessHours: 168, Timeframe: TimeframeMacro, Snapshot: true, Description: "ICE BofA high-yield OAS"},
		"yield_curve":       {Weight: 0.06, StalenessHours: 168, Timeframe: TimeframeMacro, Snapshot: true, Description: "10y-2y treasury spread"},
		"initial_claims":    {Weight: 0.04, StalenessHours: 336, Timeframe: TimeframeMacro, Snapshot: true, Description: "Initial jobless claims 4wk trend"},
		"sahm_rule":         {Weight: 0.04, StalenessHours: 1080, Timeframe: TimeframeMacro, Snapshot: true, Description: "Sahm rule recession indicator"},
		"excess_cape":       {Weight: 0.03, StalenessHours: 1080, Timeframe: TimeframeMacro, Description: "Excess CAPE yield"},
		"ism_manufacturing": {Weight: 0.03, StalenessHours: 1080, Timeframe: TimeframeMacro, Snapshot: true, Description: "Manufacturing employment trend"},
		"savita":            {Weight: 0.04, StalenessHours: 1080, Timeframe: TimeframeMacro, Description: "Sell-side indicator (manual)"},
	}
}

// LoadTable reads a factor table from YAML, falling back to the built-in
// table when path is empty.
func LoadTable(path string) (Table, error) {
	if path == "" {
		return DefaultTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read factor table: %w", err)
	}
	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse factor table: %w", err)
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// Validate rejects malformed tables before they reach the engine.
func (t Table) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("factor table is empty")
	}
	for id, cfg := range t {
		if cfg.Weight < 0 {
			return fmt.Errorf("factor %s: negative weight %f", id, cfg.Weight)
		}
		if cfg.StalenessHours <= 0 {
			return fmt.Errorf("factor %s: staleness_hours must be positive", id)
		}
		switch cfg.Timeframe {
		case TimeframeIntraday, TimeframeSwing, TimeframeMacro:
		default:
			return fmt.Errorf("factor %s: unknown timeframe %q", id, cfg.Timeframe)
		}
	}
	return nil
}

// NormalizedWeights renormalizes the weights of the given factor subset
// to sum 1.0. An empty subset or all-zero weights yields an empty map.
func (t Table) NormalizedWeights(subset []string) map[string]float64 {
	total := 0.0
	for _, id := range subset {
		if cfg, ok := t[id]; ok {
			total += cfg.Weight
		}
	}
	if total == 0 {
		return map[string]float64{}
	}
	out := make(map[string]float64, len(subset))
	for _, id := range subset {
		if cfg, ok := t[id]; ok {
			out[id] = cfg.Weight / total
		}
	}
	return out
}

// IDs returns the factor identifiers in unspecified order.
func (t Table) IDs() []string {
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	return ids
}
