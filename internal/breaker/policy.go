package breaker

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownTrigger rejects triggers outside the closed policy set.
var ErrUnknownTrigger = errors.New("unknown circuit breaker trigger")

// Trigger identifiers form a closed set; unknown triggers are rejected
// at the entry point.
const (
	TriggerSPYRecovery = "spy_recovery"
	TriggerSPYUp2Pct   = "spy_up_2pct"
	TriggerSPYDown1Pct = "spy_down_1pct"
	TriggerVIXSpike    = "vix_spike"
	TriggerSPYDown2Pct = "spy_down_2pct"
	TriggerVIXExtreme  = "vix_extreme"
)

// Policy is the fixed response to one trigger. Caps and floors are bias
// numerics (1..5); nil means unconstrained.
type Policy struct {
	Severity        int
	BiasCap         *int
	BiasFloor       *int
	ScoringModifier float64
	MaxDecay        time.Duration
	Description     string
	// Verify reports the market condition that must clear before the
	// breaker may enter pending_reset. Empty means no condition.
	Verify string
}

// Verification condition identifiers.
const (
	VerifySPYNotDown1Pct = "spy_not_down_1pct"
	VerifySPYNotDown2Pct = "spy_not_down_2pct"
	VerifyVIXBelow20     = "vix_below_20"
	VerifyVIXBelow30     = "vix_below_30"
)

func intPtr(v int) *int { return &v }

// policies is the full trigger table. spy_recovery is special-cased in
// Apply: it clears the state rather than installing one.
var policies = map[string]Policy{
	TriggerSPYRecovery: {
		Severity:        0,
		ScoringModifier: 1.00,
		Description:     "SPY recovered; breaker cleared",
	},
	TriggerSPYUp2Pct: {
		Severity:        1,
		BiasFloor:       intPtr(2), // URSA_MINOR
		ScoringModifier: 1.10,
		MaxDecay:        240 * time.Minute,
		Description:     "SPY up 2%+ intraday; chase guard",
	},
	TriggerSPYDown1Pct: {
		Severity:        2,
		BiasCap:         intPtr(4), // TORO_MINOR
		ScoringModifier: 0.90,
		MaxDecay:        240 * time.Minute,
		Verify:          VerifySPYNotDown1Pct,
		Description:     "SPY down 1%+ intraday",
	},
	TriggerVIXSpike: {
		Severity:        3,
		BiasCap:         intPtr(4),
		ScoringModifier: 0.85,
		MaxDecay:        360 * time.Minute,
		Verify:          VerifyVIXBelow20,
		Description:     "VIX spike above 20",
	},
	TriggerSPYDown2Pct: {
		Severity:        4,
		BiasCap:         intPtr(4),
		BiasFloor:       intPtr(2),
		ScoringModifier: 0.75,
		MaxDecay:        24 * time.Hour,
		Verify:          VerifySPYNotDown2Pct,
		Description:     "SPY down 2%+ intraday",
	},
	TriggerVIXExtreme: {
		Severity:        5,
		BiasCap:         intPtr(4),
		BiasFloor:       intPtr(2),
		ScoringModifier: 0.70,
		MaxDecay:        24 * time.Hour,
		Verify:          VerifyVIXBelow30,
		Description:     "VIX above 30; extreme volatility",
	},
}

// PolicyFor returns the policy for a trigger.
func PolicyFor(trigger string) (Policy, error) {
	p, ok := policies[trigger]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %s", ErrUnknownTrigger, trigger)
	}
	return p, nil
}

// Triggers returns the closed trigger set.
func Triggers() []string {
	out := make([]string, 0, len(policies))
	for t := range policies {
		out = append(out, t)
	}
	return out
}
