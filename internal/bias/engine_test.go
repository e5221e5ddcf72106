package bias

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/marketbias/internal/breaker"
	"github.com/quantfold/marketbias/internal/factors"
	"github.com/quantfold/marketbias/internal/kv"
	"github.com/quantfold/marketbias/internal/market"
)

type noQuotes struct{}

func (noQuotes) DailyBars(context.Context, string, int) ([]market.Candle, error) {
	return nil, market.ErrNoData
}
func (noQuotes) Quote(context.Context, string) (*market.Quote, error) {
	return nil, market.ErrNoData
}

func newTestEngine(t *testing.T) (*Engine, *factors.Store, kv.Store, *breaker.Manager) {
	t.Helper()
	mem := kv.NewMemory()
	store := factors.NewStore(mem, nil, factors.DefaultTable(), zerolog.Nop())
	brk := breaker.NewManager(mem, noQuotes{}, nil, zerolog.Nop())
	eng := NewEngine(store, mem, brk, nil, nil, zerolog.Nop())
	return eng, store, mem, brk
}

func seed(t *testing.T, store *factors.Store, id string, score float64, ts time.Time) {
	t.Helper()
	r := factors.NewReading(id, score, factors.SourceYFinance, "seeded", ts)
	r.WithMeta("timestamp_source", factors.TimestampSourceTimestamp)
	require.NoError(t, store.StoreReading(context.Background(), r))
}

func TestComputeNoActiveFactors(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	res, err := eng.ComputeFresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.CompositeScore)
	assert.Equal(t, Neutral, res.BiasLevel)
	assert.Equal(t, 3, res.BiasNumeric)
	assert.Equal(t, ConfidenceLow, res.Confidence)
	assert.Empty(t, res.ActiveFactors)
	assert.Len(t, res.StaleFactors, len(factors.DefaultTable()))
	assert.Len(t, res.Factors, len(factors.DefaultTable()))
}

func TestComputePartitionIsDisjointAndComplete(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	now := time.Now().UTC()

	seed(t, store, "vix_regime", 0.3, now)
	seed(t, store, "credit_spreads", 0.4, now)
	// Outside its 2h window: stale.
	seed(t, store, "tick_breadth", 0.7, now.Add(-3*time.Hour))

	res, err := eng.ComputeFresh(context.Background())
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, id := range res.ActiveFactors {
		seen[id] = true
	}
	for _, id := range res.StaleFactors {
		assert.False(t, seen[id], "factor %s in both partitions", id)
		seen[id] = true
	}
	assert.Len(t, seen, len(factors.DefaultTable()))
	assert.Contains(t, res.StaleFactors, "tick_breadth")
	assert.Contains(t, res.ActiveFactors, "vix_regime")
}

func TestComputeRenormalizedSubset(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	now := time.Now().UTC()

	// Seven active factors at an identical score: the renormalized
	// weighted sum equals that score exactly, whatever the weights.
	ids := []string{
		"vix_regime", "vix_term", "credit_spreads", "market_breadth",
		"sector_rotation", "spy_200sma_distance", "dxy_trend",
	}
	for _, id := range ids {
		seed(t, store, id, 0.41, now)
	}

	res, err := eng.ComputeFresh(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.41, res.CompositeScore, 1e-9)
	assert.Equal(t, ToroMinor, res.BiasLevel)
	assert.Equal(t, 4, res.BiasNumeric)
	assert.Equal(t, ConfidenceHigh, res.Confidence)
	assert.Equal(t, 1.0, res.VelocityMultiplier)
}

func TestVelocityKick(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	now := time.Now().UTC()

	// Four swing factors each dropped 0.35 against their 24h-old
	// history sample.
	ids := []string{"credit_spreads", "market_breadth", "sector_rotation", "spy_200sma_distance"}
	for _, id := range ids {
		seed(t, store, id, 0.65, now.Add(-25*time.Hour))
		seed(t, store, id, 0.30, now)
	}

	res, err := eng.ComputeFresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.3, res.VelocityMultiplier)
	assert.InDelta(t, 0.39, res.CompositeScore, 1e-9)
	assert.Equal(t, ToroMinor, res.BiasLevel)
	assert.Equal(t, ConfidenceMedium, res.Confidence)
}

func TestVelocityNeedsThreeDrops(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	now := time.Now().UTC()

	seed(t, store, "credit_spreads", 0.65, now.Add(-25*time.Hour))
	seed(t, store, "credit_spreads", 0.30, now)
	seed(t, store, "market_breadth", 0.65, now.Add(-25*time.Hour))
	seed(t, store, "market_breadth", 0.30, now)
	seed(t, store, "sector_rotation", 0.30, now) // no history: no delta

	res, err := eng.ComputeFresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.VelocityMultiplier)
}

func TestOverrideHoldsUntilOppositeHalf(t *testing.T) {
	eng, store, mem, _ := newTestEngine(t)
	now := time.Now().UTC()

	require.NoError(t, SetOverride(context.Background(), mem, Override{
		Level: ToroMajor, Reason: "fed day", SetAt: now,
	}))

	// Composite in the neutral band: override stands.
	seed(t, store, "vix_regime", -0.10, now)
	res, err := eng.ComputeFresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ToroMajor, res.BiasLevel)
	assert.Equal(t, 5, res.BiasNumeric)
	require.NotNil(t, res.Override)

	// Composite crosses into the URSA half: override self-clears.
	seed(t, store, "vix_regime", -0.45, now)
	res, err = eng.ComputeFresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, UrsaMinor, res.BiasLevel)
	assert.Nil(t, res.Override)

	ov, err := GetOverride(context.Background(), mem, now)
	require.NoError(t, err)
	assert.Nil(t, ov)
}

func TestBreakerProjectionCapAndFloor(t *testing.T) {
	eng, store, _, brk := newTestEngine(t)
	now := time.Now().UTC()

	_, _, err := brk.Apply(context.Background(), breaker.TriggerVIXExtreme)
	require.NoError(t, err)

	// Bullish composite: 0.9 * 0.70 = 0.63 still maps TORO_MAJOR, the
	// cap pulls it to TORO_MINOR.
	seed(t, store, "vix_regime", 0.9, now)
	res, err := eng.ComputeFresh(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.CircuitBreaker)
	assert.InDelta(t, 0.63, res.CompositeScore, 1e-9)
	assert.Equal(t, ToroMinor, res.BiasLevel)
	assert.Equal(t, 4, res.BiasNumeric)

	// Bearish composite: -0.9 * 0.70 = -0.63 maps URSA_MAJOR, the
	// floor lifts it to URSA_MINOR.
	seed(t, store, "vix_regime", -0.9, now)
	res, err = eng.ComputeFresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, UrsaMinor, res.BiasLevel)
	assert.Equal(t, 2, res.BiasNumeric)
}

type captureNotifier struct {
	events []string
}

func (c *captureNotifier) Notify(eventType string, _ interface{}) {
	c.events = append(c.events, eventType)
}

func TestEveryLevelChangeBroadcasts(t *testing.T) {
	mem := kv.NewMemory()
	store := factors.NewStore(mem, nil, factors.DefaultTable(), zerolog.Nop())
	brk := breaker.NewManager(mem, noQuotes{}, nil, zerolog.Nop())
	notify := &captureNotifier{}
	eng := NewEngine(store, mem, brk, nil, notify, zerolog.Nop())
	now := time.Now().UTC()

	// Three computes back to back, well inside the alert cooldown:
	// TORO_MAJOR, then URSA_MAJOR, then TORO_MAJOR again. Subscribers
	// must see both changes.
	seed(t, store, "vix_regime", 0.9, now)
	_, err := eng.ComputeFresh(context.Background())
	require.NoError(t, err)

	seed(t, store, "vix_regime", -0.9, now)
	res, err := eng.ComputeFresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, UrsaMajor, res.BiasLevel)

	seed(t, store, "vix_regime", 0.9, now)
	res, err = eng.ComputeFresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, ToroMajor, res.BiasLevel)

	updates := 0
	for _, ev := range notify.events {
		if ev == EventBiasUpdate {
			updates++
		}
	}
	assert.Equal(t, 2, updates)
}

func TestShortCacheDebounces(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	now := time.Now().UTC()

	seed(t, store, "vix_regime", 0.3, now)
	first, err := eng.Compute(context.Background())
	require.NoError(t, err)

	// A fresher reading lands, but the short cache still answers.
	seed(t, store, "vix_regime", -0.8, now)
	second, err := eng.Compute(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second)

	fresh, err := eng.ComputeFresh(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.CompositeScore, fresh.CompositeScore)
}

func TestCachedSurvivesRestart(t *testing.T) {
	eng, store, mem, _ := newTestEngine(t)
	now := time.Now().UTC()

	seed(t, store, "vix_regime", 0.3, now)
	want, err := eng.ComputeFresh(context.Background())
	require.NoError(t, err)

	// A fresh engine over the same KV reloads the identical composite.
	store2 := factors.NewStore(mem, nil, factors.DefaultTable(), zerolog.Nop())
	brk2 := breaker.NewManager(mem, noQuotes{}, nil, zerolog.Nop())
	eng2 := NewEngine(store2, mem, brk2, nil, nil, zerolog.Nop())

	got, err := eng2.Cached(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)

	wantJSON, err := json.Marshal(want)
	require.NoError(t, err)
	gotJSON, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, string(wantJSON), string(gotJSON))
}
