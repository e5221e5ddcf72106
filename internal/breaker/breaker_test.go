package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/marketbias/internal/kv"
	"github.com/quantfold/marketbias/internal/market"
)

type stubQuotes struct {
	spy float64 // percent change vs prior close
	vix float64
}

func (s *stubQuotes) DailyBars(context.Context, string, int) ([]market.Candle, error) {
	return nil, market.ErrNoData
}

func (s *stubQuotes) Quote(_ context.Context, symbol string) (*market.Quote, error) {
	switch symbol {
	case "SPY":
		return &market.Quote{Symbol: "SPY", Last: 100 + s.spy, PrevClose: 100}, nil
	case "^VIX":
		return &market.Quote{Symbol: "^VIX", Last: s.vix}, nil
	}
	return nil, market.ErrNoData
}

func newTestManager(t *testing.T, quotes *stubQuotes) *Manager {
	t.Helper()
	return NewManager(kv.NewMemory(), quotes, nil, zerolog.Nop())
}

func TestApplyNoDowngrade(t *testing.T) {
	m := newTestManager(t, &stubQuotes{})

	st, applied, err := m.Apply(context.Background(), TriggerSPYDown2Pct)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, TriggerSPYDown2Pct, st.Trigger)
	require.NotNil(t, st.BiasCap)
	require.NotNil(t, st.BiasFloor)
	assert.Equal(t, 4, *st.BiasCap)
	assert.Equal(t, 2, *st.BiasFloor)
	assert.Equal(t, 0.75, st.ScoringModifier)

	st, applied, err = m.Apply(context.Background(), TriggerSPYDown1Pct)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, TriggerSPYDown2Pct, st.Trigger)
	assert.Equal(t, 0.75, st.ScoringModifier)
}

func TestApplyEscalates(t *testing.T) {
	m := newTestManager(t, &stubQuotes{})

	_, _, err := m.Apply(context.Background(), TriggerSPYDown1Pct)
	require.NoError(t, err)

	st, applied, err := m.Apply(context.Background(), TriggerVIXExtreme)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, TriggerVIXExtreme, st.Trigger)
	assert.Equal(t, 5, st.Severity)
}

func TestApplySameTriggerIdempotent(t *testing.T) {
	quotes := &stubQuotes{vix: 25}
	m := newTestManager(t, quotes)

	base := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	first, applied, err := m.Apply(context.Background(), TriggerVIXSpike)
	require.NoError(t, err)
	require.True(t, applied)

	// The source re-fires while the breaker is active: nothing moves.
	m.now = func() time.Time { return base.Add(30 * time.Minute) }
	st, applied, err := m.Apply(context.Background(), TriggerVIXSpike)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, first.TriggeredAt, st.TriggeredAt)

	// Decay elapses and VIX clears: pending_reset. A late duplicate of
	// the same trigger must not destroy the pending confirmation.
	quotes.vix = 18
	m.now = func() time.Time { return base.Add(6*time.Hour + time.Minute) }
	st = m.DecayCheck(context.Background())
	require.True(t, st.PendingReset)

	st, applied, err = m.Apply(context.Background(), TriggerVIXSpike)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.True(t, st.PendingReset)
	assert.Equal(t, first.TriggeredAt, st.TriggeredAt)
	assert.Equal(t, 1.0, st.DecayFade)
}

func TestApplyUnknownTrigger(t *testing.T) {
	m := newTestManager(t, &stubQuotes{})
	_, _, err := m.Apply(context.Background(), "meteor_strike")
	assert.ErrorIs(t, err, ErrUnknownTrigger)
}

func TestRecoveryClears(t *testing.T) {
	m := newTestManager(t, &stubQuotes{})
	_, _, err := m.Apply(context.Background(), TriggerVIXSpike)
	require.NoError(t, err)

	st, applied, err := m.Apply(context.Background(), TriggerSPYRecovery)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.False(t, st.Active)
	assert.Equal(t, 1.0, st.ScoringModifier)
}

func TestVerifiedDecayAndFade(t *testing.T) {
	quotes := &stubQuotes{vix: 25}
	m := newTestManager(t, quotes)

	base := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	_, _, err := m.Apply(context.Background(), TriggerVIXSpike)
	require.NoError(t, err)

	// Timer not yet elapsed: nothing happens.
	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	st := m.DecayCheck(context.Background())
	assert.False(t, st.PendingReset)

	// Timer elapsed but VIX still above 20: stay active.
	m.now = func() time.Time { return base.Add(6*time.Hour + time.Minute) }
	st = m.DecayCheck(context.Background())
	assert.False(t, st.PendingReset)

	// Condition clears: transition to pending_reset with full fade.
	quotes.vix = 18
	st = m.DecayCheck(context.Background())
	require.True(t, st.PendingReset)
	require.NotNil(t, st.PendingSince)
	assert.Equal(t, 1.0, st.DecayFade)
	assert.Equal(t, 0.85, st.ScoringModifier)
	assert.InDelta(t, 0.85, st.EffectiveModifier(), 1e-9)

	// Thirty minutes in: fade halves and the effective modifier walks
	// toward 1.0.
	m.now = func() time.Time { return base.Add(6*time.Hour + 31*time.Minute) }
	st = m.DecayCheck(context.Background())
	assert.InDelta(t, 0.5, st.DecayFade, 0.01)
	assert.InDelta(t, 0.925, st.EffectiveModifier(), 0.005)

	// Past the hour: fade floors at zero, modifier is fully neutral.
	m.now = func() time.Time { return base.Add(8 * time.Hour) }
	st = m.DecayCheck(context.Background())
	assert.Equal(t, 0.0, st.DecayFade)
	assert.InDelta(t, 1.0, st.EffectiveModifier(), 1e-9)
}

func TestAcceptResetOnlyWhilePending(t *testing.T) {
	m := newTestManager(t, &stubQuotes{})

	_, err := m.AcceptReset(context.Background())
	assert.ErrorIs(t, err, ErrNoPendingReset)

	_, _, err = m.Apply(context.Background(), TriggerSPYUp2Pct)
	require.NoError(t, err)
	_, err = m.AcceptReset(context.Background())
	assert.ErrorIs(t, err, ErrNoPendingReset)
}

func TestRejectResetRestartsClock(t *testing.T) {
	quotes := &stubQuotes{spy: 0.5} // SPY green: condition cleared
	m := newTestManager(t, quotes)

	base := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	_, _, err := m.Apply(context.Background(), TriggerSPYDown1Pct)
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(4*time.Hour + time.Minute) }
	st := m.DecayCheck(context.Background())
	require.True(t, st.PendingReset)

	st, err = m.RejectReset(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.False(t, st.PendingReset)
	assert.Nil(t, st.PendingSince)
	assert.Equal(t, m.now().UTC(), st.TriggeredAt)

	// Clock restarted: the next check inside the window does nothing.
	m.now = func() time.Time { return base.Add(5 * time.Hour) }
	st = m.DecayCheck(context.Background())
	assert.False(t, st.PendingReset)
}

func TestRestoreRoundTrip(t *testing.T) {
	store := kv.NewMemory()
	quotes := &stubQuotes{vix: 15}
	m := NewManager(store, quotes, nil, zerolog.Nop())

	base := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	_, _, err := m.Apply(context.Background(), TriggerVIXSpike)
	require.NoError(t, err)
	m.now = func() time.Time { return base.Add(7 * time.Hour) }
	want := m.DecayCheck(context.Background())
	require.True(t, want.PendingReset)

	// Fresh manager over the same KV sees identical state.
	m2 := NewManager(store, quotes, nil, zerolog.Nop())
	require.NoError(t, m2.Restore(context.Background()))
	got := m2.Snapshot()
	assert.Equal(t, want.PendingReset, got.PendingReset)
	assert.Equal(t, want.DecayFade, got.DecayFade)
	require.NotNil(t, got.PendingSince)
	assert.True(t, want.PendingSince.Equal(*got.PendingSince))
	assert.Equal(t, want.Trigger, got.Trigger)
}
