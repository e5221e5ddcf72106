package factors

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/marketbias/internal/kv"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(kv.NewMemory(), nil, DefaultTable(), zerolog.Nop())
}

func TestStoreReadingRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ts := time.Now().Add(-10 * time.Minute).UTC().Truncate(time.Second)
	r := NewReading("vix_regime", 0.4, SourceYFinance, "VIX 14.2 complacent", ts)

	require.NoError(t, s.StoreReading(ctx, r))

	got, err := s.GetLatest(ctx, "vix_regime")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0.4, got.Score)
	assert.Equal(t, "BULLISH", got.Signal)
	assert.True(t, got.Timestamp.Equal(ts))
}

func TestStoreReadingRejectsUnknownFactor(t *testing.T) {
	s := newTestStore(t)
	r := NewReading("not_a_factor", 0.1, SourceManual, "", time.Now())
	err := s.StoreReading(context.Background(), r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown factor")
}

func TestStoreReadingRejectsOutOfBandScore(t *testing.T) {
	s := newTestStore(t)
	r := NewReading("vix_regime", 0.5, SourceYFinance, "", time.Now())
	r.Score = 1.4 // bypass the constructor clamp
	err := s.StoreReading(context.Background(), r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of band")
}

func TestGetBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := NewReading("credit_spreads", 0.5, SourceYFinance, "", now.Add(-30*time.Hour))
	mid := NewReading("credit_spreads", 0.3, SourceYFinance, "", now.Add(-25*time.Hour))
	fresh := NewReading("credit_spreads", 0.1, SourceYFinance, "", now.Add(-1*time.Hour))

	require.NoError(t, s.StoreReading(ctx, old))
	require.NoError(t, s.StoreReading(ctx, mid))
	require.NoError(t, s.StoreReading(ctx, fresh))

	got, err := s.GetBefore(ctx, "credit_spreads", now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0.3, got.Score, "most recent reading at or before cutoff")

	none, err := s.GetBefore(ctx, "credit_spreads", now.Add(-40*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSnapshotFallback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// yield_curve opts into snapshots; vix_regime does not.
	r := NewReading("yield_curve", -0.4, SourceFRED, "10y-2y at -35bp", time.Now())
	require.NoError(t, s.StoreReading(ctx, r))

	snap, err := s.LoadSnapshot(ctx, "yield_curve")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, -0.4, snap.Score)

	r2 := NewReading("vix_regime", 0.2, SourceYFinance, "", time.Now())
	require.NoError(t, s.StoreReading(ctx, r2))

	none, err := s.LoadSnapshot(ctx, "vix_regime")
	require.NoError(t, err)
	assert.Nil(t, none)
}
