package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTTL(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 10*time.Millisecond))

	_, found, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)

	time.Sleep(20 * time.Millisecond)

	_, found, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found, "expired key should miss")
}

func TestMemorySortedSet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	key := "factor/vix_regime/history"

	require.NoError(t, m.ZAdd(ctx, key, 300, []byte("c")))
	require.NoError(t, m.ZAdd(ctx, key, 100, []byte("a")))
	require.NoError(t, m.ZAdd(ctx, key, 200, []byte("b")))

	members, err := m.ZRangeByScore(ctx, key, 100, 200)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "a", string(members[0].Value))
	assert.Equal(t, "b", string(members[1].Value))

	latest, err := m.ZRevLatest(ctx, key, 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "c", string(latest[0].Value))

	require.NoError(t, m.ZRemRangeByScore(ctx, key, 0, 150))
	members, err = m.ZRangeByScore(ctx, key, 0, 1000)
	require.NoError(t, err)
	require.Len(t, members, 2)
}

func TestMemorySortedSetUpdatesScore(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	key := "factor/savita/history"

	require.NoError(t, m.ZAdd(ctx, key, 100, []byte("a")))
	require.NoError(t, m.ZAdd(ctx, key, 200, []byte("b")))
	// Re-adding an existing member moves its score, no duplicate entry.
	require.NoError(t, m.ZAdd(ctx, key, 300, []byte("a")))

	members, err := m.ZRangeByScore(ctx, key, 0, 1000)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "b", string(members[0].Value))
	assert.Equal(t, "a", string(members[1].Value))
	assert.Equal(t, 300.0, members[1].Score)
}

func TestMemoryListBounded(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, v := range []string{"1", "2", "3", "4"} {
		require.NoError(t, m.LPush(ctx, "recent", []byte(v)))
	}
	require.NoError(t, m.LTrim(ctx, "recent", 0, 2))

	vals, err := m.LRange(ctx, "recent", 0, -1)
	require.NoError(t, err)
	require.Len(t, vals, 3)
	assert.Equal(t, "4", string(vals[0]), "newest first")
}
