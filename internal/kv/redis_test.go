package kv

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisGet(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewRedisFromClient(db)
	ctx := context.Background()

	t.Run("hit returns value", func(t *testing.T) {
		mock.ExpectGet("factor/vix_regime/latest").SetVal(`{"score":0.4}`)

		val, found, err := store.Get(ctx, "factor/vix_regime/latest")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, `{"score":0.4}`, string(val))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("miss is not an error", func(t *testing.T) {
		mock.ExpectGet("factor/savita/latest").RedisNil()

		val, found, err := store.Get(ctx, "factor/savita/latest")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, val)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRedisSet(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewRedisFromClient(db)

	mock.ExpectSet("bias/composite/latest", []byte(`{}`), 24*time.Hour).SetVal("OK")

	err := store.Set(context.Background(), "bias/composite/latest", []byte(`{}`), 24*time.Hour)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisZAdd(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewRedisFromClient(db)

	mock.ExpectZAdd("factor/vix_regime/history", &redis.Z{
		Score:  1700000000,
		Member: `{"score":0.4}`,
	}).SetVal(1)

	err := store.ZAdd(context.Background(), "factor/vix_regime/history", 1700000000, []byte(`{"score":0.4}`))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLPushTrim(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewRedisFromClient(db)
	ctx := context.Background()

	mock.ExpectLPush("uw:flow:recent", []byte(`{"ticker":"NVDA"}`)).SetVal(1)
	mock.ExpectLTrim("uw:flow:recent", 0, 99).SetVal("OK")

	require.NoError(t, store.LPush(ctx, "uw:flow:recent", []byte(`{"ticker":"NVDA"}`)))
	require.NoError(t, store.LTrim(ctx, "uw:flow:recent", 0, 99))
	require.NoError(t, mock.ExpectationsWereMet())
}
