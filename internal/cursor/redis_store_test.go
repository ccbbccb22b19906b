package cursor

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStoreWithClient(client, "chainwatch:cursor"), mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store, _ := newMiniredisStore(t)
	ctx := context.Background()

	_, ok, err := store.Read(ctx, "ethereum-mainnet", "0xtoken")
	require.NoError(t, err)
	assert.False(t, ok, "expected no cursor before first write")

	require.NoError(t, store.Write(ctx, "ethereum-mainnet", "0xtoken", 19000100))

	pos, ok, err := store.Read(ctx, "ethereum-mainnet", "0xtoken")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(19000100), pos)
}

func TestRedisStoreKeysBySourceAndSubscription(t *testing.T) {
	store, mr := newMiniredisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, "ethereum-mainnet", "0xtoken", 42))

	val, err := mr.Get("chainwatch:cursor:ethereum-mainnet:0xtoken")
	require.NoError(t, err)
	assert.Equal(t, "42", val)
}

func TestRedisStoreRejectsCorruptCursor(t *testing.T) {
	store, mr := newMiniredisStore(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("chainwatch:cursor:ethereum-mainnet:0xtoken", "not-a-number"))

	_, _, err := store.Read(ctx, "ethereum-mainnet", "0xtoken")
	assert.Error(t, err)
}
