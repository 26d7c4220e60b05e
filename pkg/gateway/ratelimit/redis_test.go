package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStore_UpdateRoundTrips(t *testing.T) {
	store, mr := setupRedisStore(t)

	got, err := store.Update(context.Background(), "client", time.Minute, func(prev []byte) ([]byte, error) {
		assert.Nil(t, prev)
		return []byte(`{"count":1}`), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"count":1}`), got)

	// State lands under the package prefix with the requested TTL.
	assert.True(t, mr.Exists("ratelimit:client"))
	ttl := mr.TTL("ratelimit:client")
	assert.True(t, ttl > 50*time.Second && ttl <= time.Minute, "unexpected TTL %v", ttl)

	_, err = store.Update(context.Background(), "client", time.Minute, func(prev []byte) ([]byte, error) {
		assert.Equal(t, []byte(`{"count":1}`), prev)
		return []byte(`{"count":2}`), nil
	})
	require.NoError(t, err)

	raw, err := mr.Get("ratelimit:client")
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":2}`, raw)
}

func TestRedisStore_FnErrorPropagates(t *testing.T) {
	store, mr := setupRedisStore(t)

	boom := errors.New("boom")
	_, err := store.Update(context.Background(), "client", time.Minute, func([]byte) ([]byte, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("ratelimit:client"))
}

func TestRedisStore_LimiterEndToEnd(t *testing.T) {
	store, mr := setupRedisStore(t)

	// A long window keeps refill negligible for the duration of the test.
	lim, err := New(Config{
		Algorithm: TokenBucket,
		Requests:  3,
		Window:    time.Hour,
	}, store)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		d, err := lim.Allow(context.Background(), "client")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be allowed", i+1)
	}

	d, err := lim.Allow(context.Background(), "client")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// The stored state is plain JSON decodable by the typed state struct.
	raw, err := mr.Get("ratelimit:client")
	require.NoError(t, err)
	var st tokenBucketState
	require.NoError(t, json.Unmarshal([]byte(raw), &st))
	assert.Less(t, st.Tokens, 1.0)
}
