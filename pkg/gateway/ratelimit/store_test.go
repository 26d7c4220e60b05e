package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_UpdateRoundTrips(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	t.Cleanup(store.Close)

	got, err := store.Update(context.Background(), "k", time.Minute, func(prev []byte) ([]byte, error) {
		assert.Nil(t, prev, "first update sees no prior state")
		return []byte("one"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)

	got, err = store.Update(context.Background(), "k", time.Minute, func(prev []byte) ([]byte, error) {
		assert.Equal(t, []byte("one"), prev)
		return []byte("two"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)
}

func TestMemoryStore_ExpiredStateReadsAsAbsent(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	t.Cleanup(store.Close)

	clk := &testClock{now: time.Unix(1_720_000_000, 0)}
	store.nowFunc = clk.Now

	_, err := store.Update(context.Background(), "k", time.Second, func([]byte) ([]byte, error) {
		return []byte("stale"), nil
	})
	require.NoError(t, err)

	clk.advance(2 * time.Second)

	_, err = store.Update(context.Background(), "k", time.Second, func(prev []byte) ([]byte, error) {
		assert.Nil(t, prev, "state past its TTL must not be visible")
		return []byte("fresh"), nil
	})
	require.NoError(t, err)
}

func TestMemoryStore_FnErrorKeepsState(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	t.Cleanup(store.Close)

	_, err := store.Update(context.Background(), "k", time.Minute, func([]byte) ([]byte, error) {
		return []byte("kept"), nil
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = store.Update(context.Background(), "k", time.Minute, func([]byte) ([]byte, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.Update(context.Background(), "k", time.Minute, func(prev []byte) ([]byte, error) {
		assert.Equal(t, []byte("kept"), prev)
		return prev, nil
	})
	require.NoError(t, err)
}

func TestMemoryStore_SweepEvictsExpired(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	t.Cleanup(store.Close)

	clk := &testClock{now: time.Unix(1_720_000_000, 0)}
	store.nowFunc = clk.Now

	for _, key := range []string{"a", "b"} {
		_, err := store.Update(context.Background(), key, time.Second, func([]byte) ([]byte, error) {
			return []byte(key), nil
		})
		require.NoError(t, err)
	}
	clk.advance(500 * time.Millisecond)
	_, err := store.Update(context.Background(), "c", time.Hour, func([]byte) ([]byte, error) {
		return []byte("c"), nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, store.len())

	clk.advance(time.Second)
	store.sweep()

	assert.Equal(t, 1, store.len(), "only the long-TTL entry survives")
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	t.Cleanup(store.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Update(ctx, "k", time.Minute, func([]byte) ([]byte, error) {
		t.Fatal("fn must not run after cancellation")
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
