package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClientLimiter_WithinBurstPasses(t *testing.T) {
	l := NewClientLimiter(10, 10, time.Minute)
	t.Cleanup(l.Close)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "request %d should pass", i+1)
	}
}

func TestClientLimiter_ExceedingBurstDenied(t *testing.T) {
	l := NewClientLimiter(1, 3, time.Minute)
	t.Cleanup(l.Close)

	var denied bool
	for i := 0; i < 10; i++ {
		if !l.Allow("10.0.0.1") {
			denied = true
			break
		}
	}
	assert.True(t, denied, "should be denied after exhausting the burst")
}

func TestClientLimiter_IndependentKeys(t *testing.T) {
	l := NewClientLimiter(1, 1, time.Minute)
	t.Cleanup(l.Close)

	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"), "separate key has its own bucket")
}

func TestClientLimiter_SweepEvictsIdle(t *testing.T) {
	l := NewClientLimiter(10, 10, time.Minute)
	t.Cleanup(l.Close)

	clk := &testClock{now: time.Unix(1_720_000_000, 0)}
	l.nowFunc = clk.Now

	l.Allow("10.0.0.1")
	l.Allow("10.0.0.2")
	assert.Equal(t, 2, l.len())

	clk.advance(30 * time.Second)
	l.Allow("10.0.0.2")

	clk.advance(45 * time.Second)
	l.sweep()

	assert.Equal(t, 1, l.len(), "only the recently seen client survives")
	assert.True(t, l.Allow("10.0.0.1"), "evicted client gets a fresh bucket")
}
