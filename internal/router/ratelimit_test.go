package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(3, 30*time.Second)
	t.Cleanup(rl.Close)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, _ := rl.Allow(42)
		assert.True(t, ok)
		now = now.Add(time.Second)
	}

	ok, retry := rl.Allow(42)
	assert.False(t, ok)
	assert.Equal(t, 27*time.Second, retry)

	ok, _ = rl.Allow(7)
	assert.True(t, ok, "other users have their own window")

	now = now.Add(27 * time.Second)
	ok, _ = rl.Allow(42)
	assert.True(t, ok)
}

func TestRateLimiter_EvictDropsIdleUsers(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(2, time.Minute)
	t.Cleanup(rl.Close)
	rl.now = func() time.Time { return now }

	rl.Allow(1)
	now = now.Add(45 * time.Second)
	rl.Allow(2)
	now = now.Add(30 * time.Second)

	rl.evict()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.requests, int64(1))
	assert.Len(t, rl.requests[2], 1)
}
