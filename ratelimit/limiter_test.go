package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newLimiter(t *testing.T) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(logrus.New(), WithClock(clock.Now)), clock
}

func TestCheckSixthCallDenied(t *testing.T) {
	l, clock := newLimiter(t)
	window := time.Minute

	for i := 1; i <= 5; i++ {
		res := l.Check("user-1", 5, window)
		require.True(t, res.Allowed, "call %d", i)
		assert.Equal(t, 5-i, res.Remaining)
		clock.Advance(time.Second)
	}

	res := l.Check("user-1", 5, window)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.True(t, res.RetryAfter(clock.Now()) > 0)
}

func TestCheckResetsAfterWindow(t *testing.T) {
	l, clock := newLimiter(t)
	window := time.Minute

	first := l.Check("user-1", 5, window)
	for i := 0; i < 6; i++ {
		l.Check("user-1", 5, window)
	}
	assert.False(t, l.Check("user-1", 5, window).Allowed)

	clock.Advance(window + time.Millisecond)
	res := l.Check("user-1", 5, window)
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.Remaining, "counter restarts at 1")
	assert.True(t, res.ResetAt.After(first.ResetAt))
}

func TestCheckAtResetBoundaryStillCounts(t *testing.T) {
	l, clock := newLimiter(t)

	res := l.Check("a", 1, time.Minute)
	require.True(t, res.Allowed)
	clock.Advance(time.Minute)
	// now == resetAt, the window only resets once now is past it
	assert.False(t, l.Check("a", 1, time.Minute).Allowed)
}

func TestRejectedAttemptsConsumeSlots(t *testing.T) {
	l, clock := newLimiter(t)
	for i := 0; i < 10; i++ {
		l.Check("b", 2, time.Minute)
	}
	clock.Advance(30 * time.Second)
	assert.False(t, l.Check("b", 2, time.Minute).Allowed)
}

func TestIdentifiersAreIndependent(t *testing.T) {
	l, _ := newLimiter(t)
	assert.True(t, l.Check("a", 1, time.Minute).Allowed)
	assert.False(t, l.Check("a", 1, time.Minute).Allowed)
	assert.True(t, l.Check("b", 1, time.Minute).Allowed)
}

func TestSweep(t *testing.T) {
	l, clock := newLimiter(t)
	l.Check("short", 5, time.Second)
	l.Check("long", 5, time.Hour)
	require.Equal(t, 2, l.Len())

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Len())
}

func TestBackgroundSweep(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := &fakeClock{now: time.Now()}
	l := New(logrus.New(), WithClock(clock.Now), WithSweepInterval(5*time.Millisecond))
	l.Check("x", 1, time.Millisecond)
	clock.Advance(time.Second)

	l.Start(context.Background())
	assert.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 5*time.Millisecond)
	l.Stop()
	l.Stop()
}

func TestConcurrentCheck(t *testing.T) {
	l, _ := newLimiter(t)
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("shared", 10, time.Minute).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}
