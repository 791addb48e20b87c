package ratelimit

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	coreerrors "moltmart/core/errors"
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
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func requireExceeded(t *testing.T, err error, limit string, retryAfterSeconds int) {
	t.Helper()
	typed, ok := coreerrors.As(err)
	require.True(t, ok, "expected typed error, got %v", err)
	require.Equal(t, coreerrors.CodeRateLimitExceeded, typed.Code)
	require.Equal(t, limit, typed.Details["limit"])
	require.Equal(t, retryAfterSeconds, typed.Details["retryAfterSeconds"])
}

func TestHourlyWindowRetryAfter(t *testing.T) {
	clock := newClock()
	limiter := New("list", DefaultListingWindows, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := limiter.Reserve(ctx, "0xabc")
		require.NoError(t, err)
		clock.Advance(10 * time.Minute)
	}

	_, err := limiter.Reserve(ctx, "0xabc")
	requireExceeded(t, err, "3 per hour", 1800)
	retry, ok := RetryAfter(err)
	require.True(t, ok)
	require.Equal(t, 30*time.Minute, retry)

	// Other principals are unaffected.
	_, err = limiter.Reserve(ctx, "0xdef")
	require.NoError(t, err)

	clock.Advance(30*time.Minute + time.Second)
	_, err = limiter.Reserve(ctx, "0xabc")
	require.NoError(t, err)
}

func TestRetryAfterRoundsUp(t *testing.T) {
	clock := newClock()
	limiter := New("list", []Window{{Limit: 1, Span: time.Hour}}, WithClock(clock.Now))
	ctx := context.Background()

	_, err := limiter.Reserve(ctx, "p")
	require.NoError(t, err)
	clock.Advance(59*time.Minute + 59*time.Second + 500*time.Millisecond)
	_, err = limiter.Reserve(ctx, "p")
	requireExceeded(t, err, "1 per hour", 1)
}

func TestDailyWindow(t *testing.T) {
	clock := newClock()
	limiter := New("list", DefaultListingWindows, WithClock(clock.Now))
	ctx := context.Background()
	start := clock.Now()

	for i := 0; i < 10; i++ {
		_, err := limiter.Reserve(ctx, "0xabc")
		require.NoError(t, err, "action %d", i)
		clock.Advance(61 * time.Minute)
	}
	_, err := limiter.Reserve(ctx, "0xabc")
	expected := int(start.Add(24 * time.Hour).Sub(clock.Now()).Seconds())
	requireExceeded(t, err, "10 per day", expected)
}

func TestCancelReturnsSlot(t *testing.T) {
	clock := newClock()
	limiter := New("list", []Window{{Limit: 1, Span: time.Hour}}, WithClock(clock.Now))
	ctx := context.Background()

	res, err := limiter.Reserve(ctx, "p")
	require.NoError(t, err)
	_, err = limiter.Reserve(ctx, "p")
	require.Error(t, err)

	res.Cancel(ctx)
	res.Cancel(ctx)

	remaining, err := limiter.Remaining(ctx, "p")
	require.NoError(t, err)
	require.Equal(t, 1, remaining["1 per hour"])

	_, err = limiter.Reserve(ctx, "p")
	require.NoError(t, err)
}

func TestConcurrentReserveAdmitsOnlyLimit(t *testing.T) {
	limiter := New("list", []Window{{Limit: 3, Span: time.Hour}})
	ctx := context.Background()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := limiter.Reserve(ctx, "0xabc"); err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(3), admitted.Load())
}

func TestInvalidWindowsFallBackToDefault(t *testing.T) {
	limiter := New("list", []Window{{Limit: 0, Span: time.Hour}})
	require.Equal(t, DefaultListingWindows, limiter.Windows())
}

func TestBoltPersistenceSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rate.db")
	clock := newClock()
	ctx := context.Background()

	store, err := OpenBolt(path, nil)
	require.NoError(t, err)
	limiter := New("list", []Window{{Limit: 2, Span: time.Hour}}, WithClock(clock.Now), WithPersistence(store))
	for i := 0; i < 2; i++ {
		_, err := limiter.Reserve(ctx, "0xabc")
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}
	require.NoError(t, store.Close())

	store, err = OpenBolt(path, nil)
	require.NoError(t, err)
	defer store.Close()
	restarted := New("list", []Window{{Limit: 2, Span: time.Hour}}, WithClock(clock.Now), WithPersistence(store))
	_, err = restarted.Reserve(ctx, "0xabc")
	requireExceeded(t, err, "2 per hour", 58*60)

	// Scopes are isolated.
	other := New("call", []Window{{Limit: 2, Span: time.Hour}}, WithClock(clock.Now), WithPersistence(store))
	_, err = other.Reserve(ctx, "0xabc")
	require.NoError(t, err)
}
