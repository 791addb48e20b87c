package challenge

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
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

type payload struct {
	Target string `json:"target"`
}

func TestStoreConsumeOnce(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_717_787_717, 0)}
	store := NewStore[payload]("ownership", time.Minute, WithClock[payload](clock.Now))
	ctx := context.Background()

	rec, err := store.Issue(ctx, "0xabc", payload{Target: "0xdead"})
	require.NoError(t, err)
	require.Len(t, rec.Nonce, 2+2*NonceBytes)

	got, err := store.Get(ctx, "0xabc")
	require.NoError(t, err)
	require.Equal(t, "0xdead", got.Payload.Target)

	_, err = store.Consume(ctx, "0xabc", rec.Nonce)
	require.NoError(t, err)

	_, err = store.Consume(ctx, "0xabc", rec.Nonce)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "0xabc")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreLastIssueWins(t *testing.T) {
	store := NewStore[payload]("payment", time.Minute)
	ctx := context.Background()

	first, err := store.Issue(ctx, "0xabc:list", payload{})
	require.NoError(t, err)
	second, err := store.Issue(ctx, "0xabc:list", payload{})
	require.NoError(t, err)
	require.NotEqual(t, first.Nonce, second.Nonce)

	_, err = store.Consume(ctx, "0xabc:list", first.Nonce)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.Consume(ctx, "0xabc:list", second.Nonce)
	require.NoError(t, err)
}

func TestStoreExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_717_787_717, 0)}
	store := NewStore[payload]("ownership", time.Minute, WithClock[payload](clock.Now))
	ctx := context.Background()

	rec, err := store.Issue(ctx, "0xabc", payload{})
	require.NoError(t, err)
	clock.Advance(time.Minute)

	_, err = store.Get(ctx, "0xabc")
	require.ErrorIs(t, err, ErrExpired)
	_, err = store.Consume(ctx, "0xabc", rec.Nonce)
	require.ErrorIs(t, err, ErrNotFound)
	require.Zero(t, store.Len())
}

func TestStoreSweep(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_717_787_717, 0)}
	store := NewStore[payload]("ownership", time.Minute, WithClock[payload](clock.Now))
	ctx := context.Background()

	_, err := store.Issue(ctx, "a", payload{})
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	_, err = store.Issue(ctx, "b", payload{})
	require.NoError(t, err)
	clock.Advance(45 * time.Second)

	require.Equal(t, 1, store.Sweep(ctx))
	require.Equal(t, 1, store.Len())
	_, err = store.Get(ctx, "b")
	require.NoError(t, err)
}

func TestStoreConcurrentConsume(t *testing.T) {
	store := NewStore[payload]("payment", time.Minute)
	ctx := context.Background()
	rec, err := store.Issue(ctx, "k", payload{})
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Consume(ctx, "k", rec.Nonce); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())
}

func TestStoreLevelDBRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "challenges")
	clock := &fakeClock{now: time.Unix(1_717_787_717, 0)}
	ctx := context.Background()

	backend, err := NewLevelDBPersistence(path)
	require.NoError(t, err)
	store := NewStore[payload]("ownership", time.Minute, WithClock[payload](clock.Now), WithPersistence[payload](backend))
	live, err := store.Issue(ctx, "live", payload{Target: "0xbeef"})
	require.NoError(t, err)
	consumed, err := store.Issue(ctx, "consumed", payload{})
	require.NoError(t, err)
	_, err = store.Consume(ctx, "consumed", consumed.Nonce)
	require.NoError(t, err)
	require.NoError(t, backend.Close())

	reopened, err := NewLevelDBPersistence(path)
	require.NoError(t, err)
	defer reopened.Close()

	restarted := NewStore[payload]("ownership", time.Minute, WithClock[payload](clock.Now), WithPersistence[payload](reopened))
	require.NoError(t, restarted.Hydrate(ctx))
	require.Equal(t, 1, restarted.Len())

	got, err := restarted.Get(ctx, "live")
	require.NoError(t, err)
	require.Equal(t, live.Nonce, got.Nonce)
	require.Equal(t, "0xbeef", got.Payload.Target)

	other := NewStore[payload]("payment", time.Minute, WithClock[payload](clock.Now), WithPersistence[payload](reopened))
	require.NoError(t, other.Hydrate(ctx))
	require.Zero(t, other.Len())
}

func TestLevelDBPrune(t *testing.T) {
	backend, err := NewLevelDBPersistence(filepath.Join(t.TempDir(), "challenges"))
	require.NoError(t, err)
	defer backend.Close()
	ctx := context.Background()
	base := time.Unix(1_717_787_717, 0).UTC()

	require.NoError(t, backend.SaveChallenge(ctx, PersistedRecord{Namespace: "ns", Key: "old", Nonce: "1", IssuedAt: base, ExpiresAt: base.Add(time.Minute)}))
	require.NoError(t, backend.SaveChallenge(ctx, PersistedRecord{Namespace: "ns", Key: "new", Nonce: "2", IssuedAt: base, ExpiresAt: base.Add(time.Hour)}))
	require.NoError(t, backend.PruneChallenges(ctx, base.Add(2*time.Minute)))

	records, err := backend.LiveChallenges(ctx, "ns", base)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "new", records[0].Key)
}
