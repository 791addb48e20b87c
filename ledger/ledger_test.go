package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, AutoMigrate(db))
	return db
}

func sampleEntry(service uuid.UUID) Entry {
	return Entry{
		ServiceID:       service,
		BuyerWallet:     "0xAAAA000000000000000000000000000000000001",
		BuyerName:       "buyer-bot",
		SellerWallet:    "0xBBBB000000000000000000000000000000000002",
		PriceMinorUnits: 10_000,
		PaymentMethod:   "onchain",
		PaymentRef:      "0xfeed",
	}
}

func TestBeginFinishLifecycle(t *testing.T) {
	ctx := context.Background()
	l := New(setupTestDB(t))
	service := uuid.New()

	tx, err := l.Begin(ctx, sampleEntry(service))
	require.NoError(t, err)
	require.Equal(t, StatusPending, tx.Status)
	require.Equal(t, "0xaaaa000000000000000000000000000000000001", tx.BuyerWallet)

	code := 200
	done, err := l.Finish(ctx, tx.ID, Outcome{Status: StatusCompleted, SellerStatusCode: &code})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	require.Equal(t, 200, *done.SellerStatusCode)

	_, err = l.Finish(ctx, tx.ID, Outcome{Status: StatusFailed})
	require.ErrorIs(t, err, ErrAlreadyFinal)

	got, err := l.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)

	ok, err := l.HasCompleted(ctx, "0xAAAA000000000000000000000000000000000001", service)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFinishRejectsPendingAndUnknown(t *testing.T) {
	ctx := context.Background()
	l := New(setupTestDB(t))

	_, err := l.Finish(ctx, uuid.New(), Outcome{Status: StatusPending})
	require.ErrorIs(t, err, ErrInvalidOutcome)

	_, err = l.Finish(ctx, uuid.New(), Outcome{Status: StatusCompleted})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = l.Get(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentFinishSingleWinner(t *testing.T) {
	ctx := context.Background()
	l := New(setupTestDB(t))
	tx, err := l.Begin(ctx, sampleEntry(uuid.New()))
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	statuses := []Status{StatusCompleted, StatusFailed, StatusTimeout, StatusError}
	for _, status := range statuses {
		wg.Add(1)
		go func(status Status) {
			defer wg.Done()
			if _, err := l.Finish(ctx, tx.ID, Outcome{Status: status}); err == nil {
				wins.Add(1)
			}
		}(status)
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}

func TestListByWalletAndSummary(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	l := New(setupTestDB(t)).WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	})

	entry := sampleEntry(uuid.New())
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		tx, err := l.Begin(ctx, entry)
		require.NoError(t, err)
		ids = append(ids, tx.ID)
	}
	other := entry
	other.BuyerWallet = "0xcccc000000000000000000000000000000000003"
	other.SellerWallet = "0xdddd000000000000000000000000000000000004"
	_, err := l.Begin(ctx, other)
	require.NoError(t, err)

	_, err = l.Finish(ctx, ids[0], Outcome{Status: StatusCompleted})
	require.NoError(t, err)
	_, err = l.Finish(ctx, ids[1], Outcome{Status: StatusTimeout, Error: "seller timed out"})
	require.NoError(t, err)

	asSeller, total, err := l.ListByWallet(ctx, "0xBBBB000000000000000000000000000000000002", 2, 0)
	require.NoError(t, err)
	require.EqualValues(t, 3, total)
	require.Len(t, asSeller, 2)
	require.Equal(t, ids[2], asSeller[0].ID, "newest first")

	page2, _, err := l.ListByWallet(ctx, "0xaaaa000000000000000000000000000000000001", 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)

	summary, err := l.Summarise(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 4, summary.TotalTransactions)
	require.EqualValues(t, 2, summary.ByStatus[StatusPending])
	require.EqualValues(t, 1, summary.ByStatus[StatusCompleted])
	require.EqualValues(t, 10_000, summary.RevenueMinorUnits)
}

func TestExpireStaleClosesOnlyOldPending(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	l := New(setupTestDB(t)).WithClock(func() time.Time { return now })

	stale, err := l.Begin(ctx, sampleEntry(uuid.New()))
	require.NoError(t, err)
	done, err := l.Begin(ctx, sampleEntry(uuid.New()))
	require.NoError(t, err)
	_, err = l.Finish(ctx, done.ID, Outcome{Status: StatusCompleted})
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	fresh, err := l.Begin(ctx, sampleEntry(uuid.New()))
	require.NoError(t, err)

	closed, err := l.ExpireStale(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, closed)

	got, err := l.Get(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, StatusError, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.NotEmpty(t, got.Error)

	got, err = l.Get(ctx, done.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)

	got, err = l.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)

	closed, err = l.ExpireStale(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Zero(t, closed)
}
