package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lernova/credits/internal/clock"
	creditdomain "github.com/lernova/credits/internal/credit/domain"
	"github.com/lernova/credits/internal/credit/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}

func setupRepository(t *testing.T, clk clock.Clock) (creditdomain.Store, *gorm.DB, *stream.Hub) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error
	_ = db.Exec("PRAGMA journal_mode = WAL").Error

	if err := db.AutoMigrate(&creditdomain.CreditAccount{}, &creditdomain.CreditTransaction{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	hub := stream.NewHub()
	store := NewRepository(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: mustNode(t),
		Clock: clk,
		Hub:   hub,
	})
	return store, db, hub
}

func TestReadAccountCreatesZeroBalance(t *testing.T) {
	store, _, _ := setupRepository(t, clock.NewSystemClock())
	ctx := context.Background()

	account, err := store.ReadAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", account.UserID)
	assert.Equal(t, int64(0), account.AvailableCredits)
	assert.Equal(t, int64(0), account.TotalPurchased)
	assert.Equal(t, int64(0), account.TotalUsed)

	again, err := store.ReadAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, account.UserID, again.UserID)
}

func TestAtomicAdjustGrantAndSpend(t *testing.T) {
	store, _, _ := setupRepository(t, clock.NewSystemClock())
	ctx := context.Background()

	granted, err := store.AtomicAdjust(ctx, creditdomain.AdjustRequest{
		UserID: "user-1",
		Delta:  10,
		Type:   creditdomain.TransactionTypePurchase,
		Reason: "starter pack",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), granted.AvailableCredits)
	assert.Equal(t, int64(10), granted.TotalPurchased)

	spent, err := store.AtomicAdjust(ctx, creditdomain.AdjustRequest{
		UserID:   "user-1",
		Delta:    -6,
		Type:     creditdomain.TransactionTypeFeatureUse,
		Category: creditdomain.FeatureCategoryAI,
		Reason:   "feature:ai_tutor",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), spent.AvailableCredits)
	assert.Equal(t, int64(6), spent.TotalUsed)
	assert.Equal(t, spent.TotalPurchased-spent.TotalUsed, spent.AvailableCredits)
}

func TestAtomicAdjustRejectsOverdraw(t *testing.T) {
	store, db, _ := setupRepository(t, clock.NewSystemClock())
	ctx := context.Background()

	_, err := store.AtomicAdjust(ctx, creditdomain.AdjustRequest{UserID: "user-1", Delta: 10})
	require.NoError(t, err)

	_, err = store.AtomicAdjust(ctx, creditdomain.AdjustRequest{UserID: "user-1", Delta: -12})
	require.Error(t, err)
	assert.ErrorIs(t, err, creditdomain.ErrInsufficientCredits)

	var insufficient *creditdomain.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(12), insufficient.Required)
	assert.Equal(t, int64(10), insufficient.Available)

	account, err := store.ReadAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), account.AvailableCredits)

	var count int64
	require.NoError(t, db.Model(&creditdomain.CreditTransaction{}).Where("user_id = ?", "user-1").Count(&count).Error)
	assert.Equal(t, int64(1), count, "rejected adjustment must not append a transaction")
}

func TestAtomicAdjustRejectsZeroDelta(t *testing.T) {
	store, _, _ := setupRepository(t, clock.NewSystemClock())

	_, err := store.AtomicAdjust(context.Background(), creditdomain.AdjustRequest{UserID: "user-1", Delta: 0})
	assert.ErrorIs(t, err, creditdomain.ErrInvalidAmount)
}

func TestConcurrentSpendsExactlyOneWinner(t *testing.T) {
	store, _, _ := setupRepository(t, clock.NewSystemClock())
	ctx := context.Background()

	_, err := store.AtomicAdjust(ctx, creditdomain.AdjustRequest{UserID: "user-1", Delta: 10})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = store.AtomicAdjust(ctx, creditdomain.AdjustRequest{
				UserID: "user-1",
				Delta:  -6,
				Type:   creditdomain.TransactionTypeFeatureUse,
			})
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, creditdomain.ErrInsufficientCredits)
		}
	}
	assert.Equal(t, 1, successes)

	account, err := store.ReadAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), account.AvailableCredits)
}

func TestConcurrentSpendsNeverNegative(t *testing.T) {
	store, db, _ := setupRepository(t, clock.NewSystemClock())
	ctx := context.Background()

	_, err := store.AtomicAdjust(ctx, creditdomain.AdjustRequest{UserID: "user-1", Delta: 5})
	require.NoError(t, err)

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AtomicAdjust(ctx, creditdomain.AdjustRequest{
				UserID: "user-1",
				Delta:  -1,
				Type:   creditdomain.TransactionTypeFeatureUse,
			})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			if !errors.Is(err, creditdomain.ErrInsufficientCredits) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, successes)

	account, err := store.ReadAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.AvailableCredits)
	assert.Equal(t, account.TotalPurchased-account.TotalUsed, account.AvailableCredits)

	var count int64
	require.NoError(t, db.Model(&creditdomain.CreditTransaction{}).Where("user_id = ?", "user-1").Count(&count).Error)
	assert.Equal(t, int64(6), count)
}

func TestListTransactionsMostRecentFirst(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC))
	store, _, _ := setupRepository(t, clk)
	ctx := context.Background()

	reasons := []string{"first", "second", "third"}
	for _, reason := range reasons {
		_, err := store.AtomicAdjust(ctx, creditdomain.AdjustRequest{
			UserID: "user-1",
			Delta:  5,
			Type:   creditdomain.TransactionTypePurchase,
			Reason: reason,
		})
		require.NoError(t, err)
		clk.Advance(time.Minute)
	}

	transactions, err := store.ListTransactions(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, transactions, 3)
	assert.Equal(t, "third", transactions[0].Reason)
	assert.Equal(t, "second", transactions[1].Reason)
	assert.Equal(t, "first", transactions[2].Reason)

	limited, err := store.ListTransactions(ctx, "user-1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestAtomicAdjustPublishesToSubscribers(t *testing.T) {
	store, _, _ := setupRepository(t, clock.NewSystemClock())
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, "user-1")
	require.NoError(t, err)
	defer sub.Close()

	_, err = store.AtomicAdjust(ctx, creditdomain.AdjustRequest{UserID: "user-1", Delta: 7})
	require.NoError(t, err)

	select {
	case account := <-sub.Updates():
		assert.Equal(t, "user-1", account.UserID)
		assert.Equal(t, int64(7), account.AvailableCredits)
	case <-time.After(time.Second):
		t.Fatal("expected a balance update after commit")
	}
}
