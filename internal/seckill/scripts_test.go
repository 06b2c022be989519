package seckill

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ordersys/fabric/internal/domain"
	"github.com/ordersys/fabric/internal/platform/kv"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := NewStore(&kv.KeyValue{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})})
	store.RateLimit = 1000
	store.RateWindow = time.Second
	return store, mr
}

func initCampaign(t *testing.T, s *Store, productID string, stock int64) {
	t.Helper()
	start := time.Now().Add(-time.Minute)
	end := time.Now().Add(time.Hour)
	require.NoError(t, s.Init(context.Background(), productID, stock, 19.99, start, end))
}

func TestInitStatusRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	initCampaign(t, s, "p1", 50)

	c, err := s.Status(context.Background(), "p1", time.Now())
	require.NoError(t, err)
	require.EqualValues(t, 50, c.StockRemaining)
	require.EqualValues(t, 50, c.TotalStock)
	require.Equal(t, 19.99, c.Price)
	require.True(t, c.IsActive)
}

func TestStatusUnknownCampaign(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Status(context.Background(), "nope", time.Now())
	require.ErrorIs(t, err, ErrCampaignNotFound)
}

func TestReserveWinDecrementsStockAndRecordsWinner(t *testing.T) {
	s, mr := newTestStore(t)
	initCampaign(t, s, "p1", 2)

	outcome, err := s.Reserve(context.Background(), "p1", "u1")
	require.NoError(t, err)
	require.Equal(t, domain.ReserveWon, outcome)

	stock, _ := mr.Get("seckill:stock:p1")
	require.Equal(t, "1", stock)
	isWinner, err := mr.SIsMember("seckill:winners:p1", "u1")
	require.NoError(t, err)
	require.True(t, isWinner)
}

func TestReserveRejectsDoublePurchase(t *testing.T) {
	s, _ := newTestStore(t)
	initCampaign(t, s, "p1", 2)

	_, err := s.Reserve(context.Background(), "p1", "u1")
	require.NoError(t, err)

	outcome, err := s.Reserve(context.Background(), "p1", "u1")
	require.NoError(t, err)
	require.Equal(t, domain.ReserveAlreadyPurchased, outcome)
}

func TestReserveRejectsWhenCampaignMissing(t *testing.T) {
	s, _ := newTestStore(t)
	outcome, err := s.Reserve(context.Background(), "ghost", "u1")
	require.NoError(t, err)
	require.Equal(t, domain.ReserveCampaignNotStarted, outcome)
}

func TestReserveRateLimitAppliesBeforeAnyOtherCheck(t *testing.T) {
	s, _ := newTestStore(t)
	s.RateLimit = 1
	initCampaign(t, s, "p1", 2)

	_, err := s.Reserve(context.Background(), "p1", "u1")
	require.NoError(t, err)

	// The second attempt in the same window is throttled even though
	// the user would otherwise hit the already-purchased branch.
	outcome, err := s.Reserve(context.Background(), "p1", "u1")
	require.NoError(t, err)
	require.Equal(t, domain.ReserveRateLimitExceeded, outcome)
}

func TestNoOverselling(t *testing.T) {
	s, mr := newTestStore(t)
	const stock = 5
	const buyers = 12
	initCampaign(t, s, "p1", stock)

	var won, outOfStock int
	for i := 0; i < buyers; i++ {
		outcome, err := s.Reserve(context.Background(), "p1", fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
		switch outcome {
		case domain.ReserveWon:
			won++
		case domain.ReserveOutOfStock:
			outOfStock++
		default:
			t.Fatalf("unexpected outcome %d", outcome)
		}
	}

	require.Equal(t, stock, won)
	require.Equal(t, buyers-stock, outOfStock)

	remaining, _ := mr.Get("seckill:stock:p1")
	require.Equal(t, "0", remaining)
	winners, err := mr.Members("seckill:winners:p1")
	require.NoError(t, err)
	require.Len(t, winners, stock)
}

func TestReleaseRestoresStockOnce(t *testing.T) {
	s, mr := newTestStore(t)
	initCampaign(t, s, "p1", 1)

	_, err := s.Reserve(context.Background(), "p1", "u1")
	require.NoError(t, err)

	released, err := s.Release(context.Background(), "p1", "u1")
	require.NoError(t, err)
	require.True(t, released)

	stock, _ := mr.Get("seckill:stock:p1")
	require.Equal(t, "1", stock)

	// Releasing again is a no-op, not a second increment.
	released, err = s.Release(context.Background(), "p1", "u1")
	require.NoError(t, err)
	require.False(t, released)
	stock, _ = mr.Get("seckill:stock:p1")
	require.Equal(t, "1", stock)
}

func TestReleaseForUnknownUserIsNoOp(t *testing.T) {
	s, _ := newTestStore(t)
	initCampaign(t, s, "p1", 1)

	released, err := s.Release(context.Background(), "p1", "never-won")
	require.NoError(t, err)
	require.False(t, released)
}

func TestReinitClearsWinners(t *testing.T) {
	s, mr := newTestStore(t)
	initCampaign(t, s, "p1", 2)

	_, err := s.Reserve(context.Background(), "p1", "u1")
	require.NoError(t, err)
	isWinner, err := mr.SIsMember("seckill:winners:p1", "u1")
	require.NoError(t, err)
	require.True(t, isWinner)

	initCampaign(t, s, "p1", 2)
	require.False(t, mr.Exists("seckill:winners:p1"))

	c, err := s.Status(context.Background(), "p1", time.Now())
	require.NoError(t, err)
	require.EqualValues(t, 2, c.StockRemaining)
}

func TestStatusReportsInactiveOutsideWindow(t *testing.T) {
	s, _ := newTestStore(t)
	start := time.Now().Add(time.Hour)
	end := time.Now().Add(2 * time.Hour)
	require.NoError(t, s.Init(context.Background(), "p1", 10, 5, start, end))

	c, err := s.Status(context.Background(), "p1", time.Now())
	require.NoError(t, err)
	require.False(t, c.IsActive)
}
