package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"mirapay/internal/apperr"
	"mirapay/internal/events"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func newCache(t *testing.T) (*miniredis.Miniredis, *Cache) {
	t.Helper()
	mr, rdb := newRedis(t)
	logger, _ := test.NewNullLogger()
	return mr, New(rdb, time.Minute, logger)
}

// seed writes value under key the way a cache fill does
func seed(t *testing.T, mr *miniredis.Miniredis, key string, value any) {
	t.Helper()
	b, err := json.Marshal(value)
	require.NoError(t, err)
	require.NoError(t, mr.Set(key, string(b)))
	mr.SetTTL(key, time.Minute)
}

type view struct {
	ID      uint   `json:"id"`
	Balance string `json:"balance"`
}

func TestGetDelete(t *testing.T) {
	mr, c := newCache(t)
	ctx := context.Background()

	var got view
	hit, err := c.Get(ctx, AccountKey(1), &got)
	require.NoError(t, err)
	assert.False(t, hit)

	seed(t, mr, AccountKey(1), view{ID: 1, Balance: "10.00"})
	hit, err = c.Get(ctx, AccountKey(1), &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, view{ID: 1, Balance: "10.00"}, got)

	require.NoError(t, c.Delete(ctx, AccountKey(1)))
	assert.False(t, mr.Exists(AccountKey(1)))
}

func TestDeletePrefix(t *testing.T) {
	mr, c := newCache(t)
	ctx := context.Background()
	for page := 1; page <= 3; page++ {
		seed(t, mr, HistoryKey(7, page, 20), []int{page})
	}
	seed(t, mr, HistoryKey(70, 1, 20), []int{1})

	n, err := c.DeletePrefix(ctx, HistoryPrefix(7))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, mr.Exists(HistoryKey(70, 1, 20)))
}

func TestRememberAccount(t *testing.T) {
	_, c := newCache(t)
	ctx := context.Background()
	loads := 0
	load := func() (view, error) {
		loads++
		return view{ID: 3, Balance: "1.50"}, nil
	}

	for i := 0; i < 3; i++ {
		v, err := RememberAccount(ctx, c, 3, AccountKey(3), load)
		require.NoError(t, err)
		assert.Equal(t, uint(3), v.ID)
	}
	assert.Equal(t, 1, loads)

	_, err := RememberAccount(ctx, c, 4, AccountKey(4), func() (view, error) { return view{}, errors.New("boom") })
	assert.Error(t, err)

	v, err := RememberAccount(ctx, (*Cache)(nil), 3, AccountKey(3), load)
	require.NoError(t, err)
	assert.Equal(t, "1.50", v.Balance)
	assert.Equal(t, 2, loads)
}

func TestRememberFallsThroughWhenRedisIsDown(t *testing.T) {
	mr, c := newCache(t)
	mr.Close()

	v, err := RememberAccount(context.Background(), c, 1, AccountKey(1), func() (view, error) { return view{ID: 1}, nil })
	require.NoError(t, err)
	assert.Equal(t, uint(1), v.ID)
}

func TestRememberAccountDropsFillThatRacedAWrite(t *testing.T) {
	mr, c := newCache(t)
	ctx := context.Background()

	balance := "1000.00"
	loads := 0
	load := func() (view, error) {
		loads++
		v := view{ID: 1, Balance: balance}
		if loads == 1 {
			// a deposit commits and is invalidated while this read is in flight
			balance = "1500.00"
			_, err := c.InvalidateAccount(ctx, 1)
			require.NoError(t, err)
		}
		return v, nil
	}

	v, err := RememberAccount(ctx, c, 1, AccountKey(1), load)
	require.NoError(t, err)
	assert.Equal(t, "1000.00", v.Balance)
	assert.False(t, mr.Exists(AccountKey(1)))

	for i := 0; i < 2; i++ {
		v, err = RememberAccount(ctx, c, 1, AccountKey(1), load)
		require.NoError(t, err)
		assert.Equal(t, "1500.00", v.Balance)
	}
	assert.Equal(t, 2, loads)
	assert.Equal(t, time.Minute, mr.TTL(AccountKey(1)))
}

func TestRememberAccountCachesUntilInvalidated(t *testing.T) {
	mr, c := newCache(t)
	ctx := context.Background()
	loads := 0
	load := func() (view, error) { loads++; return view{ID: 2}, nil }

	for i := 0; i < 2; i++ {
		_, err := RememberAccount(ctx, c, 2, HistoryKey(2, 1, 20), load)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, loads)

	n, err := c.InvalidateAccount(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	gen, err := mr.Get(GenerationKey(2))
	require.NoError(t, err)
	assert.Equal(t, "1", gen)

	_, err = RememberAccount(ctx, c, 2, HistoryKey(2, 1, 20), load)
	require.NoError(t, err)
	assert.Equal(t, 2, loads)
	assert.True(t, mr.Exists(HistoryKey(2, 1, 20)))

	v, err := RememberAccount(ctx, (*Cache)(nil), 2, AccountKey(2), load)
	require.NoError(t, err)
	assert.Equal(t, uint(2), v.ID)
	_, err = (*Cache)(nil).InvalidateAccount(ctx, 2)
	assert.NoError(t, err)
}

func TestInvalidatorDropsAccountReads(t *testing.T) {
	mr, c := newCache(t)
	seed(t, mr, AccountKey(5), view{ID: 5})
	seed(t, mr, HistoryKey(5, 1, 20), []int{1})
	seed(t, mr, AccountKey(6), view{ID: 6})

	inv := NewInvalidator(c, time.Second)
	inv.Handle(events.New(events.CredentialIssued, 1, 5, nil))
	assert.True(t, mr.Exists(AccountKey(5)))

	inv.Handle(events.New(events.BalanceChanged, 1, 5, nil))
	assert.False(t, mr.Exists(AccountKey(5)))
	assert.False(t, mr.Exists(HistoryKey(5, 1, 20)))
	assert.True(t, mr.Exists(AccountKey(6)))
}

func TestLoginLimiter(t *testing.T) {
	mr, rdb := newRedis(t)
	l := NewLoginLimiter(rdb, 2, time.Minute)
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "ada@example.com"))
	require.NoError(t, l.Allow(ctx, "ADA@example.com"))
	err := l.Allow(ctx, "ada@example.com")
	require.Error(t, err)
	assert.Equal(t, apperr.RateLimited, apperr.KindOf(err))
	var limitErr *LimitError
	require.True(t, errors.As(err, &limitErr))
	assert.True(t, limitErr.RetryAfter > 0 && limitErr.RetryAfter <= time.Minute)

	assert.NoError(t, l.Allow(ctx, "other@example.com"))

	mr.FastForward(time.Minute + time.Second)
	assert.NoError(t, l.Allow(ctx, "ada@example.com"))
}

func TestLoginLimiterDisabled(t *testing.T) {
	_, rdb := newRedis(t)
	l := NewLoginLimiter(rdb, 0, time.Minute)
	for i := 0; i < 5; i++ {
		assert.NoError(t, l.Allow(context.Background(), "ada@example.com"))
	}
}
