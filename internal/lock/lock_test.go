package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

func exerciseClaimer(t *testing.T, c Claimer) {
	t.Helper()
	ctx := context.Background()

	release, ok, err := c.TryClaim(ctx, "t/a1/c1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = c.TryClaim(ctx, "t/a1/c1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "held key")

	_, ok, err = c.TryClaim(ctx, "t/a1/c2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "independent key")

	release()
	release2, ok, err := c.TryClaim(ctx, "t/a1/c1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "released key")
	// A stale release must not drop the new holder.
	release()
	_, ok, _ = c.TryClaim(ctx, "t/a1/c1", time.Minute)
	require.False(t, ok)
	release2()
}

func TestMemoryClaimer(t *testing.T) {
	t.Parallel()
	exerciseClaimer(t, NewMemory())
}

func TestMemoryClaimExpires(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	now := time.Now()
	m.clock = func() time.Time { return now }
	_, ok, _ := m.TryClaim(context.Background(), "k", time.Second)
	require.True(t, ok)

	now = now.Add(time.Second)
	require.Equal(t, 1, m.Prune())
	require.Equal(t, 0, m.Len())
}

func TestMemoryClaimSingleWinner(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := m.TryClaim(context.Background(), "same", time.Minute); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())
}

func TestRedisClaimer(t *testing.T) {
	t.Parallel()

	_, client := setupTestRedis(t)
	r := NewRedis(client, "test")
	require.NoError(t, r.Ping(context.Background()))
	exerciseClaimer(t, r)
}

func TestRedisClaimTTL(t *testing.T) {
	t.Parallel()

	mr, client := setupTestRedis(t)
	r := NewRedis(client, "")
	_, ok, err := r.TryClaim(context.Background(), "k", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, mr.Exists("promobot:claim:k"))

	mr.FastForward(31 * time.Second)
	_, ok, err = r.TryClaim(context.Background(), "k", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok, "expired claim is reclaimable")
}

func TestRedisClaimError(t *testing.T) {
	t.Parallel()

	mr, client := setupTestRedis(t)
	mr.Close()
	_, ok, err := NewRedis(client, "x").TryClaim(context.Background(), "k", time.Second)
	require.Error(t, err)
	require.False(t, ok)
}
