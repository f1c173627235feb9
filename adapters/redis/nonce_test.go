package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/tx-plan-executor/nonce"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	red := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := red.Ping(ctx).Err(); err != nil {
		t.Skipf("redis is not available: %v", err)
	}
	return red
}

func TestNonceAllocator(t *testing.T) {
	ctx := context.Background()
	red := testRedis(t)
	account := common.HexToAddress("0x2000000000000000000000000000000000000002")

	sourceCalls := 0
	alloc := NewNonceAllocator(red, func(ctx context.Context, chain string, addr common.Address) (uint64, error) {
		sourceCalls++
		return 5, nil
	}, time.Minute, "nonce_test:")
	require.NoError(t, alloc.Reset(ctx, "ethereum", account))

	n, err := alloc.NextNonce(ctx, "ethereum", account)
	require.NoError(t, err)
	require.Equal(t, uint64(5), n)

	n, err = alloc.NextNonce(ctx, "ethereum", account)
	require.NoError(t, err)
	require.Equal(t, uint64(6), n)
	require.Equal(t, 1, sourceCalls)

	require.NoError(t, alloc.ReleaseNonce(ctx, "ethereum", account, 5))
	require.ErrorIs(t, alloc.ReleaseNonce(ctx, "ethereum", account, 5), nonce.ErrNotOutstanding)

	n, err = alloc.NextNonce(ctx, "ethereum", account)
	require.NoError(t, err)
	require.Equal(t, uint64(5), n)

	require.NoError(t, alloc.ConfirmNonce(ctx, "ethereum", account, 5))
	outstanding, err := alloc.Outstanding(ctx, "ethereum", account)
	require.NoError(t, err)
	require.Equal(t, int64(1), outstanding)

	// a nonce used outside of the allocator moves the counter
	require.NoError(t, alloc.ConfirmNonce(ctx, "ethereum", account, 10))
	n, err = alloc.NextNonce(ctx, "ethereum", account)
	require.NoError(t, err)
	require.Equal(t, uint64(11), n)

	require.NoError(t, alloc.Reset(ctx, "ethereum", account))
}

func TestNonceAllocatorConcurrent(t *testing.T) {
	ctx := context.Background()
	red := testRedis(t)
	account := common.HexToAddress("0x3000000000000000000000000000000000000003")
	alloc := NewNonceAllocator(red, func(ctx context.Context, chain string, addr common.Address) (uint64, error) {
		return 0, nil
	}, time.Minute, "nonce_test:")
	require.NoError(t, alloc.Reset(ctx, "ethereum", account))

	var (
		mu   sync.Mutex
		seen = make(map[uint64]struct{})
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				n, err := alloc.NextNonce(ctx, "ethereum", account)
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				if _, ok := seen[n]; ok {
					t.Errorf("nonce %d handed out twice", n)
				}
				seen[n] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 200)
	require.NoError(t, alloc.Reset(ctx, "ethereum", account))
}
