package spike

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerDeduplicates(t *testing.T) {
	keys := []string{"1", "2", "3", "4", "1", "2", "3", "4"}
	response := map[string]*big.Int{
		"1": big.NewInt(9031161740652627),
		"2": big.NewInt(336199114644976),
		"3": big.NewInt(336578093626181),
		"4": big.NewInt(10),
	}
	fetches := new(int32)
	fetcher := func(k string) FetchFunc[*big.Int] {
		return func(ctx context.Context) (*big.Int, error) {
			atomic.AddInt32(fetches, 1)
			time.Sleep(20 * time.Millisecond)
			return response[k], nil
		}
	}
	m := NewManager[*big.Int](500 * time.Millisecond)

	hammer := func() {
		wg := sync.WaitGroup{}
		for i := 0; i < 5; i++ {
			for _, k := range keys {
				wg.Add(1)
				go func(k string) {
					defer wg.Done()
					res, err := m.GetResult(context.Background(), k, fetcher(k))
					assert.NoError(t, err)
					assert.Equal(t, response[k], res)
				}(k)
			}
			<-time.After(10 * time.Millisecond)
		}
		wg.Wait()
	}

	hammer()
	require.Equal(t, int32(4), atomic.LoadInt32(fetches))

	<-time.After(600 * time.Millisecond)
	atomic.StoreInt32(fetches, 0)
	hammer()
	require.Equal(t, int32(4), atomic.LoadInt32(fetches))
}

func TestManagerDoesNotCacheErrors(t *testing.T) {
	errQuote := errors.New("quote unavailable")
	m := NewManager[int](time.Minute)
	calls := 0

	_, err := m.GetResult(context.Background(), "k", func(ctx context.Context) (int, error) {
		calls++
		return 0, errQuote
	})
	require.ErrorIs(t, err, errQuote)

	v, err := m.GetResult(context.Background(), "k", func(ctx context.Context) (int, error) {
		calls++
		return 7, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, v)
	require.Equal(t, 2, calls)

	m.Forget("k")
	v, err = m.GetResult(context.Background(), "k", func(ctx context.Context) (int, error) {
		calls++
		return 8, nil
	})
	require.NoError(t, err)
	require.Equal(t, 8, v)
}

func TestManagerCallerCancel(t *testing.T) {
	m := NewManager[int](time.Minute)
	release := make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.GetResult(ctx, "slow", func(ctx context.Context) (int, error) {
		<-release
		return 1, nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the detached fetch still completes and fills the cache
	close(release)
	require.Eventually(t, func() bool {
		v, ok := m.get("slow")
		return ok && v == 1
	}, time.Second, 5*time.Millisecond)
}
