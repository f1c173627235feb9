package planqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func newTestQueue(t *testing.T, cfg Config) *RedisQueue {
	t.Helper()
	red := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := red.Ping(pingCtx).Err(); err != nil {
		t.Skipf("redis is not available: %v", err)
	}

	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	queue := NewRedisQueue(log, red, "planqueue_test", cfg)
	require.NoError(t, queue.CleanQueues(context.Background()))
	t.Cleanup(func() {
		_ = queue.CleanQueues(context.Background())
		_ = red.Close()
	})
	return queue
}

func TestRedisQueue(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig
	cfg.RetryDelay = 10 * time.Millisecond
	queue := newTestQueue(t, cfg)

	processed := make(chan []byte, 10)
	nextProcessed := func() []byte {
		select {
		case data := <-processed:
			return data
		case <-time.After(3 * time.Second):
			t.Fatal("timeout")
		}
		return nil
	}
	processOk := func(ctx context.Context, data []byte) error {
		processed <- data
		return nil
	}

	// test that queue can be cancelled
	t.Run("empty queue cancel", func(t *testing.T) {
		procCtx, procCancel := context.WithCancel(ctx)
		wg := queue.StartProcessLoop(procCtx, []ProcessFunc{processOk})

		// wait so code gets to the blocking pop operation
		time.Sleep(10 * time.Millisecond)

		procCancel()
		wg.Wait()
		require.NoError(t, queue.CleanQueues(ctx))
	})

	t.Run("normal processing", func(t *testing.T) {
		procCtx, procCancel := context.WithCancel(ctx)
		wg := queue.StartProcessLoop(procCtx, []ProcessFunc{processOk})

		require.NoError(t, queue.Push(ctx, []byte("test"), false))
		require.Equal(t, "test", string(nextProcessed()))

		procCancel()
		wg.Wait()
		require.NoError(t, queue.CleanQueues(ctx))
	})

	t.Run("multiple workers", func(t *testing.T) {
		procCtx, procCancel := context.WithCancel(ctx)
		workers := MultipleWorkers(processOk, 10, rate.Inf, 1)
		wg := queue.StartProcessLoop(procCtx, workers)

		for i := 0; i < 10; i++ {
			require.NoError(t, queue.Push(ctx, []byte("test-multiple"), false))
		}
		for i := 0; i < 10; i++ {
			require.Equal(t, "test-multiple", string(nextProcessed()))
		}
		procCancel()
		wg.Wait()
		require.NoError(t, queue.CleanQueues(ctx))
	})

	t.Run("high priority first", func(t *testing.T) {
		require.NoError(t, queue.Push(ctx, []byte("low"), false))
		require.NoError(t, queue.Push(ctx, []byte("high"), true))

		procCtx, procCancel := context.WithCancel(ctx)
		wg := queue.StartProcessLoop(procCtx, []ProcessFunc{processOk})
		require.Equal(t, "high", string(nextProcessed()))
		require.Equal(t, "low", string(nextProcessed()))

		procCancel()
		wg.Wait()
		require.NoError(t, queue.CleanQueues(ctx))
	})

	t.Run("queue push", func(t *testing.T) {
		queue.cfg.MaxQueuedItemsLowPrio = 3
		queue.cfg.MaxQueuedItemsHighPrio = 4
		defer func() { queue.cfg = cfg }()

		for i := 0; i < 3; i++ {
			require.NoError(t, queue.Push(ctx, []byte("test-full"), false))
		}
		queued, err := queue.queuedItems(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(3), queued)

		// adding 4th item fails
		require.ErrorIs(t, queue.Push(ctx, []byte("test-full"), false), ErrQueueFull)
		// adding 4th high prio item ok
		require.NoError(t, queue.Push(ctx, []byte("test-full"), true))
		// adding 5th high prio item fails
		require.ErrorIs(t, queue.Push(ctx, []byte("test-full"), true), ErrQueueFull)

		queued, err = queue.queuedItems(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(4), queued)
		require.NoError(t, queue.CleanQueues(ctx))
	})

	t.Run("worker error requeues", func(t *testing.T) {
		var calls int32
		processFlaky := func(ctx context.Context, data []byte) error {
			if atomic.AddInt32(&calls, 1) == 1 {
				return ErrProcessWorkerError
			}
			processed <- data
			return nil
		}

		procCtx, procCancel := context.WithCancel(ctx)
		wg := queue.StartProcessLoop(procCtx, []ProcessFunc{processFlaky})
		require.NoError(t, queue.Push(ctx, []byte("test-retry"), false))
		require.Equal(t, "test-retry", string(nextProcessed()))
		require.Equal(t, int32(2), atomic.LoadInt32(&calls))

		procCancel()
		wg.Wait()
		require.NoError(t, queue.CleanQueues(ctx))
	})

	t.Run("unrecoverable items are dropped", func(t *testing.T) {
		var calls int32
		processBroken := func(ctx context.Context, data []byte) error {
			if string(data) == "broken" {
				atomic.AddInt32(&calls, 1)
				return errors.Join(errors.New("bad payload"), ErrProcessUnrecoverable) //nolint:goerr113
			}
			processed <- data
			return nil
		}

		procCtx, procCancel := context.WithCancel(ctx)
		wg := queue.StartProcessLoop(procCtx, []ProcessFunc{processBroken})
		require.NoError(t, queue.Push(ctx, []byte("broken"), true))
		require.NoError(t, queue.Push(ctx, []byte("fine"), false))
		require.Equal(t, "fine", string(nextProcessed()))
		require.Equal(t, int32(1), atomic.LoadInt32(&calls))

		queued, err := queue.queuedItems(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(0), queued)

		procCancel()
		wg.Wait()
		require.NoError(t, queue.CleanQueues(ctx))
	})

	t.Run("stale items are skipped", func(t *testing.T) {
		queue.now = func() time.Time { return time.Now().Add(-2 * cfg.MaxItemAge) }
		require.NoError(t, queue.Push(ctx, []byte("test-stale"), false))
		queue.now = time.Now
		require.NoError(t, queue.Push(ctx, []byte("test-new"), false))

		procCtx, procCancel := context.WithCancel(ctx)
		wg := queue.StartProcessLoop(procCtx, []ProcessFunc{processOk})
		require.Equal(t, "test-new", string(nextProcessed()))

		procCancel()
		wg.Wait()
		require.NoError(t, queue.CleanQueues(ctx))
	})
}
