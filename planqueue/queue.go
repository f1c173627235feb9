// Package planqueue is the plan intake queue, it uses redis as a backend.
//
// Queue uses one sorted set in redis to store items. The score of an item is the unix second after which it may be
// processed. High priority items that are due are scored HighPriorityLead earlier so they overtake low priority items
// submitted around the same time. Items with the same score are ordered lexicographically by the packed value:
//   - high priority
//   - number of retries while processing this item
//   - time of submission
//   - payload data itself
//
// Usage:
// 1. Create a new queue instance with `NewRedisQueue`.
// 2. Start processing loop with `StartProcessLoop`.
// 3. Push items to the queue with `Push`.
//
// NOTE: Queue is not 100% reliable.
//
//	An item is lost when the worker that claimed it crashes. Workers don't hold more items than they are processing,
//	so at most one item per worker can be lost in a catastrophic event.
//
// Processing:
//
//  1. One goroutine is started for every `ProcessFunc` passed to `StartProcessLoop`.
//  2. The worker pops the lowest scored item. If its not-before time is still ahead the item is pushed back and the
//     worker sleeps until it is due, for at most a second.
//  3. Items older than MaxItemAge are dropped as stale.
//  4. `ProcessFunc` returns:
//     * `nil` when the item was handled, whatever the plan outcome.
//     * `ErrProcessWorkerError` when the item should be retried after RetryDelay, up to MaxRetries times.
//     * `ErrProcessUnrecoverable` when the item can never be processed, it is dropped.
//
// Shutdown: cancel the context passed to `StartProcessLoop` and wait on the returned WaitGroup.
package planqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flashbots/tx-plan-executor/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrQueueFull         = errors.New("queue is full")
	ErrMaxRetriesReached = errors.New("max retries reached")
	ErrRequeueFailed     = errors.New("item requeue failed")
)

// Errors returned by ProcessFunc.
var (
	// ErrProcessWorkerError is returned by ProcessFunc if item should be retried later, possibly by a different worker.
	ErrProcessWorkerError = errors.New("worker error, retry processing later")
	// ErrProcessUnrecoverable is returned by ProcessFunc if item should be dropped.
	ErrProcessUnrecoverable = errors.New("item can not be processed")
)

type ProcessFunc func(ctx context.Context, data []byte) error

type Queue interface {
	Push(ctx context.Context, data []byte, highPriority bool) error
	StartProcessLoop(ctx context.Context, workers []ProcessFunc) *sync.WaitGroup
}

type RedisQueue struct {
	log       *zap.Logger
	red       *redis.Client
	queueName string
	cfg       Config

	now func() time.Time
}

func NewRedisQueue(log *zap.Logger, red *redis.Client, queueName string, cfg Config) *RedisQueue {
	return &RedisQueue{
		log:       log.With(zap.String("queue", queueName)),
		red:       red,
		queueName: queueName,
		cfg:       cfg,
		now:       time.Now,
	}
}

func (s *RedisQueue) Push(ctx context.Context, data []byte, highPriority bool) error {
	now := s.now()
	args := packArgs{
		data:         data,
		notBefore:    now,
		highPriority: highPriority,
		timestamp:    now,
		iteration:    0,
	}
	err := s.pushToQueue(ctx, args)
	if err != nil {
		return err
	}
	s.log.Debug("pushed to queue", zap.Bool("high_priority", highPriority), zap.Int("size", len(data)))
	return nil
}

// returns number of items in the queue that should be eventually processed
func (s *RedisQueue) queuedItems(ctx context.Context) (uint64, error) {
	return s.red.ZCard(ctx, s.queueName).Uint64()
}

func (s *RedisQueue) pushToQueue(ctx context.Context, args packArgs) error {
	queued, err := s.queuedItems(ctx)
	if err != nil {
		s.log.Warn("failed to get queued items", zap.Error(err))
		return err
	}
	threshold := s.cfg.MaxQueuedItemsLowPrio
	if args.highPriority {
		threshold = s.cfg.MaxQueuedItemsHighPrio
	}
	if queued >= threshold {
		s.log.Error("too many unprocessed items in the queue", zap.Uint64("queued", queued), zap.Uint64("max_queued_items", threshold))
		metrics.IncQueueFullPlans()
		return ErrQueueFull
	}

	score := scoreOf(args, s.now(), s.cfg.HighPriorityLead)
	err = s.red.ZAdd(ctx, s.queueName, redis.Z{Score: score, Member: packData(args)}).Err()
	if err != nil {
		s.log.Debug("failed to push to queue", zap.Error(err))
	}
	return err
}

// popFromQueue pops an item from the queue
// it will block for up to 1 second waiting for an item if a queue is empty
func (s *RedisQueue) popFromQueue(ctx context.Context) (packArgs, error) {
	value, err := s.red.BZPopMin(ctx, time.Second, s.queueName).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) {
			s.log.Error("failed to pop from queue", zap.Error(err))
		}
		return packArgs{}, err
	}

	redisData, ok := value.Member.(string)
	if !ok {
		s.log.Error("failed to pop from queue, invalid data type")
		return packArgs{}, errInvalidPackedData
	}

	args, err := unpackData([]byte(redisData))
	if err != nil {
		s.log.Error("failed to unpack data", zap.Error(err))
		return packArgs{}, err
	}
	return args, nil
}

func (s *RedisQueue) processNextItem(ctx context.Context, process ProcessFunc) error {
	// we use this backoff for requeuing items because It's important to not lose items
	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = 4 * time.Second
	back := backoff.WithContext(exp, ctx)

	args, err := s.popFromQueue(ctx)
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, errInvalidPackedData) {
			return nil
		}
		return err
	}

	now := s.now()
	if s.cfg.MaxItemAge > 0 && now.Sub(args.timestamp) > s.cfg.MaxItemAge {
		s.log.Debug("skipping stale item", zap.Time("submitted_at", args.timestamp), zap.Uint16("iteration", args.iteration))
		metrics.IncQueueDroppedPlans()
		return nil
	}

	// too early to process, requeue and wait for it
	if wait := args.notBefore.Sub(now); wait > 0 {
		if err := s.retryItem(ctx, args, false, back); err != nil {
			return err
		}
		if wait > time.Second {
			wait = time.Second
		}
		return sleepCtx(ctx, wait)
	}

	workerCtx, workerCancel := context.WithTimeout(ctx, s.cfg.WorkerTimeout)
	defer workerCancel()
	startAt := time.Now()
	err = process(workerCtx, args.data)
	metrics.RecordQueueProcessDuration(time.Since(startAt).Milliseconds())

	switch {
	case errors.Is(err, ErrProcessUnrecoverable):
		s.log.Warn("dropping unprocessable item", zap.Error(err), zap.Uint16("iteration", args.iteration))
		metrics.IncQueueDroppedPlans()
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrProcessWorkerError):
		s.log.Warn("worker failed to process item, retrying", zap.Error(err), zap.Uint16("iteration", args.iteration))
		args.notBefore = s.now().Add(s.cfg.RetryDelay)
		if err := s.retryItem(ctx, args, true, back); err != nil {
			return err
		}
		metrics.IncQueueRequeuedPlans()
	case err != nil:
		return err
	}
	s.log.Debug("processed queue item", zap.Uint16("iteration", args.iteration), zap.Duration("time_in_queue", time.Since(args.timestamp)))
	return nil
}

// StartProcessLoop starts a loop that will process items from the queue
// it will spawn a goroutine for each worker.
// ctx can be used to signal shutdown
// Wait group is returned to allow for graceful shutdown
func (s *RedisQueue) StartProcessLoop(ctx context.Context, workers []ProcessFunc) *sync.WaitGroup {
	var wg sync.WaitGroup
	for _, process := range workers {
		wg.Add(1)
		go func(process ProcessFunc) {
			defer wg.Done()

			exp := backoff.NewExponentialBackOff()
			exp.MaxInterval = 30 * time.Second
			exp.MaxElapsedTime = 2 * time.Minute
			back := backoff.WithContext(exp, ctx)
			for {
				select {
				case <-ctx.Done():
					return
				default:
					err := backoff.Retry(func() error {
						return s.processNextItem(ctx, process)
					}, back)
					if err != nil && !errors.Is(err, context.Canceled) {
						s.log.Error("Processing next element failed", zap.Error(err))
					}
				}
			}
		}(process)
	}
	return &wg
}

func (s *RedisQueue) retryItem(ctx context.Context, args packArgs, incrIteration bool, back backoff.BackOff) error {
	if incrIteration {
		if args.iteration >= s.cfg.MaxRetries {
			metrics.IncQueueDroppedPlans()
			return ErrMaxRetriesReached
		}
		args.iteration++
	}
	err := backoff.Retry(func() error {
		return s.pushToQueue(ctx, args)
	}, back)
	if err != nil {
		s.log.Error("failed to requeue item", zap.Error(err))
		return errors.Join(err, ErrRequeueFailed)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CleanQueues cleans all data in redis associated with the given queue
// NOTE: slow and dangerous operation, should only be used for testing
func (s *RedisQueue) CleanQueues(ctx context.Context) error {
	return s.red.Del(ctx, s.queueName).Err()
}
