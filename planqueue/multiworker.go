package planqueue

import (
	"context"

	"golang.org/x/time/rate"
)

// MultipleWorkers creates n workers that share one rate limiter, so a node runs up to n plans at a time
// without starting more than limit per second.
// ProcessFunc must be thread safe.
func MultipleWorkers(processFunc ProcessFunc, n int, limit rate.Limit, burst int) []ProcessFunc {
	rateLimiter := rate.NewLimiter(limit, burst)

	process := make([]ProcessFunc, n)
	for i := 0; i < n; i++ {
		process[i] = func(ctx context.Context, data []byte) error {
			err := rateLimiter.Wait(ctx)
			if err != nil {
				return err
			}
			return processFunc(ctx, data)
		}
	}
	return process
}
