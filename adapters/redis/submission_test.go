package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmissionCache(t *testing.T) {
	ctx := context.Background()
	red := testRedis(t)
	cache := NewSubmissionCache(red, time.Minute, "submission_test:")
	require.NoError(t, cache.Forget(ctx, "plan-1"))

	fresh, err := cache.MarkSubmitted(ctx, "plan-1")
	require.NoError(t, err)
	require.True(t, fresh)

	fresh, err = cache.MarkSubmitted(ctx, "plan-1")
	require.NoError(t, err)
	require.False(t, fresh)

	require.NoError(t, cache.Forget(ctx, "plan-1"))
	fresh, err = cache.MarkSubmitted(ctx, "plan-1")
	require.NoError(t, err)
	require.True(t, fresh)
	require.NoError(t, cache.Forget(ctx, "plan-1"))
}
