package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackbound/agentflow/common/logger"
)

func testLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client, logger.New("error", "json")), mr
}

func TestCheckCaller_AllowsUpToLimit(t *testing.T) {
	limiter, _ := testLimiter(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		res, err := limiter.CheckCaller(ctx, "alice", 3)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, i, res.CurrentCount)
		assert.Equal(t, int64(0), res.RetryAfterSeconds)
	}

	res, err := limiter.CheckCaller(ctx, "alice", 3)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(4), res.CurrentCount)
	assert.Equal(t, int64(3), res.Limit)
	assert.Greater(t, res.RetryAfterSeconds, int64(0))
}

func TestCheckCaller_BudgetsAreIndependent(t *testing.T) {
	limiter, _ := testLimiter(t)
	ctx := context.Background()

	res, err := limiter.CheckCaller(ctx, "alice", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = limiter.CheckCaller(ctx, "alice", 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = limiter.CheckCaller(ctx, "bob", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "another caller keeps their own budget")
}

func TestCheckCaller_WindowExpires(t *testing.T) {
	limiter, mr := testLimiter(t)
	ctx := context.Background()

	res, err := limiter.CheckCaller(ctx, "alice", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = limiter.CheckCaller(ctx, "alice", 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	mr.FastForward(61 * time.Second)

	res, err = limiter.CheckCaller(ctx, "alice", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.CurrentCount)
}

func TestCheckGlobal_SharedCounter(t *testing.T) {
	limiter, _ := testLimiter(t)
	ctx := context.Background()

	res, err := limiter.CheckGlobal(ctx, 2)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = limiter.CheckGlobal(ctx, 2)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = limiter.CheckGlobal(ctx, 2)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestReset_ClearsCounter(t *testing.T) {
	limiter, _ := testLimiter(t)
	ctx := context.Background()

	_, err := limiter.CheckCaller(ctx, "alice", 1)
	require.NoError(t, err)

	require.NoError(t, limiter.Reset(ctx, "rate_limit:caller:alice"))

	res, err := limiter.CheckCaller(ctx, "alice", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.CurrentCount)
}
