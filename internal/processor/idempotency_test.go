package processor

import (
	"context"
	"testing"
	"time"

	"github.com/nimasrn/followup-gateway/pkg/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyService_Lifecycle(t *testing.T) {
	_, adapter := redis.NewTestAdapter(t)
	svc := NewIdempotencyService(adapter, DefaultIdempotencyConfig())
	ctx := context.Background()

	pc, err := svc.AcquireProcessingLock(ctx, "ext-1:2")
	require.NoError(t, err)

	_, err = svc.AcquireProcessingLock(ctx, "ext-1:2")
	assert.ErrorIs(t, err, ErrLockAcquireFailed)

	require.NoError(t, svc.MarkSuccess(ctx, pc))

	processed, err := svc.IsProcessed(ctx, "ext-1:2")
	require.NoError(t, err)
	assert.True(t, processed)

	_, err = svc.AcquireProcessingLock(ctx, "ext-1:2")
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestIdempotencyService_ReleaseAllowsRetry(t *testing.T) {
	_, adapter := redis.NewTestAdapter(t)
	svc := NewIdempotencyService(adapter, DefaultIdempotencyConfig())
	ctx := context.Background()

	pc, err := svc.AcquireProcessingLock(ctx, "ext-2:3")
	require.NoError(t, err)
	require.NoError(t, svc.ReleaseLock(ctx, pc))
	require.NoError(t, svc.ReleaseLock(ctx, pc))
	require.NoError(t, svc.ReleaseLock(ctx, nil))

	_, err = svc.AcquireProcessingLock(ctx, "ext-2:3")
	assert.NoError(t, err)
}

func TestIdempotencyService_LockExpires(t *testing.T) {
	mr, adapter := redis.NewTestAdapter(t)
	cfg := DefaultIdempotencyConfig()
	cfg.LockTTL = time.Second
	svc := NewIdempotencyService(adapter, cfg)
	ctx := context.Background()

	_, err := svc.AcquireProcessingLock(ctx, "ext-3:2")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	_, err = svc.AcquireProcessingLock(ctx, "ext-3:2")
	assert.NoError(t, err)
}

func TestIdempotencyService_ProcessedMarkerExpires(t *testing.T) {
	mr, adapter := redis.NewTestAdapter(t)
	cfg := DefaultIdempotencyConfig()
	cfg.ProcessedTTL = time.Hour
	svc := NewIdempotencyService(adapter, cfg)
	ctx := context.Background()

	pc, err := svc.AcquireProcessingLock(ctx, "ext-4:3")
	require.NoError(t, err)
	require.NoError(t, svc.MarkSuccess(ctx, pc))

	mr.FastForward(2 * time.Hour)
	processed, err := svc.IsProcessed(ctx, "ext-4:3")
	require.NoError(t, err)
	assert.False(t, processed)
}
