package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestThrottleSpacesRequests(t *testing.T) {
	t.Parallel()

	th := NewThrottle(100 * time.Millisecond)
	ctx := context.Background()

	// First call should be immediate.
	start := time.Now()
	require.NoError(t, th.Wait(ctx))
	require.Less(t, time.Since(start), 50*time.Millisecond)

	// Next one should wait ~100ms.
	start = time.Now()
	require.NoError(t, th.Wait(ctx))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestThrottleDisabled(t *testing.T) {
	t.Parallel()

	th := NewThrottle(0)
	start := time.Now()
	for range 5 {
		require.NoError(t, th.Wait(context.Background()))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Zero(t, th.Delay())
}

func TestThrottleHonorsCancellation(t *testing.T) {
	t.Parallel()

	th := NewThrottle(time.Hour)
	require.NoError(t, th.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, th.Wait(ctx))
}
