package queue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-pricing/internal/queue"
)

func TestBackoffDoubles(t *testing.T) {
	require.Equal(t, 10*time.Millisecond, queue.Backoff(10*time.Millisecond, 0, 0))
	require.Equal(t, 10*time.Millisecond, queue.Backoff(10*time.Millisecond, 1, 0))
	require.Equal(t, 40*time.Millisecond, queue.Backoff(10*time.Millisecond, 3, 0))
	require.Equal(t, 100*time.Millisecond, queue.Backoff(0, 1, 0))

	for i := 0; i < 50; i++ {
		d := queue.Backoff(100*time.Millisecond, 2, 0.1)
		require.GreaterOrEqual(t, d, 180*time.Millisecond)
		require.LessOrEqual(t, d, 220*time.Millisecond)
	}
}
