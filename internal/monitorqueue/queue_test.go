package monitorqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRedisQueueProcessesDueItems(t *testing.T) {
	ctx := context.Background()
	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	red := redis.NewClient(&redis.Options{Addr: "localhost:6379"})

	queue := NewRedisQueue(log, red, "monitorqueue_test")
	require.NoError(t, queue.CleanQueue(ctx))

	processed := make(chan string, 10)
	process := func(_ context.Context, transactionID string) error {
		processed <- transactionID
		return nil
	}

	require.NoError(t, queue.Schedule(ctx, "tx-now", time.Now()))

	loopCtx, cancel := context.WithCancel(ctx)
	wg := queue.StartProcessLoop(loopCtx, 1, process)

	select {
	case got := <-processed:
		require.Equal(t, "tx-now", got)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for item to be processed")
	}

	cancel()
	wg.Wait()
}

func TestRedisQueueDoesNotProcessBeforeDue(t *testing.T) {
	ctx := context.Background()
	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	red := redis.NewClient(&redis.Options{Addr: "localhost:6379"})

	queue := NewRedisQueue(log, red, "monitorqueue_test_future")
	require.NoError(t, queue.CleanQueue(ctx))

	processed := make(chan string, 10)
	process := func(_ context.Context, transactionID string) error {
		processed <- transactionID
		return nil
	}

	require.NoError(t, queue.Schedule(ctx, "tx-future", time.Now().Add(2*time.Second)))

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	queue.StartProcessLoop(loopCtx, 1, process)

	select {
	case <-processed:
		t.Fatal("item processed before its due time")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestRedisQueueRetriesOnRetryLater(t *testing.T) {
	ctx := context.Background()
	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	red := redis.NewClient(&redis.Options{Addr: "localhost:6379"})

	queue := NewRedisQueue(log, red, "monitorqueue_test_retry")
	queue.MinRecheckInterval = 10 * time.Millisecond
	queue.MaxRecheckInterval = 50 * time.Millisecond
	require.NoError(t, queue.CleanQueue(ctx))

	var calls int
	process := func(_ context.Context, _ string) error {
		calls++
		if calls < 3 {
			return ErrProcessRetryLater
		}
		return nil
	}

	require.NoError(t, queue.Schedule(ctx, "tx-retry", time.Now()))

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	queue.StartProcessLoop(loopCtx, 1, process)

	require.Eventually(t, func() bool { return calls >= 3 }, 3*time.Second, 20*time.Millisecond)
}

func TestRedisQueueFullRejectsSchedule(t *testing.T) {
	ctx := context.Background()
	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	red := redis.NewClient(&redis.Options{Addr: "localhost:6379"})

	queue := NewRedisQueue(log, red, "monitorqueue_test_full")
	queue.MaxUnprocessedItems = 1
	require.NoError(t, queue.CleanQueue(ctx))

	require.NoError(t, queue.Schedule(ctx, "tx-1", time.Now().Add(time.Hour)))
	err = queue.Schedule(ctx, "tx-2", time.Now().Add(time.Hour))
	require.True(t, errors.Is(err, ErrQueueFull))
}
