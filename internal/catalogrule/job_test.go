package catalogrule_test

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-pricing/internal/catalogrule"
	"github.com/noah-isme/toko-pricing/internal/lock"
	"github.com/noah-isme/toko-pricing/internal/queue"
)

type pagedIDs []int64

func (p pagedIDs) ProductIDs(_ context.Context, after int64, limit int) ([]int64, error) {
	out := []int64{}
	for _, id := range p {
		if id > after && len(out) < limit {
			out = append(out, id)
		}
	}
	return out, nil
}

type recordingQueue struct {
	mu    sync.Mutex
	tasks []queue.Task
}

func (q *recordingQueue) Enqueue(_ context.Context, t queue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	return nil
}

func newLocker(t *testing.T) (lock.Locker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return lock.Locker{R: client}, mr
}

func TestPlannerSweepChunksProductIDs(t *testing.T) {
	locker, mr := newLocker(t)
	q := &recordingQueue{}
	planner := &catalogrule.Planner{
		IDs:       pagedIDs{1, 2, 3, 4, 5},
		Queue:     q,
		Locker:    locker,
		ChunkSize: 2,
		Logger:    zerolog.Nop(),
	}

	sweepID, chunks, err := planner.Sweep(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, sweepID)
	require.Equal(t, 3, chunks)
	require.Len(t, q.tasks, 3)

	var got [][]int64
	for i, task := range q.tasks {
		require.Equal(t, catalogrule.TaskKind, task.Kind)
		require.Equal(t, sweepID+":"+strconv.Itoa(i), task.IdempotencyKey)
		var payload catalogrule.ChunkPayload
		require.NoError(t, json.Unmarshal(task.Payload, &payload))
		require.Equal(t, sweepID, payload.SweepID)
		got = append(got, payload.ProductIDs)
	}
	require.Equal(t, [][]int64{{1, 2}, {3, 4}, {5}}, got)
	require.False(t, mr.Exists(catalogrule.SweepLockKey))
}

func TestPlannerSweepSkipsWhileLocked(t *testing.T) {
	locker, mr := newLocker(t)
	require.NoError(t, mr.Set(catalogrule.SweepLockKey, "other-sweep"))
	q := &recordingQueue{}
	planner := &catalogrule.Planner{IDs: pagedIDs{1}, Queue: q, Locker: locker}

	_, _, err := planner.Sweep(context.Background())
	require.ErrorIs(t, err, lock.ErrHeld)
	require.Empty(t, q.tasks)
}

func TestHandleTaskCompilesChunkAndRetries(t *testing.T) {
	src, store, sweeper := newSweepFixture()
	body, err := json.Marshal(catalogrule.ChunkPayload{SweepID: "s1", ProductIDs: []int64{1, 2, 3}})
	require.NoError(t, err)
	task := queue.Task{Kind: catalogrule.TaskKind, Payload: body, Attempt: 1}

	require.Error(t, sweeper.HandleTask(context.Background(), task))
	_, err = store.Load(context.Background(), 1, 0)
	require.NoError(t, err)

	src.heal(2)
	task.Attempt = 2
	require.NoError(t, sweeper.HandleTask(context.Background(), task))
	for _, id := range []int64{1, 2, 3} {
		_, err := store.Load(context.Background(), id, 0)
		require.NoError(t, err)
	}

	require.Error(t, sweeper.HandleTask(context.Background(), queue.Task{Payload: []byte("{")}))
}

func TestCompileTasksFlowThroughQueue(t *testing.T) {
	src, store, sweeper := newSweepFixture()
	src.heal(2)
	locker, mr := newLocker(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	planner := &catalogrule.Planner{
		IDs:       pagedIDs{1, 2, 3},
		Queue:     queue.Enqueuer{R: client, Prefix: "pricing"},
		Locker:    locker,
		ChunkSize: 2,
	}
	_, chunks, err := planner.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, chunks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker := queue.Worker{
		R:                 client,
		Prefix:            "pricing",
		Kind:              catalogrule.TaskKind,
		Concurrency:       2,
		VisibilityTimeout: 5 * time.Second,
		Handler:           sweeper.HandleTask,
	}
	done := make(chan struct{})
	go func() {
		_ = worker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, id := range []int64{1, 2, 3} {
			if _, err := store.Load(context.Background(), id, 0); err != nil {
				return false
			}
		}
		return true
	}, 3*time.Second, 20*time.Millisecond)
	cancel()
	<-done
}
