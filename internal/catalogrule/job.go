package catalogrule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-pricing/internal/lock"
	"github.com/noah-isme/toko-pricing/internal/queue"
)

// TaskKind is the queue kind of catalog compile chunks.
const TaskKind = "catalog.compile"

// SweepLockKey guards enqueueing of a full recompilation.
const SweepLockKey = "lock:catalog-sweep"

// ChunkPayload is the body of a compile task.
type ChunkPayload struct {
	SweepID    string  `json:"sweep_id"`
	ProductIDs []int64 `json:"product_ids"`
}

// TaskEnqueuer publishes queue tasks.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

// IDSource pages product ids.
type IDSource interface {
	ProductIDs(ctx context.Context, afterID int64, limit int) ([]int64, error)
}

// Planner splits a full catalog recompilation into queued chunks.
type Planner struct {
	IDs       IDSource
	Queue     TaskEnqueuer
	Locker    lock.Locker
	ChunkSize int
	LockTTL   time.Duration
	Logger    zerolog.Logger
}

// Sweep pages every product id and enqueues one task per chunk. Only one
// sweep plans at a time; a concurrent call returns lock.ErrHeld.
func (p *Planner) Sweep(ctx context.Context) (sweepID string, chunks int, err error) {
	if p.IDs == nil || p.Queue == nil {
		return "", 0, errors.New("catalogrule: planner not configured")
	}
	size := p.ChunkSize
	if size <= 0 {
		size = 100
	}
	ttl := p.LockTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	sweepID = uuid.NewString()
	err = p.Locker.TryWithLock(ctx, SweepLockKey, ttl, func(ctx context.Context) error {
		var after int64
		for {
			ids, err := p.IDs.ProductIDs(ctx, after, size)
			if err != nil {
				return fmt.Errorf("page product ids after %d: %w", after, err)
			}
			if len(ids) == 0 {
				return nil
			}
			if err := p.enqueue(ctx, sweepID, chunks, ids); err != nil {
				return err
			}
			chunks++
			after = ids[len(ids)-1]
		}
	})
	if err != nil {
		return "", chunks, err
	}
	p.Logger.Info().Str("sweep_id", sweepID).Int("chunks", chunks).Msg("catalog sweep enqueued")
	return sweepID, chunks, nil
}

// Products enqueues an ad-hoc recompilation of ids, for example after a
// product edit.
func (p *Planner) Products(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return p.enqueue(ctx, uuid.NewString(), 0, ids)
}

func (p *Planner) enqueue(ctx context.Context, sweepID string, seq int, ids []int64) error {
	body, err := json.Marshal(ChunkPayload{SweepID: sweepID, ProductIDs: ids})
	if err != nil {
		return err
	}
	return p.Queue.Enqueue(ctx, queue.Task{
		Kind:           TaskKind,
		Payload:        body,
		IdempotencyKey: fmt.Sprintf("%s:%d", sweepID, seq),
	})
}

// HandleTask compiles the chunk carried by a compile task. Products that
// compiled before a failure are simply recompiled on retry.
func (s *Sweeper) HandleTask(ctx context.Context, t queue.Task) error {
	var payload ChunkPayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		return fmt.Errorf("decode compile task: %w", err)
	}
	s.Logger.Debug().
		Str("sweep_id", payload.SweepID).
		Int("products", len(payload.ProductIDs)).
		Int("attempt", t.Attempt).
		Msg("compiling chunk")
	return s.Run(ctx, payload.ProductIDs)
}
