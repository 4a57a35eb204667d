package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Task is a unit of background work. Attempt is 1 on the first delivery.
type Task struct {
	Kind           string
	Payload        []byte
	IdempotencyKey string
	MaxAttempts    int
	Delay          time.Duration
	Attempt        int
}

// Enqueuer publishes tasks to Redis sorted-set queues scored by due time.
type Enqueuer struct {
	R           *redis.Client
	Prefix      string
	DedupTTL    time.Duration
	MaxAttempts int
}

// Enqueue schedules t. A task with an idempotency key is accepted once per
// deduplication window; duplicates are dropped without error.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) error {
	if e.R == nil {
		return errors.New("queue: redis client not configured")
	}
	kind := sanitizeKind(t.Kind)
	if kind == "" {
		return errors.New("queue: task kind is required")
	}
	msg := taskMessage{
		Kind:        kind,
		Key:         t.IdempotencyKey,
		Payload:     t.Payload,
		Attempt:     t.Attempt,
		MaxAttempts: t.MaxAttempts,
		AvailableAt: time.Now().Add(t.Delay).UnixNano(),
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = e.MaxAttempts
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = 10
	}

	if msg.Key != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		ok, err := e.R.SetNX(ctx, keys{e.Prefix}.dedup(kind, msg.Key), "1", ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := e.R.ZAdd(ctx, keys{e.Prefix}.queue(kind), redis.Z{Score: float64(msg.AvailableAt), Member: raw}).Err(); err != nil {
		return err
	}
	observeDepth(ctx, e.R, keys{e.Prefix}, kind)
	return nil
}

// Depth returns the number of tasks waiting in the queue of kind.
func (e Enqueuer) Depth(ctx context.Context, kind string) (int64, error) {
	if e.R == nil {
		return 0, errors.New("queue: redis client not configured")
	}
	return e.R.ZCard(ctx, keys{e.Prefix}.queue(sanitizeKind(kind))).Result()
}

func sanitizeKind(kind string) string {
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_', c == ':', c == '.':
		default:
			return ""
		}
	}
	return kind
}

// Worker consumes tasks of one kind.
type Worker struct {
	R                 *redis.Client
	Prefix            string
	Kind              string
	Concurrency       int
	VisibilityTimeout time.Duration
	// SoftDeadline bounds a single handler call. It defaults to the
	// visibility timeout and should stay below it.
	SoftDeadline time.Duration
	Handler      func(context.Context, Task) error
	RetryBase    time.Duration
	RetryJitter  float64
	// Store receives exhausted tasks. Without one they are pushed onto a
	// Redis list.
	Store  Store
	Logger *zerolog.Logger
}

// Run processes tasks until ctx is cancelled. In-flight tasks sit in a
// processing set scored by their visibility deadline and are redelivered when
// a worker dies holding them.
func (w Worker) Run(ctx context.Context) error {
	if w.R == nil {
		return errors.New("queue: worker redis client not configured")
	}
	if w.Handler == nil {
		return errors.New("queue: worker handler not configured")
	}
	kind := sanitizeKind(w.Kind)
	if kind == "" {
		return errors.New("queue: worker kind is required")
	}
	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	visibility := w.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	soft := w.SoftDeadline
	if soft <= 0 || soft > visibility {
		soft = visibility
	}
	if w.RetryBase <= 0 {
		w.RetryBase = 200 * time.Millisecond
	}
	k := keys{w.Prefix}
	queueKey, processingKey := k.queue(kind), k.processing(kind)

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	requeueTicker := time.NewTicker(time.Second)
	defer requeueTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-requeueTicker.C:
			if err := w.requeueExpired(ctx, processingKey, queueKey); err != nil && ctx.Err() == nil {
				return err
			}
		default:
		}

		res, err := w.R.ZPopMin(ctx, queueKey, 1).Result()
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			if errors.Is(err, redis.Nil) {
				sleep(ctx, 100*time.Millisecond)
				continue
			}
			return err
		}
		if len(res) == 0 {
			sleep(ctx, 100*time.Millisecond)
			continue
		}
		member, ok := res[0].Member.(string)
		if !ok {
			continue
		}
		msg, err := decodeMessage(member)
		if err != nil {
			w.logger().Warn().Err(err).Str("kind", kind).Msg("dropping undecodable task")
			continue
		}
		now := time.Now().UnixNano()
		if msg.AvailableAt > now {
			w.R.ZAdd(ctx, queueKey, redis.Z{Score: float64(msg.AvailableAt), Member: member})
			wait := time.Duration(msg.AvailableAt - now)
			if wait > time.Second {
				wait = time.Second
			}
			sleep(ctx, wait)
			continue
		}

		msg.Attempt++
		rawBytes, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		raw := string(rawBytes)
		deadline := time.Now().Add(visibility).UnixNano()
		if err := w.R.ZAdd(ctx, processingKey, redis.Z{Score: float64(deadline), Member: raw}).Err(); err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			return err
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(raw string, m taskMessage) {
			defer func() { <-sem }()
			defer wg.Done()
			jobCtx, cancel := context.WithTimeout(ctx, soft)
			defer cancel()
			err := w.Handler(jobCtx, Task{
				Kind:           kind,
				Payload:        m.Payload,
				IdempotencyKey: m.Key,
				MaxAttempts:    m.MaxAttempts,
				Attempt:        m.Attempt,
			})
			// Bookkeeping must survive the handler's deadline.
			bg := context.WithoutCancel(ctx)
			if err != nil {
				w.handleFailure(bg, queueKey, processingKey, raw, m, err)
				return
			}
			w.ack(bg, processingKey, raw, m)
		}(raw, msg)
	}
}

func (w Worker) handleFailure(ctx context.Context, queueKey, processingKey, raw string, msg taskMessage, cause error) {
	_ = w.R.ZRem(ctx, processingKey, raw).Err()
	if msg.MaxAttempts > 0 && msg.Attempt >= msg.MaxAttempts {
		w.deadLetter(ctx, msg, cause)
		return
	}
	delay := Backoff(w.RetryBase, msg.Attempt, w.RetryJitter)
	w.logger().Warn().Err(cause).
		Str("kind", msg.Kind).
		Int("attempt", msg.Attempt).
		Dur("retry_in", delay).
		Msg("task failed; retrying")
	countProcessed(msg.Kind, "retry")
	msg.AvailableAt = time.Now().Add(delay).UnixNano()
	rawBytes, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = w.R.ZAdd(ctx, queueKey, redis.Z{Score: float64(msg.AvailableAt), Member: string(rawBytes)}).Err()
}

func (w Worker) deadLetter(ctx context.Context, msg taskMessage, cause error) {
	countProcessed(msg.Kind, "dead")
	w.logger().Error().Err(cause).
		Str("kind", msg.Kind).
		Str("key", msg.Key).
		Int("attempt", msg.Attempt).
		Msg("task exhausted its attempts")
	rawBytes, err := json.Marshal(msg)
	if err != nil {
		return
	}
	k := keys{w.Prefix}
	if msg.Key != "" {
		_ = w.R.Del(ctx, k.dedup(msg.Kind, msg.Key)).Err()
	}
	if w.Store == nil {
		_ = w.R.LPush(ctx, k.dlq(msg.Kind), rawBytes).Err()
		return
	}
	lastError := cause.Error()
	if _, err := w.Store.InsertQueueDlq(ctx, DLQEntry{
		Kind:           msg.Kind,
		IdempotencyKey: msg.Key,
		Payload:        rawBytes,
		Attempts:       msg.Attempt,
		LastError:      &lastError,
	}); err != nil {
		w.logger().Error().Err(err).Str("kind", msg.Kind).Msg("dlq insert failed; keeping task in redis")
		_ = w.R.LPush(ctx, k.dlq(msg.Kind), rawBytes).Err()
		return
	}
	if QueueDLQSize != nil {
		QueueDLQSize.WithLabelValues(msg.Kind).Inc()
	}
}

func (w Worker) ack(ctx context.Context, processingKey, raw string, msg taskMessage) {
	_ = w.R.ZRem(ctx, processingKey, raw).Err()
	if msg.Key != "" {
		_ = w.R.Del(ctx, keys{w.Prefix}.dedup(msg.Kind, msg.Key)).Err()
	}
	countProcessed(msg.Kind, "ok")
}

func (w Worker) requeueExpired(ctx context.Context, processingKey, queueKey string) error {
	now := time.Now().UnixNano()
	due, err := w.R.ZRangeByScore(ctx, processingKey, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", now)}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	for _, raw := range due {
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		removed, err := w.R.ZRem(ctx, processingKey, raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		msg.AvailableAt = time.Now().UnixNano()
		encoded, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		w.logger().Warn().Str("kind", msg.Kind).Int("attempt", msg.Attempt).Msg("visibility timeout expired; redelivering")
		_ = w.R.ZAdd(ctx, queueKey, redis.Z{Score: float64(msg.AvailableAt), Member: encoded}).Err()
	}
	return nil
}

func (w Worker) logger() *zerolog.Logger {
	if w.Logger == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return w.Logger
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

type keys struct{ prefix string }

func (k keys) queue(kind string) string {
	if k.prefix == "" {
		return "queue:" + kind
	}
	return k.prefix + ":queue:" + kind
}

func (k keys) processing(kind string) string {
	if k.prefix == "" {
		return "queue:" + kind + ":processing"
	}
	return k.prefix + ":" + kind + ":processing"
}

func (k keys) dlq(kind string) string {
	if k.prefix == "" {
		return "queue:" + kind + ":dlq"
	}
	return k.prefix + ":" + kind + ":dlq"
}

func (k keys) dedup(kind, key string) string {
	if k.prefix == "" {
		return "queue:dedup:" + kind + ":" + key
	}
	return k.prefix + ":dedup:" + kind + ":" + key
}

func decodeMessage(raw string) (taskMessage, error) {
	var msg taskMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return taskMessage{}, err
	}
	return msg, nil
}

type taskMessage struct {
	Kind        string `json:"kind"`
	Key         string `json:"key,omitempty"`
	Payload     []byte `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	AvailableAt int64  `json:"available_at"`
}
