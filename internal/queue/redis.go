package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/embermail/embermail/internal/metrics"
)

// RedisBroker implements Broker on Redis lists and a sorted set. Layout:
//
//	<ns>:jobs:ready           list, LPUSH/BLMOVE
//	<ns>:jobs:processing:<id> per-consumer list, entries in flight
//	<ns>:jobs:delayed         zset scored by visible-at (unix ms)
//	<ns>:jobs:dead            list, exhausted or dead-lettered jobs
//
// A job is moved atomically from ready into a processing list while its
// handler runs and removed only on acknowledgment, so a consumer crash
// leaves the entry reclaimable rather than lost. The go-redis client
// reconnects on its own; Declare re-verifies the connection and reclaims
// orphaned processing entries before consumption resumes.
type RedisBroker struct {
	config Config
	client *redis.Client
	logger *slog.Logger

	moverOnce sync.Once
	stopCh    chan struct{}
	closeOnce sync.Once

	// connected is read by publishers and consumers while the Consume
	// error path re-runs Declare, so plain bool access would race.
	connected atomic.Bool
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker creates a Redis-backed broker
func NewRedisBroker(config Config) *RedisBroker {
	config.applyDefaults()
	return &RedisBroker{
		config: config,
		logger: slog.Default().With("component", "queue-redis"),
		stopCh: make(chan struct{}),
	}
}

func (b *RedisBroker) keyReady() string      { return b.config.Namespace + ":jobs:ready" }
func (b *RedisBroker) keyDelayed() string    { return b.config.Namespace + ":jobs:delayed" }
func (b *RedisBroker) keyDead() string       { return b.config.Namespace + ":jobs:dead" }
func (b *RedisBroker) keyProcessing(consumer string) string {
	return b.config.Namespace + ":jobs:processing:" + consumer
}

// Declare connects, verifies the transport and reclaims any processing
// entries left behind by dead consumers.
func (b *RedisBroker) Declare(ctx context.Context) error {
	if b.client == nil {
		b.client = redis.NewClient(&redis.Options{
			Addr:     b.config.URL,
			Password: b.config.Password,
			DB:       b.config.Database,
		})
	}

	if err := b.client.Ping(ctx).Err(); err != nil {
		b.connected.Store(false)
		return fmt.Errorf("failed to connect to queue transport: %w", err)
	}
	b.connected.Store(true)

	if err := b.reclaimOrphans(ctx); err != nil {
		b.logger.Warn("failed to reclaim orphaned jobs", "error", err)
	}
	return nil
}

// reclaimOrphans moves entries from stale processing lists back to ready.
func (b *RedisBroker) reclaimOrphans(ctx context.Context) error {
	pattern := b.config.Namespace + ":jobs:processing:*"
	iter := b.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		for {
			_, err := b.client.RPopLPush(ctx, key, b.keyReady()).Result()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return err
			}
			b.logger.Info("reclaimed orphaned job", "processing_list", key)
		}
	}
	return iter.Err()
}

// Publish enqueues a job; the LPUSH reply is the durable-write ack.
func (b *RedisBroker) Publish(ctx context.Context, job Job) error {
	if !b.connected.Load() {
		return ErrNotConnected
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	data, err := job.encode()
	if err != nil {
		return err
	}
	if err := b.client.LPush(ctx, b.keyReady(), data).Err(); err != nil {
		return fmt.Errorf("failed to publish job %s: %w", job.MessageID, err)
	}
	return nil
}

// Retry schedules a job on the delayed path, visible no sooner than delay.
func (b *RedisBroker) Retry(ctx context.Context, job Job, delay time.Duration) error {
	if !b.connected.Load() {
		return ErrNotConnected
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	data, err := job.encode()
	if err != nil {
		return err
	}
	visibleAt := time.Now().Add(delay).UnixMilli()
	err = b.client.ZAdd(ctx, b.keyDelayed(), redis.Z{
		Score:  float64(visibleAt),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule delayed job %s: %w", job.MessageID, err)
	}
	return nil
}

// startMover launches the goroutine that promotes due delayed entries
// onto the ready queue. Runs once per broker.
func (b *RedisBroker) startMover() {
	b.moverOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-b.stopCh:
					return
				case <-ticker.C:
					if err := b.moveDue(context.Background()); err != nil {
						b.logger.Error("failed to promote delayed jobs", "error", err)
					}
				}
			}
		}()
	})
}

func (b *RedisBroker) moveDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	entries, err := b.client.ZRangeByScore(ctx, b.keyDelayed(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: 100,
	}).Result()
	if err != nil {
		return err
	}

	for _, entry := range entries {
		pipe := b.client.TxPipeline()
		pipe.LPush(ctx, b.keyReady(), entry)
		pipe.ZRem(ctx, b.keyDelayed(), entry)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Consume runs one consumer loop until ctx is cancelled. The in-flight
// handler is allowed to finish before the loop exits.
func (b *RedisBroker) Consume(ctx context.Context, handler Handler) error {
	if !b.connected.Load() {
		return ErrNotConnected
	}
	b.startMover()

	consumer := uuid.NewString()
	processing := b.keyProcessing(consumer)
	logger := b.logger.With("consumer", consumer)

	defer func() {
		// Anything still parked in our processing list goes back to ready.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for {
			_, err := b.client.RPopLPush(cleanupCtx, processing, b.keyReady()).Result()
			if err != nil {
				break
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		data, err := b.client.BLMove(ctx, b.keyReady(), processing, "RIGHT", "LEFT", 5*time.Second).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		if err != nil {
			logger.Error("consume poll failed, re-declaring transport", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(2 * time.Second):
			}
			if err := b.Declare(ctx); err != nil {
				logger.Error("transport re-declare failed", "error", err)
			}
			continue
		}

		job, err := decodeJob([]byte(data))
		if err != nil {
			logger.Error("dropping undecodable job to dead-letter", "error", err)
			b.finish(processing, data, b.keyDead())
			continue
		}

		job.Attempt++
		b.dispatch(ctx, logger, handler, job, processing, data)
	}
}

// dispatch invokes the handler and applies its result to the transport.
func (b *RedisBroker) dispatch(ctx context.Context, logger *slog.Logger, handler Handler, job Job, processing, raw string) {
	switch handler(ctx, job) {
	case Ack:
		b.ack(processing, raw)
	case Retry:
		if job.Attempt >= b.config.MaxAttempts {
			logger.Warn("job exhausted transport retries, dead-lettering",
				"message_id", job.MessageID,
				"attempts", job.Attempt)
			b.finish(processing, raw, b.keyDead())
			metrics.Get().MessagesDead.Inc()
			return
		}
		delay := b.config.backoff(job.Attempt)
		if err := b.Retry(context.WithoutCancel(ctx), job, delay); err != nil {
			logger.Error("failed to requeue job, leaving in processing list",
				"message_id", job.MessageID,
				"error", err)
			return
		}
		b.ack(processing, raw)
		logger.Info("job requeued with backoff",
			"message_id", job.MessageID,
			"attempt", job.Attempt,
			"delay", delay)
	case DeadLetter:
		b.finish(processing, raw, b.keyDead())
		metrics.Get().MessagesDead.Inc()
	}
}

func (b *RedisBroker) ack(processing, raw string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.client.LRem(ctx, processing, 1, raw).Err(); err != nil {
		b.logger.Error("failed to ack job", "error", err)
	}
}

func (b *RedisBroker) finish(processing, raw, target string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pipe := b.client.TxPipeline()
	pipe.LPush(ctx, target, raw)
	pipe.LRem(ctx, processing, 1, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		b.logger.Error("failed to move job", "target", target, "error", err)
	}
}

// Stats returns current queue depths.
func (b *RedisBroker) Stats(ctx context.Context) (Stats, error) {
	if !b.connected.Load() {
		return Stats{}, ErrNotConnected
	}

	ready, err := b.client.LLen(ctx, b.keyReady()).Result()
	if err != nil {
		return Stats{}, err
	}
	delayed, err := b.client.ZCard(ctx, b.keyDelayed()).Result()
	if err != nil {
		return Stats{}, err
	}
	dead, err := b.client.LLen(ctx, b.keyDead()).Result()
	if err != nil {
		return Stats{}, err
	}

	var processing int64
	iter := b.client.Scan(ctx, 0, b.config.Namespace+":jobs:processing:*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := b.client.LLen(ctx, iter.Val()).Result()
		if err != nil {
			return Stats{}, err
		}
		processing += n
	}
	if err := iter.Err(); err != nil {
		return Stats{}, err
	}

	return Stats{Ready: ready, Delayed: delayed, Processing: processing, Dead: dead}, nil
}

// Close shuts the broker down
func (b *RedisBroker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stopCh)
		b.connected.Store(false)
		if b.client != nil {
			err = b.client.Close()
		}
	})
	return err
}
