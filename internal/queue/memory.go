package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBroker implements Broker in process memory with the same retry
// and dead-letter semantics as the Redis transport. Used by tests and by
// single-process runs that can tolerate losing the queue on restart.
type MemoryBroker struct {
	config Config

	mu       sync.Mutex
	ready    []Job
	delayed  []delayedJob
	dead     []Job
	inFlight int
	declared bool
	closed   bool
}

type delayedJob struct {
	job       Job
	visibleAt time.Time
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker creates an in-memory broker
func NewMemoryBroker(config Config) *MemoryBroker {
	config.applyDefaults()
	return &MemoryBroker{config: config}
}

func (b *MemoryBroker) Declare(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.declared = true
	return nil
}

func (b *MemoryBroker) Publish(_ context.Context, job Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.declared || b.closed {
		return ErrNotConnected
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	b.ready = append(b.ready, job)
	return nil
}

func (b *MemoryBroker) Retry(_ context.Context, job Job, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.declared || b.closed {
		return ErrNotConnected
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	b.delayed = append(b.delayed, delayedJob{job: job, visibleAt: time.Now().Add(delay)})
	return nil
}

// pop promotes due delayed jobs and takes the oldest ready job, if any.
func (b *MemoryBroker) pop() (Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	remaining := b.delayed[:0]
	for _, d := range b.delayed {
		if !d.visibleAt.After(now) {
			b.ready = append(b.ready, d.job)
		} else {
			remaining = append(remaining, d)
		}
	}
	b.delayed = remaining

	if len(b.ready) == 0 {
		return Job{}, false
	}
	job := b.ready[0]
	b.ready = b.ready[1:]
	b.inFlight++
	return job, true
}

func (b *MemoryBroker) Consume(ctx context.Context, handler Handler) error {
	b.mu.Lock()
	if !b.declared || b.closed {
		b.mu.Unlock()
		return ErrNotConnected
	}
	b.mu.Unlock()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		job, ok := b.pop()
		if !ok {
			continue
		}

		job.Attempt++
		result := handler(ctx, job)

		b.mu.Lock()
		b.inFlight--
		switch result {
		case Ack:
			// done
		case Retry:
			if job.Attempt >= b.config.MaxAttempts {
				b.dead = append(b.dead, job)
			} else {
				b.delayed = append(b.delayed, delayedJob{
					job:       job,
					visibleAt: time.Now().Add(b.config.backoff(job.Attempt)),
				})
			}
		case DeadLetter:
			b.dead = append(b.dead, job)
		}
		b.mu.Unlock()
	}
}

func (b *MemoryBroker) Stats(context.Context) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Ready:      int64(len(b.ready)),
		Delayed:    int64(len(b.delayed)),
		Processing: int64(b.inFlight),
		Dead:       int64(len(b.dead)),
	}, nil
}

// DeadJobs returns a snapshot of the dead-letter queue, for inspection.
func (b *MemoryBroker) DeadJobs() []Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Job, len(b.dead))
	copy(out, b.dead)
	return out
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.declared = false
	return nil
}
