// Package queue implements the durable delivery transport: a main ready
// queue, a delayed queue whose entries become visible later, and a
// dead-letter path for jobs that exhaust their retry budget.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/embermail/embermail/internal/metrics"
	"github.com/embermail/embermail/internal/store"
)

// Common errors
var (
	ErrNotConnected = errors.New("broker not connected")
	ErrClosed       = errors.New("broker closed")
)

// Job is the wire representation of a message while it is in transit.
// It exists only inside the transport; the message row in the store is
// the durable record.
type Job struct {
	ID              string    `json:"id"`
	MessageID       string    `json:"message_id"`
	ToAddress       string    `json:"to_address"`
	Subject         string    `json:"subject"`
	Body            string    `json:"body"`
	OwnerID         string    `json:"owner_id"`
	TenantID        string    `json:"tenant_id"`
	Attempt         int       `json:"attempt"`
	CredentialRetry bool      `json:"credential_retry"`
	EnqueuedAt      time.Time `json:"enqueued_at"`
}

// JobFromMessage builds a transport job from a stored message.
func JobFromMessage(m store.Message) Job {
	return Job{
		MessageID: m.ID,
		ToAddress: m.ToAddress,
		Subject:   m.Subject,
		Body:      m.Body,
		OwnerID:   m.OwnerID,
		TenantID:  m.TenantID,
	}
}

func (j Job) encode() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}
	return data, nil
}

func decodeJob(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, fmt.Errorf("failed to decode job: %w", err)
	}
	return j, nil
}

// Result tells the transport what to do with a delivered job. The handler
// must return one of these; there is no implicit classification of errors.
type Result int

const (
	// Ack removes the job from the transport.
	Ack Result = iota
	// Retry requeues the job with backoff until the attempt budget is
	// spent, then dead-letters it.
	Retry
	// DeadLetter parks the job immediately for operator inspection.
	DeadLetter
)

// Handler processes one delivered job. Invocation is at-least-once; a
// crash between side effects and acknowledgment redelivers the job.
type Handler func(ctx context.Context, job Job) Result

// Stats reports transport depth per channel.
type Stats struct {
	Ready      int64 `json:"ready"`
	Delayed    int64 `json:"delayed"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

// RecordDepth mirrors the given depths into the queue depth gauges.
func RecordDepth(s Stats) {
	m := metrics.Get()
	m.QueueDepth.WithLabelValues("ready").Set(float64(s.Ready))
	m.QueueDepth.WithLabelValues("delayed").Set(float64(s.Delayed))
	m.QueueDepth.WithLabelValues("processing").Set(float64(s.Processing))
	m.QueueDepth.WithLabelValues("dead").Set(float64(s.Dead))
}

// Broker is the queue transport boundary. Any broker providing durable
// declare, persistent publish, consume-with-ack and delayed redelivery
// can satisfy it.
type Broker interface {
	// Declare establishes the transport's queues and must be called
	// before publishing or consuming, and again after a reconnect.
	Declare(ctx context.Context) error

	// Publish enqueues a job; it returns only after the transport has
	// durably accepted the write, and fails loudly during an outage.
	Publish(ctx context.Context, job Job) error

	// Retry re-publishes a job onto the delayed path so it reappears on
	// the main queue no sooner than delay from now.
	Retry(ctx context.Context, job Job, delay time.Duration) error

	// Consume runs a single consumer loop, invoking handler once per
	// delivered job, until ctx is cancelled. In-flight handlers finish;
	// no job is interrupted mid-send.
	Consume(ctx context.Context, handler Handler) error

	// Stats returns current queue depths.
	Stats(ctx context.Context) (Stats, error)

	// Close releases the transport connection.
	Close() error
}

// Config holds transport-level retry settings shared by all broker
// implementations.
type Config struct {
	Type        string        `toml:"type"`         // "redis" (default) or "memory"
	URL         string        `toml:"url"`          // Redis address, host:port
	Password    string        `toml:"password"`     //
	Database    int           `toml:"database"`     //
	Namespace   string        `toml:"namespace"`    // key prefix, default "embermail"
	MaxAttempts int           `toml:"max_attempts"` // handler invocations per job, default 3
	RetryBase   time.Duration `toml:"retry_base"`   // backoff base, doubles per attempt
}

// DefaultConfig returns sensible transport defaults
func DefaultConfig() Config {
	return Config{
		Type:        "redis",
		URL:         "localhost:6379",
		Namespace:   "embermail",
		MaxAttempts: 3,
		RetryBase:   30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "embermail"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
}

// Factory creates a broker for the configured transport type.
func Factory(config Config) (Broker, error) {
	switch config.Type {
	case "", "redis":
		return NewRedisBroker(config), nil
	case "memory":
		return NewMemoryBroker(config), nil
	default:
		return nil, fmt.Errorf("unsupported queue type: %s", config.Type)
	}
}

// backoff returns the delay before the next transport-level attempt.
// attempt is the number of invocations already made.
func (c Config) backoff(attempt int) time.Duration {
	d := c.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
