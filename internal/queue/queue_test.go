package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Namespace:   "test",
		MaxAttempts: 3,
		RetryBase:   10 * time.Millisecond,
	}
}

func testJob(messageID string) Job {
	return Job{
		MessageID: messageID,
		ToAddress: "user@example.com",
		Subject:   "hello",
		Body:      "<p>hi</p>",
		OwnerID:   "owner-1",
		TenantID:  "tenant-1",
	}
}

// collector records handled jobs and returns scripted results.
type collector struct {
	mu      sync.Mutex
	handled []Job
	results []Result
}

func (c *collector) handle(_ context.Context, job Job) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handled = append(c.handled, job)
	if len(c.results) == 0 {
		return Ack
	}
	r := c.results[0]
	if len(c.results) > 1 {
		c.results = c.results[1:]
	}
	return r
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handled)
}

func (c *collector) jobs() []Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Job, len(c.handled))
	copy(out, c.handled)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestPublishAndConsume(t *testing.T) {
	broker := NewMemoryBroker(testConfig())
	require.NoError(t, broker.Declare(context.Background()))
	defer broker.Close()

	c := &collector{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = broker.Consume(ctx, c.handle) }()

	require.NoError(t, broker.Publish(context.Background(), testJob("m-1")))
	require.NoError(t, broker.Publish(context.Background(), testJob("m-2")))

	waitFor(t, 2*time.Second, func() bool { return c.count() == 2 })

	jobs := c.jobs()
	assert.Equal(t, 1, jobs[0].Attempt)
	assert.NotEmpty(t, jobs[0].ID)

	stats, err := broker.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Ready)
	assert.Zero(t, stats.Dead)
}

func TestRetryBudgetThenDeadLetter(t *testing.T) {
	broker := NewMemoryBroker(testConfig())
	require.NoError(t, broker.Declare(context.Background()))
	defer broker.Close()

	// Handler always asks for a retry; budget is 3 invocations.
	c := &collector{results: []Result{Retry}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = broker.Consume(ctx, c.handle) }()

	require.NoError(t, broker.Publish(context.Background(), testJob("m-retry")))

	waitFor(t, 5*time.Second, func() bool {
		stats, _ := broker.Stats(context.Background())
		return stats.Dead == 1
	})

	assert.Equal(t, 3, c.count(), "job should be attempted exactly MaxAttempts times")
	dead := broker.DeadJobs()
	require.Len(t, dead, 1)
	assert.Equal(t, "m-retry", dead[0].MessageID)
	assert.Equal(t, 3, dead[0].Attempt)
}

func TestDelayedJobNotVisibleEarly(t *testing.T) {
	broker := NewMemoryBroker(testConfig())
	require.NoError(t, broker.Declare(context.Background()))
	defer broker.Close()

	c := &collector{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = broker.Consume(ctx, c.handle) }()

	delay := 150 * time.Millisecond
	start := time.Now()
	require.NoError(t, broker.Retry(context.Background(), testJob("m-delayed"), delay))

	waitFor(t, 2*time.Second, func() bool { return c.count() == 1 })
	assert.GreaterOrEqual(t, time.Since(start), delay,
		"job must not reappear before its delay elapsed")
}

func TestDeadLetterResult(t *testing.T) {
	broker := NewMemoryBroker(testConfig())
	require.NoError(t, broker.Declare(context.Background()))
	defer broker.Close()

	c := &collector{results: []Result{DeadLetter}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = broker.Consume(ctx, c.handle) }()

	require.NoError(t, broker.Publish(context.Background(), testJob("m-dead")))

	waitFor(t, 2*time.Second, func() bool {
		stats, _ := broker.Stats(context.Background())
		return stats.Dead == 1
	})
	assert.Equal(t, 1, c.count(), "dead-lettered job is not re-attempted")
}

func TestPublishRequiresDeclare(t *testing.T) {
	broker := NewMemoryBroker(testConfig())
	err := broker.Publish(context.Background(), testJob("m-1"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestPublishAfterCloseFailsLoudly(t *testing.T) {
	broker := NewMemoryBroker(testConfig())
	require.NoError(t, broker.Declare(context.Background()))
	require.NoError(t, broker.Close())

	err := broker.Publish(context.Background(), testJob("m-1"))
	assert.Error(t, err)
}

func TestRedisBrokerConnectedFlagConcurrentAccess(t *testing.T) {
	// Unreachable transport: Declare keeps failing while publishers poll
	// the connection flag. Must be clean under the race detector.
	broker := NewRedisBroker(Config{URL: "127.0.0.1:1", Namespace: "test"})
	require.Error(t, broker.Declare(context.Background()))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 25; i++ {
			_ = broker.Publish(context.Background(), testJob("m-race"))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 25; i++ {
			_ = broker.Declare(context.Background())
		}
	}()
	wg.Wait()

	err := broker.Publish(context.Background(), testJob("m-race"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestBackoffDoubles(t *testing.T) {
	cfg := Config{RetryBase: time.Second, MaxAttempts: 5}
	cfg.applyDefaults()
	assert.Equal(t, time.Second, cfg.backoff(1))
	assert.Equal(t, 2*time.Second, cfg.backoff(2))
	assert.Equal(t, 4*time.Second, cfg.backoff(3))
}

func TestJobEncodeDecode(t *testing.T) {
	job := testJob("m-enc")
	job.ID = "job-1"
	job.Attempt = 2
	job.CredentialRetry = true

	data, err := job.encode()
	require.NoError(t, err)

	got, err := decodeJob(data)
	require.NoError(t, err)
	assert.Equal(t, job.MessageID, got.MessageID)
	assert.Equal(t, job.Attempt, got.Attempt)
	assert.True(t, got.CredentialRetry)
}
