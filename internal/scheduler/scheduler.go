// Package scheduler generates the synthetic warmup traffic that builds a
// new mailbox's sending reputation. Every interval it finds mailboxes
// that have not sent anything today and queues a day's worth of warmup
// emails for each, spread out with randomized gaps so deliveries look
// organic rather than burst-shaped.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/embermail/embermail/internal/credential"
	"github.com/embermail/embermail/internal/metrics"
	"github.com/embermail/embermail/internal/queue"
	"github.com/embermail/embermail/internal/store"
	"github.com/embermail/embermail/internal/warmup"
)

// Config holds warmup scheduler settings.
type Config struct {
	// Interval between scheduling passes.
	Interval time.Duration `toml:"interval"`

	// Recipients is the pool of peer addresses warmup mail is sent to.
	// An empty pool disables warmup scheduling.
	Recipients []string `toml:"recipients"`

	// MinSpacing and MaxSpacing bound the random gap between two
	// consecutive warmup emails for the same mailbox.
	MinSpacing time.Duration `toml:"min_spacing"`
	MaxSpacing time.Duration `toml:"max_spacing"`

	// Provider selects which credential each mailbox sends through.
	Provider store.ProviderType `toml:"provider"`
}

// DefaultConfig returns sensible scheduler defaults
func DefaultConfig() Config {
	return Config{
		Interval:   time.Hour,
		MinSpacing: 5 * time.Minute,
		MaxSpacing: 15 * time.Minute,
		Provider:   store.ProviderGmail,
	}
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.MinSpacing <= 0 {
		c.MinSpacing = 5 * time.Minute
	}
	if c.MaxSpacing <= c.MinSpacing {
		c.MaxSpacing = c.MinSpacing + 10*time.Minute
	}
	if c.Provider == "" {
		c.Provider = store.ProviderGmail
	}
}

// Scheduler runs the periodic warmup pass.
type Scheduler struct {
	config    Config
	store     store.Store
	broker    queue.Broker
	creds     *credential.Manager
	generator *Generator
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a warmup scheduler
func New(config Config, st store.Store, broker queue.Broker, creds *credential.Manager) *Scheduler {
	config.applyDefaults()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Scheduler{
		config:    config,
		store:     st,
		broker:    broker,
		creds:     creds,
		generator: NewGenerator(rng),
		metrics:   metrics.Get(),
		logger:    slog.Default().With("component", "scheduler"),
		rng:       rng,
	}
}

// Run executes a scheduling pass every interval until ctx is cancelled.
// A failing pass is logged and the loop keeps ticking; the scheduler
// never halts on a single bad mailbox or a store hiccup.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.config.Recipients) == 0 {
		s.logger.Warn("no warmup recipients configured, scheduler idle")
		<-ctx.Done()
		return ctx.Err()
	}

	s.logger.Info("starting warmup scheduler",
		"interval", s.config.Interval,
		"recipients", len(s.config.Recipients))

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.metrics.SchedulerTicks.Inc()
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("warmup pass failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single scheduling pass: every mailbox that has not
// sent today gets min(dailyLimit, poolSize) warmup emails queued with
// randomized delivery offsets.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	quotas, err := s.store.ListWarmupQuotas(ctx)
	if err != nil {
		return err
	}

	for _, quota := range quotas {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.scheduleMailbox(ctx, quota); err != nil {
			s.logger.Error("failed to schedule warmup for mailbox",
				"owner_id", quota.OwnerID,
				"error", err)
		}
	}
	return nil
}

func (s *Scheduler) scheduleMailbox(ctx context.Context, quota store.Quota) error {
	if _, err := s.creds.Load(ctx, quota.OwnerID, s.config.Provider); err != nil {
		if errors.Is(err, credential.ErrCredentialMissing) {
			s.logger.Warn("no credentials for mailbox, skipping warmup",
				"owner_id", quota.OwnerID)
			return nil
		}
		return err
	}

	dailyLimit := warmup.CalculateDailyLimit(quota)
	count := dailyLimit
	if len(s.config.Recipients) < count {
		count = len(s.config.Recipients)
	}

	// The first email goes out immediately; each following one lands a
	// random 5 to 15 minutes after its predecessor.
	var offset time.Duration
	for i := 0; i < count; i++ {
		recipient := s.config.Recipients[i%len(s.config.Recipients)]
		content := s.generator.Generate()

		msg, err := s.store.CreateMessage(ctx, store.Message{
			ToAddress: recipient,
			Subject:   content.Subject,
			Body:      content.HTML,
			OwnerID:   quota.OwnerID,
			TenantID:  quota.TenantID,
			Status:    store.StatusQueued,
		})
		if err != nil {
			return err
		}

		job := queue.JobFromMessage(msg)
		if offset == 0 {
			err = s.broker.Publish(ctx, job)
		} else {
			err = s.broker.Retry(ctx, job, offset)
		}
		if err != nil {
			return err
		}

		s.metrics.WarmupEmailsScheduled.Inc()
		s.metrics.MessagesQueued.Inc()
		offset += s.spacing()
	}

	s.logger.Info("queued warmup emails",
		"owner_id", quota.OwnerID,
		"count", count,
		"daily_limit", dailyLimit,
		"window", offset)
	return nil
}

func (s *Scheduler) spacing() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	spread := int64(s.config.MaxSpacing - s.config.MinSpacing)
	return s.config.MinSpacing + time.Duration(s.rng.Int63n(spread))
}
