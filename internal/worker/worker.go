// Package worker consumes queued messages and drives each one through
// credential validation, quota admission and the provider send. Outcome
// classification is explicit: validation problems never reach this
// package, credential problems fail the message with one delayed second
// chance, and transient provider trouble rides the transport retry tier.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/embermail/embermail/internal/credential"
	"github.com/embermail/embermail/internal/metrics"
	"github.com/embermail/embermail/internal/provider"
	"github.com/embermail/embermail/internal/queue"
	"github.com/embermail/embermail/internal/store"
	"github.com/embermail/embermail/internal/warmup"
)

// Config holds send-worker settings.
type Config struct {
	// Concurrency is the number of consumer loops to run.
	Concurrency int `toml:"concurrency"`

	// Provider selects which credential a mailbox sends through.
	Provider store.ProviderType `toml:"provider"`

	// CredentialRetryDelay is how long a message waits for its single
	// application-level requeue after a credential failure, giving the
	// operator time to reconnect the mailbox.
	CredentialRetryDelay time.Duration `toml:"credential_retry_delay"`

	// BreakerMaxFailures consecutive send failures open the circuit.
	BreakerMaxFailures uint32 `toml:"breaker_max_failures"`

	// BreakerTimeout is how long the circuit stays open before a probe
	// request is allowed through.
	BreakerTimeout time.Duration `toml:"breaker_timeout"`
}

// DefaultConfig returns sensible worker defaults
func DefaultConfig() Config {
	return Config{
		Concurrency:          4,
		Provider:             store.ProviderGmail,
		CredentialRetryDelay: 5 * time.Minute,
		BreakerMaxFailures:   5,
		BreakerTimeout:       30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Provider == "" {
		c.Provider = store.ProviderGmail
	}
	if c.CredentialRetryDelay <= 0 {
		c.CredentialRetryDelay = 5 * time.Minute
	}
	if c.BreakerMaxFailures == 0 {
		c.BreakerMaxFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
}

// Worker is the send pipeline. One Worker runs Config.Concurrency
// consumer loops against the shared broker; all loops share the store,
// the credential manager and one circuit breaker per provider fleet.
type Worker struct {
	config  Config
	store   store.Store
	broker  queue.Broker
	creds   *credential.Manager
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a send worker
func New(config Config, st store.Store, broker queue.Broker, creds *credential.Manager) *Worker {
	config.applyDefaults()
	w := &Worker{
		config:  config,
		store:   st,
		broker:  broker,
		creds:   creds,
		metrics: metrics.Get(),
		logger:  slog.Default().With("component", "worker"),
		now:     time.Now,
	}
	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "provider-send",
		MaxRequests: 1,
		Timeout:     config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.logger.Warn("circuit breaker state change", "from", from.String(), "to", to.String())
			if to == gobreaker.StateOpen {
				w.metrics.BreakerOpen.Set(1)
			} else {
				w.metrics.BreakerOpen.Set(0)
			}
		},
	})
	return w
}

// Run starts the consumer pool and blocks until ctx is cancelled. Jobs
// in flight when the context ends finish their handler before the loop
// unwinds; delivery is at-least-once across restarts.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("starting send workers", "concurrency", w.config.Concurrency)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.config.Concurrency; i++ {
		g.Go(func() error {
			return w.broker.Consume(ctx, w.Handle)
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Handle processes one delivered job through the full pipeline. It is
// exported so the scheduler's direct-dispatch tests and the broker share
// the same code path.
func (w *Worker) Handle(ctx context.Context, job queue.Job) queue.Result {
	logger := w.logger.With(
		"message_id", job.MessageID,
		"owner_id", job.OwnerID,
		"attempt", job.Attempt)

	cred, err := w.creds.Load(ctx, job.OwnerID, w.config.Provider)
	if err != nil {
		return w.credentialFailure(ctx, job, logger, err)
	}

	cred, access, err := w.creds.EnsureValid(ctx, cred)
	if err != nil {
		if provider.IsTransient(err) {
			return w.transientFailure(ctx, job, logger, err)
		}
		return w.credentialFailure(ctx, job, logger, err)
	}

	quota, err := w.admit(ctx, job.OwnerID, job.TenantID)
	if err != nil {
		if errors.Is(err, store.ErrQuotaExceeded) {
			return w.quotaFailure(ctx, job, logger)
		}
		logger.Error("quota admission failed", "error", err)
		return w.transientFailure(ctx, job, logger, err)
	}

	start := w.now()
	_, err = w.breaker.Execute(func() (interface{}, error) {
		prov := w.creds.Provider(cred.Provider)
		return nil, prov.Send(ctx, access, job.ToAddress, job.Subject, job.Body)
	})
	w.metrics.SendDuration.Observe(w.now().Sub(start).Seconds())

	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			w.metrics.ProviderErrors.WithLabelValues("breaker").Inc()
			return w.transientFailure(ctx, job, logger, err)
		case errors.Is(err, provider.ErrUnauthorized):
			// Token revoked between probe and send.
			w.metrics.ProviderErrors.WithLabelValues("unauthorized").Inc()
			return w.credentialFailure(ctx, job, logger, err)
		case provider.IsTransient(err):
			w.metrics.ProviderErrors.WithLabelValues("transient").Inc()
			return w.transientFailure(ctx, job, logger, err)
		default:
			w.metrics.ProviderErrors.WithLabelValues("permanent").Inc()
			logger.Error("permanent send failure", "error", err)
			w.setStatus(ctx, job.MessageID, store.StatusFailed, err.Error())
			w.metrics.MessagesFailed.Inc()
			return queue.Ack
		}
	}

	w.setStatus(ctx, job.MessageID, store.StatusSent, "")
	w.metrics.MessagesSent.Inc()
	logger.Info("message sent",
		"to", job.ToAddress,
		"sent_today", quota.SentToday,
		"daily_limit", warmup.CalculateDailyLimit(quota))
	return queue.Ack
}

// admit applies the daily reset if a new calendar day has begun, then
// atomically reserves one send slot. Reserving before the send means a
// crash mid-delivery costs allowance rather than overspending it, which
// is the safe direction for a reputation ramp.
func (w *Worker) admit(ctx context.Context, ownerID, tenantID string) (store.Quota, error) {
	quota, err := w.store.GetQuota(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		quota, err = w.store.CreateQuota(ctx, store.DefaultQuota(ownerID, tenantID))
		if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
			return store.Quota{}, err
		}
		if errors.Is(err, store.ErrAlreadyExists) {
			quota, err = w.store.GetQuota(ctx, ownerID)
		}
	}
	if err != nil {
		return store.Quota{}, err
	}

	if reset, changed := warmup.ResetDailyQuotaIfNeeded(quota, w.now()); changed {
		updated, err := w.store.UpdateQuota(ctx, reset)
		switch {
		case err == nil:
			quota = updated
			w.metrics.DailyResets.Inc()
		case errors.Is(err, store.ErrStaleVersion):
			// Another worker applied the reset first; read its result.
			quota, err = w.store.GetQuota(ctx, ownerID)
			if err != nil {
				return store.Quota{}, err
			}
		default:
			return store.Quota{}, err
		}
	}

	return w.store.IncrementQuotaSent(ctx, ownerID, warmup.CalculateDailyLimit(quota))
}

func (w *Worker) credentialFailure(ctx context.Context, job queue.Job, logger *slog.Logger, err error) queue.Result {
	w.setStatus(ctx, job.MessageID, store.StatusFailed, err.Error())
	w.metrics.MessagesFailed.Inc()

	if job.CredentialRetry {
		logger.Error("credential failure after requeue, giving up", "error", err)
		return queue.Ack
	}

	// One delayed second chance so a reconnected mailbox picks the
	// message back up without operator intervention.
	job.CredentialRetry = true
	if retryErr := w.broker.Retry(ctx, job, w.config.CredentialRetryDelay); retryErr != nil {
		logger.Error("failed to requeue after credential failure", "error", retryErr)
		return queue.Ack
	}
	w.metrics.MessagesRetried.Inc()
	logger.Warn("credential failure, requeued once",
		"error", err,
		"delay", w.config.CredentialRetryDelay)
	return queue.Ack
}

func (w *Worker) transientFailure(ctx context.Context, job queue.Job, logger *slog.Logger, err error) queue.Result {
	w.setStatus(ctx, job.MessageID, store.StatusDelayed, err.Error())
	w.metrics.MessagesRetried.Inc()
	logger.Warn("transient failure, retrying", "error", err)
	return queue.Retry
}

// quotaFailure parks the job until the next daily reset. The delay is
// scheduled directly so it does not consume the transport retry budget.
func (w *Worker) quotaFailure(ctx context.Context, job queue.Job, logger *slog.Logger) queue.Result {
	w.metrics.QuotaExceeded.Inc()
	delay := untilNextDay(w.now())
	w.setStatus(ctx, job.MessageID, store.StatusDelayed, "daily quota exceeded")

	if err := w.broker.Retry(ctx, job, delay); err != nil {
		logger.Error("failed to delay quota-exceeded message", "error", err)
		return queue.Retry
	}
	w.metrics.MessagesRetried.Inc()
	logger.Info("daily quota spent, delaying until reset", "delay", delay)
	return queue.Ack
}

func (w *Worker) setStatus(ctx context.Context, messageID string, status store.MessageStatus, errMsg string) {
	if messageID == "" {
		return
	}
	if err := w.store.SetMessageStatus(ctx, messageID, status, errMsg); err != nil {
		w.logger.Error("failed to update message status",
			"message_id", messageID,
			"status", status,
			"error", err)
	}
}

// untilNextDay returns the duration until the next local midnight.
func untilNextDay(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	return next.Sub(now)
}
