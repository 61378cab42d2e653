// Package delivery is the ingress for user-submitted mail. A draft goes
// through recipient validation and quota admission before it is persisted
// and published; anything refused here is recorded as REJECTED and never
// reaches the queue.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/embermail/embermail/internal/metrics"
	"github.com/embermail/embermail/internal/queue"
	"github.com/embermail/embermail/internal/store"
	"github.com/embermail/embermail/internal/validate"
	"github.com/embermail/embermail/internal/warmup"
)

// ErrQuotaExceeded is returned to the caller as a rate-limit condition
// when the mailbox has spent today's allowance.
var ErrQuotaExceeded = errors.New("daily sending quota exceeded")

// Draft is an email submission before it becomes a Message.
type Draft struct {
	ToAddress string
	Subject   string
	Body      string
	OwnerID   string
	TenantID  string
}

// Service gates submissions and hands accepted ones to the transport.
type Service struct {
	store     store.Store
	broker    queue.Broker
	validator *validate.Validator
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a submission service
func NewService(st store.Store, broker queue.Broker, validator *validate.Validator) *Service {
	return &Service{
		store:     st,
		broker:    broker,
		validator: validator,
		metrics:   metrics.Get(),
		logger:    slog.Default().With("component", "delivery"),
		now:       time.Now,
	}
}

// Submit validates and queues one outbound email. The returned message
// reflects the outcome: QUEUED on acceptance, REJECTED when validation or
// quota refused it (alongside a non-nil error describing the refusal).
func (s *Service) Submit(ctx context.Context, draft Draft) (store.Message, error) {
	if err := s.validator.Validate(ctx, draft.ToAddress); err != nil {
		if validate.IsValidationError(err) {
			s.metrics.MessagesRejected.Inc()
			msg := s.record(ctx, draft, store.StatusRejected, err.Error())
			s.logger.Info("submission rejected",
				"to", draft.ToAddress,
				"owner_id", draft.OwnerID,
				"reason", err.Error())
			return msg, err
		}
		return store.Message{}, err
	}

	if err := s.admit(ctx, draft); err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			s.metrics.MessagesRejected.Inc()
			s.metrics.QuotaExceeded.Inc()
			msg := s.record(ctx, draft, store.StatusRejected, err.Error())
			return msg, err
		}
		return store.Message{}, err
	}

	msg, err := s.store.CreateMessage(ctx, store.Message{
		ToAddress: draft.ToAddress,
		Subject:   draft.Subject,
		Body:      draft.Body,
		OwnerID:   draft.OwnerID,
		TenantID:  draft.TenantID,
		Status:    store.StatusQueued,
	})
	if err != nil {
		return store.Message{}, fmt.Errorf("failed to persist message: %w", err)
	}

	// A broker outage must surface to the caller, not drop mail silently.
	if err := s.broker.Publish(ctx, queue.JobFromMessage(msg)); err != nil {
		if statusErr := s.store.SetMessageStatus(ctx, msg.ID, store.StatusFailed, err.Error()); statusErr != nil {
			s.logger.Error("failed to mark unpublished message",
				"message_id", msg.ID,
				"error", statusErr)
		}
		return msg, fmt.Errorf("failed to publish message: %w", err)
	}

	s.metrics.MessagesQueued.Inc()
	return msg, nil
}

// admit checks the mailbox's remaining allowance without consuming it;
// the send worker makes the authoritative atomic reservation later.
func (s *Service) admit(ctx context.Context, draft Draft) error {
	quota, err := s.store.GetQuota(ctx, draft.OwnerID)
	if errors.Is(err, store.ErrNotFound) {
		// First submission for a new mailbox; the worker creates the quota.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load quota: %w", err)
	}

	quota, _ = warmup.ResetDailyQuotaIfNeeded(quota, s.now())
	if warmup.IsQuotaExceeded(quota) {
		return ErrQuotaExceeded
	}
	return nil
}

func (s *Service) record(ctx context.Context, draft Draft, status store.MessageStatus, reason string) store.Message {
	msg, err := s.store.CreateMessage(ctx, store.Message{
		ToAddress: draft.ToAddress,
		Subject:   draft.Subject,
		Body:      draft.Body,
		OwnerID:   draft.OwnerID,
		TenantID:  draft.TenantID,
		Status:    status,
		Error:     reason,
	})
	if err != nil {
		s.logger.Error("failed to record rejected submission", "error", err)
		return store.Message{}
	}
	return msg
}
