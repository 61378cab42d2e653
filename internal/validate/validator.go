// Package validate performs pre-queue checks on candidate recipients:
// address syntax, throwaway-domain screening and a best-effort MX lookup.
package validate

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/embermail/embermail/internal/cache"
)

// ValidationError describes why a recipient was rejected. Messages failing
// validation are rejected before they ever reach the queue.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// IsValidationError reports whether err is a recipient validation failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var addressPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// MXResolver looks up mail exchangers for a domain. *net.Resolver satisfies it.
type MXResolver interface {
	LookupMX(ctx context.Context, domain string) ([]*net.MX, error)
}

// Validator checks candidate recipients. It is synchronous and idempotent;
// retry policy belongs to the caller.
type Validator struct {
	throwawayDomains []string
	resolver         MXResolver
	mxCache          cache.Cache
	mxTimeout        time.Duration
	cacheTTL         time.Duration
	logger           *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithResolver overrides the DNS resolver, mainly for tests.
func WithResolver(r MXResolver) Option {
	return func(v *Validator) { v.resolver = r }
}

// WithMXCache memoizes MX lookup outcomes in the given cache.
func WithMXCache(c cache.Cache) Option {
	return func(v *Validator) { v.mxCache = c }
}

// WithMXTimeout bounds each MX lookup.
func WithMXTimeout(d time.Duration) Option {
	return func(v *Validator) { v.mxTimeout = d }
}

// New creates a Validator. throwawayDomains are matched case-insensitively
// as substrings of the recipient domain, so "mailinator.com" also covers
// "eu.mailinator.com".
func New(throwawayDomains []string, opts ...Option) *Validator {
	lowered := make([]string, 0, len(throwawayDomains))
	for _, d := range throwawayDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			lowered = append(lowered, d)
		}
	}

	v := &Validator{
		throwawayDomains: lowered,
		resolver:         net.DefaultResolver,
		mxTimeout:        5 * time.Second,
		cacheTTL:         time.Hour,
		logger:           slog.Default().With("component", "validator"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs the ordered, short-circuiting checks on toAddress and
// returns a *ValidationError describing the first failure. A DNS lookup
// failure is a soft pass; an explicit empty MX answer is a rejection.
func (v *Validator) Validate(ctx context.Context, toAddress string) error {
	addr := norm.NFC.String(strings.TrimSpace(toAddress))

	if !addressPattern.MatchString(addr) {
		return &ValidationError{Reason: "invalid email format"}
	}
	if _, err := mail.ParseAddress(addr); err != nil {
		return &ValidationError{Reason: "invalid email format"}
	}

	domain := strings.ToLower(addr[strings.LastIndex(addr, "@")+1:])

	for _, throwaway := range v.throwawayDomains {
		if strings.Contains(domain, throwaway) {
			return &ValidationError{Reason: "throwaway email domain not allowed"}
		}
	}

	return v.checkMX(ctx, domain)
}

const (
	mxStateOK   = "ok"
	mxStateNone = "none"
)

func (v *Validator) checkMX(ctx context.Context, domain string) error {
	cacheKey := "mx:" + domain

	if v.mxCache != nil {
		if state, err := v.mxCache.Get(ctx, cacheKey); err == nil {
			if state == mxStateNone {
				return &ValidationError{Reason: "invalid email domain (no MX records)"}
			}
			return nil
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, v.mxTimeout)
	defer cancel()

	records, err := v.resolver.LookupMX(lookupCtx, domain)
	if err != nil {
		// DNS trouble is not the recipient's fault; log and pass.
		v.logger.Warn("MX lookup failed, soft-passing",
			"domain", domain,
			"error", err)
		return nil
	}

	state := mxStateOK
	if len(records) == 0 {
		state = mxStateNone
	}
	if v.mxCache != nil {
		if err := v.mxCache.Set(ctx, cacheKey, state, v.cacheTTL); err != nil {
			v.logger.Debug("failed to cache MX result", "domain", domain, "error", err)
		}
	}

	if state == mxStateNone {
		return &ValidationError{Reason: "invalid email domain (no MX records)"}
	}
	return nil
}
