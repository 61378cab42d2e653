// Package provider abstracts the external mail provider capability. The
// core only needs three operations: send a message, probe a token, and
// exchange a refresh token for a new token set. OAuth consent handling
// lives outside this system.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnauthorized indicates the provider rejected the presented access
// token. The credential lifecycle manager reacts by refreshing.
var ErrUnauthorized = errors.New("provider rejected credentials")

// TransientError wraps provider failures worth retrying at the transport
// level: network trouble, throttling, provider 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Temporary marks the error as retryable.
func (e *TransientError) Temporary() bool { return true }

// IsTransient reports whether err should ride the transport retry tier.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if tmp, ok := err.(interface{ Temporary() bool }); ok && tmp.Temporary() {
		return true
	}
	return false
}

// TokenSet is the result of a token refresh.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Provider is the narrow capability boundary around a mail provider.
type Provider interface {
	// Name identifies the provider type ("gmail", "outlook", ...).
	Name() string

	// Send transmits one HTML email on behalf of the token's mailbox.
	Send(ctx context.Context, accessToken, to, subject, htmlBody string) error

	// Probe performs a lightweight authenticated call to check that the
	// access token is still accepted.
	Probe(ctx context.Context, accessToken string) error

	// Refresh exchanges a refresh token for a new token set. The provider
	// may or may not rotate the refresh token itself.
	Refresh(ctx context.Context, refreshToken string) (TokenSet, error)
}
