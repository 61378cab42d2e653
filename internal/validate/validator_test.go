package validate

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embermail/embermail/internal/cache"
)

// fakeResolver returns canned MX answers per domain.
type fakeResolver struct {
	records map[string][]*net.MX
	err     error
	calls   int
}

func (f *fakeResolver) LookupMX(_ context.Context, domain string) ([]*net.MX, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.records[domain], nil
}

func TestValidateRejectsBadSyntax(t *testing.T) {
	v := New(nil, WithResolver(&fakeResolver{}))

	for _, addr := range []string{"not-an-email", "", "a@b", "user @example.com", "@example.com"} {
		err := v.Validate(context.Background(), addr)
		require.Error(t, err, "address %q", addr)
		assert.True(t, IsValidationError(err))
		assert.EqualError(t, err, "invalid email format")
	}
}

func TestValidateRejectsThrowawayDomain(t *testing.T) {
	v := New([]string{"mailinator.com", "Temp-Mail.org"}, WithResolver(&fakeResolver{}))

	err := v.Validate(context.Background(), "user@mailinator.com")
	require.Error(t, err)
	assert.EqualError(t, err, "throwaway email domain not allowed")

	// Substring match covers subdomains and case differences.
	err = v.Validate(context.Background(), "user@eu.MAILINATOR.com")
	require.Error(t, err)

	err = v.Validate(context.Background(), "user@temp-mail.org")
	require.Error(t, err)
}

func TestValidateAcceptsDomainWithMX(t *testing.T) {
	resolver := &fakeResolver{records: map[string][]*net.MX{
		"realdomain.com": {{Host: "mx1.realdomain.com", Pref: 10}},
	}}
	v := New([]string{"mailinator.com"}, WithResolver(resolver))

	assert.NoError(t, v.Validate(context.Background(), "user@realdomain.com"))
}

func TestValidateRejectsEmptyMXAnswer(t *testing.T) {
	// Domain resolves but publishes zero mail exchangers.
	resolver := &fakeResolver{records: map[string][]*net.MX{}}
	v := New(nil, WithResolver(resolver))

	err := v.Validate(context.Background(), "user@nomail.example")
	require.Error(t, err)
	assert.EqualError(t, err, "invalid email domain (no MX records)")
}

func TestValidateSoftPassesDNSFailure(t *testing.T) {
	resolver := &fakeResolver{err: errors.New("lookup timed out")}
	v := New(nil, WithResolver(resolver))

	assert.NoError(t, v.Validate(context.Background(), "user@unreachable.example"))
}

func TestValidateCachesMXOutcome(t *testing.T) {
	mxCache := cache.NewMemory(cache.Config{})
	require.NoError(t, mxCache.Connect())
	defer mxCache.Close()

	resolver := &fakeResolver{records: map[string][]*net.MX{
		"cached.example": {{Host: "mx.cached.example", Pref: 10}},
	}}
	v := New(nil, WithResolver(resolver), WithMXCache(mxCache), WithMXTimeout(time.Second))

	require.NoError(t, v.Validate(context.Background(), "a@cached.example"))
	require.NoError(t, v.Validate(context.Background(), "b@cached.example"))
	assert.Equal(t, 1, resolver.calls, "second lookup should hit the cache")

	// Negative outcomes are cached too.
	require.Error(t, v.Validate(context.Background(), "a@empty.example"))
	require.Error(t, v.Validate(context.Background(), "b@empty.example"))
	assert.Equal(t, 2, resolver.calls)
}
