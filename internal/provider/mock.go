package provider

import (
	"context"
	"sync"
	"time"
)

// SentMail records one Send call made against the mock.
type SentMail struct {
	AccessToken string
	To          string
	Subject     string
	Body        string
}

// Mock implements Provider for testing. Probe outcomes are keyed by
// access token so tests can model token expiry and refresh.
type Mock struct {
	mu sync.Mutex

	validTokens  map[string]bool
	refreshSets  []TokenSet
	refreshErr   error
	sendErr      error
	sent         []SentMail
	probeCalls   int
	refreshCalls int
}

var _ Provider = (*Mock)(nil)

// NewMock creates a mock provider with no valid tokens.
func NewMock() *Mock {
	return &Mock{validTokens: make(map[string]bool)}
}

func (m *Mock) Name() string { return "gmail" }

// AllowToken marks an access token as valid for probes and sends.
func (m *Mock) AllowToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validTokens[token] = true
}

// RevokeToken invalidates a previously valid access token.
func (m *Mock) RevokeToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.validTokens, token)
}

// QueueRefresh sets the token set returned by the next Refresh calls.
func (m *Mock) QueueRefresh(set TokenSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshSets = append(m.refreshSets, set)
}

// FailRefresh makes Refresh return err.
func (m *Mock) FailRefresh(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshErr = err
}

// FailSend makes Send return err even for valid tokens.
func (m *Mock) FailSend(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

func (m *Mock) Send(_ context.Context, accessToken, to, subject, htmlBody string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.validTokens[accessToken] {
		return ErrUnauthorized
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, SentMail{
		AccessToken: accessToken,
		To:          to,
		Subject:     subject,
		Body:        htmlBody,
	})
	return nil
}

func (m *Mock) Probe(_ context.Context, accessToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probeCalls++
	if !m.validTokens[accessToken] {
		return ErrUnauthorized
	}
	return nil
}

func (m *Mock) Refresh(context.Context, string) (TokenSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshCalls++
	if m.refreshErr != nil {
		return TokenSet{}, m.refreshErr
	}
	if len(m.refreshSets) == 0 {
		return TokenSet{}, ErrUnauthorized
	}
	set := m.refreshSets[0]
	if len(m.refreshSets) > 1 {
		m.refreshSets = m.refreshSets[1:]
	}
	m.validTokens[set.AccessToken] = true
	return set, nil
}

// Sent returns a copy of all recorded sends.
func (m *Mock) Sent() []SentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMail, len(m.sent))
	copy(out, m.sent)
	return out
}

// RefreshCalls returns how many times Refresh was invoked.
func (m *Mock) RefreshCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshCalls
}

// ProbeCalls returns how many times Probe was invoked.
func (m *Mock) ProbeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probeCalls
}

// NewExpiringToken is a helper building a TokenSet that expires after d.
func NewExpiringToken(access, refresh string, d time.Duration) TokenSet {
	return TokenSet{AccessToken: access, RefreshToken: refresh, Expiry: time.Now().Add(d)}
}
