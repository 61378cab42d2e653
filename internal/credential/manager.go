// Package credential keeps provider access tokens valid across send
// attempts: it probes the stored token, refreshes it through the provider
// when rejected, and persists the new token set. Refreshes for the same
// credential are collapsed into a single flight because a refresh token
// replayed by two workers is rejected by the provider.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/embermail/embermail/internal/metrics"
	"github.com/embermail/embermail/internal/provider"
	"github.com/embermail/embermail/internal/store"
)

// Lifecycle errors
var (
	ErrCredentialMissing = errors.New("no credentials found")
	ErrCredentialInvalid = errors.New("invalid email credentials")
)

// Manager owns credential mutation. Other components read credentials
// through it and never touch token fields directly.
type Manager struct {
	store     store.Store
	providers map[store.ProviderType]provider.Provider
	sealer    Sealer
	group     singleflight.Group
	logger    *slog.Logger
}

// NewManager creates a credential manager
func NewManager(st store.Store, sealer Sealer, providers ...provider.Provider) *Manager {
	byType := make(map[store.ProviderType]provider.Provider, len(providers))
	for _, p := range providers {
		byType[store.ProviderType(p.Name())] = p
	}
	return &Manager{
		store:     st,
		providers: byType,
		sealer:    sealer,
		logger:    slog.Default().With("component", "credential"),
	}
}

// Provider returns the registered provider for t, or nil when none is
// configured for that type.
func (m *Manager) Provider(t store.ProviderType) provider.Provider {
	return m.providers[t]
}

// Load fetches the credential for a mailbox, mapping absence onto
// ErrCredentialMissing.
func (m *Manager) Load(ctx context.Context, ownerID string, providerType store.ProviderType) (store.Credential, error) {
	cred, err := m.store.GetCredential(ctx, ownerID, providerType)
	if errors.Is(err, store.ErrNotFound) {
		return store.Credential{}, ErrCredentialMissing
	}
	if err != nil {
		return store.Credential{}, fmt.Errorf("failed to load credential: %w", err)
	}
	return cred, nil
}

// Save seals the token fields of cred and persists it.
func (m *Manager) Save(ctx context.Context, cred store.Credential) (store.Credential, error) {
	var err error
	if cred.AccessToken, err = m.sealer.Seal(cred.AccessToken); err != nil {
		return store.Credential{}, err
	}
	if cred.RefreshToken, err = m.sealer.Seal(cred.RefreshToken); err != nil {
		return store.Credential{}, err
	}
	return m.store.SaveCredential(ctx, cred)
}

// EnsureValid probes the credential's access token and refreshes it once
// if the provider rejects it. Returns the (possibly updated) credential
// and the plaintext access token to use for the send. Any failed path
// yields ErrCredentialInvalid; transient provider trouble is passed
// through untouched so the caller can retry at the transport level.
func (m *Manager) EnsureValid(ctx context.Context, cred store.Credential) (store.Credential, string, error) {
	prov, ok := m.providers[cred.Provider]
	if !ok {
		return store.Credential{}, "", fmt.Errorf("%w: unsupported provider %q", ErrCredentialInvalid, cred.Provider)
	}

	access, err := m.sealer.Open(cred.AccessToken)
	if err != nil {
		return store.Credential{}, "", fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	}

	probeErr := prov.Probe(ctx, access)
	if probeErr == nil {
		return cred, access, nil
	}
	if provider.IsTransient(probeErr) {
		return store.Credential{}, "", probeErr
	}

	refresh, err := m.sealer.Open(cred.RefreshToken)
	if err != nil || refresh == "" {
		return store.Credential{}, "", ErrCredentialInvalid
	}

	m.logger.Info("access token rejected, refreshing",
		"owner_id", cred.OwnerID,
		"provider", cred.Provider)

	type refreshed struct {
		cred   store.Credential
		access string
	}

	// One refresh per credential at a time; concurrent workers share the
	// outcome instead of burning the refresh token twice.
	v, err, _ := m.group.Do(cred.ID, func() (interface{}, error) {
		// Another worker may have refreshed while we waited.
		current, err := m.store.GetCredential(ctx, cred.OwnerID, cred.Provider)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrCredentialInvalid
		}
		if err != nil {
			// A store hiccup is not a bad credential; let the transport
			// tier retry instead of spending the credential retry.
			return nil, &provider.TransientError{Err: fmt.Errorf("failed to re-read credential: %w", err)}
		}
		if current.AccessToken != cred.AccessToken {
			freshAccess, err := m.sealer.Open(current.AccessToken)
			if err == nil && prov.Probe(ctx, freshAccess) == nil {
				return refreshed{cred: current, access: freshAccess}, nil
			}
		}

		set, err := prov.Refresh(ctx, refresh)
		metrics.Get().TokenRefreshes.Inc()
		if err != nil {
			if provider.IsTransient(err) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
		}

		current.AccessToken = set.AccessToken
		current.RefreshToken = set.RefreshToken
		current.TokenExpiry = set.Expiry
		saved, err := m.Save(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("failed to persist refreshed tokens: %w", err)
		}

		// Re-probe exactly once with the new token.
		if err := prov.Probe(ctx, set.AccessToken); err != nil {
			if provider.IsTransient(err) {
				return nil, err
			}
			return nil, ErrCredentialInvalid
		}
		return refreshed{cred: saved, access: set.AccessToken}, nil
	})
	if err != nil {
		return store.Credential{}, "", err
	}

	result := v.(refreshed)
	return result.cred, result.access, nil
}
