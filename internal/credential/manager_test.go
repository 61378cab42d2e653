package credential

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embermail/embermail/internal/provider"
	"github.com/embermail/embermail/internal/store"
)

func setupManager(t *testing.T) (*Manager, *provider.Mock, store.Store) {
	t.Helper()
	st := store.NewMemory(store.Config{})
	require.NoError(t, st.Connect())
	t.Cleanup(func() { _ = st.Close() })

	mock := provider.NewMock()
	sealer, err := NewSealer("")
	require.NoError(t, err)

	return NewManager(st, sealer, mock), mock, st
}

func seedCredential(t *testing.T, m *Manager, access, refresh string) store.Credential {
	t.Helper()
	cred, err := m.Save(context.Background(), store.Credential{
		OwnerID:      "owner-1",
		TenantID:     "tenant-1",
		Address:      "warm@example.com",
		Provider:     store.ProviderGmail,
		AccessToken:  access,
		RefreshToken: refresh,
		TokenExpiry:  time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	return cred
}

func TestEnsureValidWithGoodToken(t *testing.T) {
	m, mock, _ := setupManager(t)
	mock.AllowToken("tok-good")
	cred := seedCredential(t, m, "tok-good", "refresh-1")

	got, access, err := m.EnsureValid(context.Background(), cred)
	require.NoError(t, err)
	assert.Equal(t, "tok-good", access)
	assert.Equal(t, cred.AccessToken, got.AccessToken)
	assert.Zero(t, mock.RefreshCalls())
}

func TestEnsureValidRefreshesRejectedToken(t *testing.T) {
	m, mock, st := setupManager(t)
	cred := seedCredential(t, m, "tok-expired", "refresh-1")
	mock.QueueRefresh(provider.NewExpiringToken("tok-fresh", "refresh-2", time.Hour))

	got, access, err := m.EnsureValid(context.Background(), cred)
	require.NoError(t, err)
	assert.Equal(t, "tok-fresh", access)
	assert.Equal(t, 1, mock.RefreshCalls())

	// New token set persisted.
	stored, err := st.GetCredential(context.Background(), "owner-1", store.ProviderGmail)
	require.NoError(t, err)
	assert.Equal(t, got.AccessToken, stored.AccessToken)
}

func TestEnsureValidNoRefreshToken(t *testing.T) {
	m, mock, _ := setupManager(t)
	cred := seedCredential(t, m, "tok-expired", "")

	_, _, err := m.EnsureValid(context.Background(), cred)
	assert.ErrorIs(t, err, ErrCredentialInvalid)
	assert.Zero(t, mock.RefreshCalls(), "no refresh attempt without a refresh token")
}

func TestEnsureValidRefreshFails(t *testing.T) {
	m, mock, _ := setupManager(t)
	cred := seedCredential(t, m, "tok-expired", "refresh-1")
	mock.FailRefresh(provider.ErrUnauthorized)

	_, _, err := m.EnsureValid(context.Background(), cred)
	assert.ErrorIs(t, err, ErrCredentialInvalid)
}

func TestEnsureValidSingleFlightRefresh(t *testing.T) {
	m, mock, _ := setupManager(t)
	cred := seedCredential(t, m, "tok-expired", "refresh-1")
	mock.QueueRefresh(provider.NewExpiringToken("tok-fresh", "refresh-2", time.Hour))

	var wg sync.WaitGroup
	accesses := make([]string, 8)
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, accesses[i], errs[i] = m.EnsureValid(context.Background(), cred)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "tok-fresh", accesses[i])
	}
	// A stale refresh token replayed twice would be rejected by the real
	// provider; the single-flight group must collapse the refreshes.
	assert.Equal(t, 1, mock.RefreshCalls())
}

// flakyStore simulates a backend hiccup on credential reads.
type flakyStore struct {
	store.Store
	readErr error
}

func (f *flakyStore) GetCredential(ctx context.Context, ownerID string, p store.ProviderType) (store.Credential, error) {
	if f.readErr != nil {
		return store.Credential{}, f.readErr
	}
	return f.Store.GetCredential(ctx, ownerID, p)
}

func TestEnsureValidStoreHiccupIsTransient(t *testing.T) {
	st := store.NewMemory(store.Config{})
	require.NoError(t, st.Connect())
	defer st.Close()

	mock := provider.NewMock()
	sealer, err := NewSealer("")
	require.NoError(t, err)
	flaky := &flakyStore{Store: st}
	m := NewManager(flaky, sealer, mock)

	cred, err := m.Save(context.Background(), store.Credential{
		OwnerID:      "owner-1",
		TenantID:     "tenant-1",
		Provider:     store.ProviderGmail,
		AccessToken:  "tok-expired",
		RefreshToken: "refresh-1",
	})
	require.NoError(t, err)

	// The re-read inside the refresh flight hits a failing store. That must
	// surface as transient, not as a bad credential.
	flaky.readErr = errors.New("connection reset by peer")
	_, _, err = m.EnsureValid(context.Background(), cred)
	require.Error(t, err)
	assert.True(t, provider.IsTransient(err))
	assert.NotErrorIs(t, err, ErrCredentialInvalid)
	assert.Zero(t, mock.RefreshCalls(), "no refresh without a current snapshot")

	// A credential deleted mid-flight is a real credential failure.
	flaky.readErr = store.ErrNotFound
	_, _, err = m.EnsureValid(context.Background(), cred)
	assert.ErrorIs(t, err, ErrCredentialInvalid)
}

func TestLoadMissingCredential(t *testing.T) {
	m, _, _ := setupManager(t)
	_, err := m.Load(context.Background(), "nobody", store.ProviderGmail)
	assert.ErrorIs(t, err, ErrCredentialMissing)
}

func TestSealerRoundTrip(t *testing.T) {
	key := "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=" // 32 bytes, base64
	sealer, err := NewSealer(key)
	require.NoError(t, err)

	sealed, err := sealer.Seal("super-secret-token")
	require.NoError(t, err)
	assert.NotEqual(t, "super-secret-token", sealed)

	opened, err := sealer.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "super-secret-token", opened)

	// Sealing is randomized per call.
	sealed2, err := sealer.Seal("super-secret-token")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, sealed2)
}

func TestSealerRejectsBadKey(t *testing.T) {
	_, err := NewSealer("dG9vLXNob3J0") // valid base64, wrong length
	assert.Error(t, err)

	_, err = NewSealer("not base64!!")
	assert.Error(t, err)
}

func TestManagerWithAEADSealerEndToEnd(t *testing.T) {
	st := store.NewMemory(store.Config{})
	require.NoError(t, st.Connect())
	defer st.Close()

	mock := provider.NewMock()
	mock.AllowToken("tok-plain")
	sealer, err := NewSealer("MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=")
	require.NoError(t, err)
	m := NewManager(st, sealer, mock)

	cred, err := m.Save(context.Background(), store.Credential{
		OwnerID:     "owner-2",
		TenantID:    "tenant-1",
		Provider:    store.ProviderGmail,
		AccessToken: "tok-plain",
	})
	require.NoError(t, err)

	// The store never sees the plaintext token.
	assert.NotEqual(t, "tok-plain", cred.AccessToken)

	_, access, err := m.EnsureValid(context.Background(), cred)
	require.NoError(t, err)
	assert.Equal(t, "tok-plain", access)
}
