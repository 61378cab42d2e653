package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGmail(t *testing.T, handler http.HandlerFunc) *Gmail {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGmail(GmailConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/token",
	})
}

func TestGmailSendPostsRawMIME(t *testing.T) {
	var gotAuth string
	var gotRaw string
	g := newTestGmail(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/gmail/v1/users/me/messages/send", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		var body struct {
			Raw string `json:"raw"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotRaw = body.Raw
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"msg-1"}`))
	})

	err := g.Send(context.Background(), "tok-1", "peer@example.org", "Hello", "<p>Hi</p>")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-1", gotAuth)

	mime, err := base64.RawURLEncoding.DecodeString(gotRaw)
	require.NoError(t, err)
	assert.Contains(t, string(mime), "To: peer@example.org")
	assert.Contains(t, string(mime), "Subject: Hello")
}

func TestGmailClassifiesUnauthorized(t *testing.T) {
	g := newTestGmail(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"Invalid Credentials"}}`))
	})

	err := g.Probe(context.Background(), "tok-stale")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, err.Error(), "Invalid Credentials")
}

func TestGmailClassifiesThrottlingAsTransient(t *testing.T) {
	g := newTestGmail(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	err := g.Send(context.Background(), "tok-1", "peer@example.org", "Hello", "<p>Hi</p>")
	assert.True(t, IsTransient(err))
}

func TestGmailClassifiesServerErrorAsTransient(t *testing.T) {
	g := newTestGmail(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	err := g.Probe(context.Background(), "tok-1")
	assert.True(t, IsTransient(err))
}

func TestGmailClassifiesBadRequestAsPermanent(t *testing.T) {
	g := newTestGmail(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Invalid To header"}}`))
	})

	err := g.Send(context.Background(), "tok-1", "bad", "Hello", "<p>Hi</p>")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.False(t, errors.Is(err, ErrUnauthorized))
}

func TestGmailRefreshExchangesToken(t *testing.T) {
	g := newTestGmail(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "refresh-1", r.Form.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-new","token_type":"Bearer","expires_in":3600}`))
	})

	set, err := g.Refresh(context.Background(), "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-new", set.AccessToken)
	assert.Equal(t, "refresh-1", set.RefreshToken, "refresh token kept when not rotated")
	assert.False(t, set.Expiry.IsZero())
}

func TestGmailRefreshRejectionIsUnauthorized(t *testing.T) {
	g := newTestGmail(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	})

	_, err := g.Refresh(context.Background(), "refresh-dead")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestGmailRefreshServerErrorIsTransient(t *testing.T) {
	g := newTestGmail(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := g.Refresh(context.Background(), "refresh-1")
	assert.True(t, IsTransient(err))
}
