package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embermail/embermail/internal/queue"
	"github.com/embermail/embermail/internal/store"
)

func newTestServer(t *testing.T) (*Server, store.Store, *queue.MemoryBroker) {
	t.Helper()

	st := store.NewMemory(store.Config{Type: "memory", Name: "test"})
	require.NoError(t, st.Connect())
	t.Cleanup(func() { st.Close() })

	broker := queue.NewMemoryBroker(queue.Config{Namespace: "test"})
	require.NoError(t, broker.Declare(context.Background()))
	t.Cleanup(func() { broker.Close() })

	return NewServer(":0", st, broker), st, broker
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestHealthReportsDisconnectedStore(t *testing.T) {
	s, st, _ := newTestServer(t)
	require.NoError(t, st.Close())

	rec := get(t, s, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestQueueStatsEndpoint(t *testing.T) {
	s, _, broker := newTestServer(t)

	require.NoError(t, broker.Publish(context.Background(), queue.Job{ToAddress: "a@example.org"}))
	require.NoError(t, broker.Publish(context.Background(), queue.Job{ToAddress: "b@example.org"}))

	rec := get(t, s, "/api/queue/stats")
	assert.Equal(t, http.StatusOK, rec.Code)

	var stats queue.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(2), stats.Ready)
}

func TestQuotaEndpoint(t *testing.T) {
	s, st, _ := newTestServer(t)

	q := store.DefaultQuota("alice", "tenant-1")
	q.SentToday = 4
	_, err := st.CreateQuota(context.Background(), q)
	require.NoError(t, err)

	rec := get(t, s, "/api/quota/alice")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		DailyLimit int  `json:"daily_limit"`
		Exhausted  bool `json:"exhausted"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 10, body.DailyLimit)
	assert.False(t, body.Exhausted)
}

func TestQuotaEndpointNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := get(t, s, "/api/quota/nobody")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMessagesEndpoint(t *testing.T) {
	s, st, _ := newTestServer(t)

	_, err := st.CreateMessage(context.Background(), store.Message{
		ToAddress: "peer@example.org",
		Subject:   "hello",
		OwnerID:   "alice",
		TenantID:  "tenant-1",
		Status:    store.StatusSent,
	})
	require.NoError(t, err)

	rec := get(t, s, "/api/messages?owner=alice&tenant=tenant-1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)
}

func TestMessagesEndpointRequiresParams(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := get(t, s, "/api/messages")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
