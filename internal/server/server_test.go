package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/provider"
	"github.com/nhle/mailhub/internal/source"
	"github.com/nhle/mailhub/internal/source/sourcetest"
)

func message(id, subject string, age time.Duration) model.Message {
	return model.Message{
		ID:      id,
		Subject: subject,
		From:    "billing@example.com",
		Date:    time.Now().Add(-age),
		Unread:  true,
	}
}

func setup(t *testing.T) (*Server, *sourcetest.Connector) {
	t.Helper()

	alpha := sourcetest.New("alpha",
		message("a1", "Invoice March", time.Hour),
		message("a2", "Lunch", 2*time.Hour),
	)
	alpha.Unread = 2
	beta := sourcetest.New("beta")
	beta.Err = &source.TransientError{Provider: "beta", Op: "search", Err: errors.New("connection reset")}
	gamma := sourcetest.New("gamma", message("g1", "Invoice February", 30*time.Hour))

	m, err := provider.NewManager([]provider.Entry{
		{Connector: alpha, DisplayName: "Alpha", Enabled: true},
		{Connector: beta, DisplayName: "Beta", Enabled: true},
		{Connector: gamma, DisplayName: "Gamma", Enabled: true},
	})
	require.NoError(t, err)
	m.Start(context.Background())

	return New(m, model.ServerConfig{ReadTimeoutSec: 5}), alpha
}

func do(t *testing.T, s *Server, method, target string) (int, map[string]any) {
	t.Helper()

	resp, err := s.App().Test(httptest.NewRequest(method, target, nil), 5000)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body), string(raw))
	return resp.StatusCode, body
}

func TestSearchEndpoint(t *testing.T) {
	s, _ := setup(t)

	code, body := do(t, s, http.MethodGet, "/api/emails/search?q=invoice&limit=10")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 2, body["count"])
	assert.EqualValues(t, 2, body["responded"])
	assert.EqualValues(t, 3, body["providers"])

	emails := body["emails"].([]any)
	require.Len(t, emails, 2)
	first := emails[0].(map[string]any)
	assert.Equal(t, "a1", first["id"])
	assert.Equal(t, "alpha", first["provider"])
	assert.Equal(t, "Alpha", first["providerName"])

	errs := body["errors"].(map[string]any)
	assert.Contains(t, errs, "beta")
}

type queryRecorder struct {
	*sourcetest.Connector

	mu      sync.Mutex
	queries []string
}

func (r *queryRecorder) SearchEmails(ctx context.Context, opts source.SearchOptions) (*source.SearchResult, error) {
	r.mu.Lock()
	r.queries = append(r.queries, opts.Query)
	r.mu.Unlock()
	return r.Connector.SearchEmails(ctx, opts)
}

func TestSearchEndpoint_QueryStringsOutliveRequest(t *testing.T) {
	rec := &queryRecorder{Connector: sourcetest.New("alpha", message("a1", "invoiceAAAA due", time.Hour))}
	m, err := provider.NewManager([]provider.Entry{{Connector: rec, DisplayName: "Alpha", Enabled: true}})
	require.NoError(t, err)
	m.Start(context.Background())
	s := New(m, model.ServerConfig{ReadTimeoutSec: 5})

	code, _ := do(t, s, http.MethodGet, "/api/emails/search?q=invoiceAAAA")
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, s, http.MethodGet, "/api/emails/search?q=zzzzzzzzzzz")
	require.Equal(t, http.StatusOK, code)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"invoiceAAAA", "zzzzzzzzzzz"}, rec.queries)
}

func TestSearchEndpoint_RequiresQuery(t *testing.T) {
	s, _ := setup(t)

	code, body := do(t, s, http.MethodGet, "/api/emails/search")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "q is required")
}

func TestRecentEndpoint(t *testing.T) {
	s, _ := setup(t)

	code, body := do(t, s, http.MethodGet, "/api/emails/recent?limit=2")
	assert.Equal(t, http.StatusOK, code)
	emails := body["emails"].([]any)
	assert.Len(t, emails, 2)
	assert.EqualValues(t, 3, body["totalCount"])

	code, _ = do(t, s, http.MethodGet, "/api/emails/recent?limit=-1")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestUnreadEndpoint(t *testing.T) {
	s, _ := setup(t)

	code, body := do(t, s, http.MethodGet, "/api/emails/unread")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["total"])
	byProvider := body["byProvider"].(map[string]any)
	assert.EqualValues(t, 2, byProvider["alpha"].(map[string]any)["count"])
	assert.Contains(t, byProvider["beta"].(map[string]any)["error"], "connection reset")
}

func TestStatsEndpoint(t *testing.T) {
	s, _ := setup(t)

	code, body := do(t, s, http.MethodGet, "/api/stats")
	assert.Equal(t, http.StatusOK, code)
	totals := body["totals"].(map[string]any)
	assert.EqualValues(t, 3, totals["totalMessages"])
	assert.EqualValues(t, 3, totals["unreadMessages"])
	assert.EqualValues(t, 2, totals["accounts"])
	assert.Len(t, body["providers"].(map[string]any), 3)
}

func TestInsightsEndpoint(t *testing.T) {
	s, _ := setup(t)

	code, body := do(t, s, http.MethodGet, "/api/insights?top=1")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 3, body["totalMessages"])
	senders := body["topSenders"].([]any)
	require.Len(t, senders, 1)
	assert.Equal(t, "billing@example.com", senders[0].(map[string]any)["sender"])
}

func TestProviderEndpoints(t *testing.T) {
	s, alpha := setup(t)

	code, body := do(t, s, http.MethodGet, "/api/providers/alpha")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "alpha", body["provider"])
	assert.Equal(t, "alpha@example.com", body["account"].(map[string]any)["address"])

	code, body = do(t, s, http.MethodGet, "/api/providers/nope")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, body["success"])

	code, body = do(t, s, http.MethodGet, "/api/providers")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["providers"].([]any), 3)

	code, body = do(t, s, http.MethodGet, "/api/providers/alpha/emails/a1")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Alpha", body["email"].(map[string]any)["providerName"])

	code, _ = do(t, s, http.MethodGet, "/api/providers/alpha/emails/missing")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, s, http.MethodPost, "/api/providers/alpha/emails/a1/read")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"a1"}, alpha.Marked())

	code, _ = do(t, s, http.MethodPost, "/api/providers/alpha/emails/zzz/read")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDisconnectReconnectEndpoints(t *testing.T) {
	s, _ := setup(t)

	code, _ := do(t, s, http.MethodPost, "/api/providers/alpha/disconnect")
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, s, http.MethodGet, "/api/providers/alpha/emails/a1")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, body := do(t, s, http.MethodPost, "/api/providers/alpha/reconnect")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "active", body["status"].(map[string]any)["status"])

	code, _ = do(t, s, http.MethodPost, "/api/providers/refresh")
	assert.Equal(t, http.StatusOK, code)
}

func TestAuthEndpoints(t *testing.T) {
	s, _ := setup(t)

	code, _ := do(t, s, http.MethodGet, "/api/providers/alpha/auth/url?state=abc")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, s, http.MethodGet, "/api/providers/alpha/auth/callback")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, s, http.MethodGet, "/api/providers/nope/auth/url")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestUnknownRoute(t *testing.T) {
	s, _ := setup(t)

	code, body := do(t, s, http.MethodGet, "/api/nothing")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, body["success"])
}

func TestRateLimiter(t *testing.T) {
	m, err := provider.NewManager(nil)
	require.NoError(t, err)
	s := New(m, model.ServerConfig{RateLimitPerMinute: 2})

	for range 2 {
		code, _ := do(t, s, http.MethodGet, "/health")
		assert.Equal(t, http.StatusOK, code)
	}
	code, _ := do(t, s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusTooManyRequests, code)
}
