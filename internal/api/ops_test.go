package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wanderer-kills/internal/cache"
	"wanderer-kills/internal/store"
	"wanderer-kills/internal/subscription"
	"wanderer-kills/pkg/clock"
)

func newOpsServer(t *testing.T) (*httptest.Server, *store.EventStore, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	st := store.New(clk, 100, time.Hour)
	manager := subscription.NewManager(clk, subscription.ManagerOptions{})
	t.Cleanup(manager.Close)

	ops := NewOps(clk, nil, nil, nil, nil, nil, st, cache.New(clk), manager, nil, nil)
	r := chi.NewRouter()
	ops.Mount(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, st, clk
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newOpsServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestStatusEndpointReportsCounts(t *testing.T) {
	srv, st, clk := newOpsServer(t)
	st.Append(30000142, 1)
	st.Append(30000142, 2)
	st.Append(31000005, 3)
	clk.Advance(90 * time.Second)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope struct {
		Data struct {
			UptimeSeconds int64 `json:"uptime_seconds"`
			Systems       int   `json:"systems_tracked"`
			Killmails     int64 `json:"killmails_received"`
		} `json:"data"`
		Timestamp string `json:"timestamp"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, int64(90), envelope.Data.UptimeSeconds)
	assert.Equal(t, 2, envelope.Data.Systems)
	assert.Equal(t, int64(3), envelope.Data.Killmails)
	assert.NotEmpty(t, envelope.Timestamp)
}

func TestMetricsEndpointOmitsMissingComponents(t *testing.T) {
	srv, _, _ := newOpsServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Contains(t, envelope.Data, "cache")
	assert.Contains(t, envelope.Data, "subscriptions")
	assert.NotContains(t, envelope.Data, "redisq")
}
