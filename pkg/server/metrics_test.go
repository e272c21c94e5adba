package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	srv := startTestServer(t, func(c *ServerConfig) { c.MaxClients = 5 })
	alice := dialTCP(t, "alice", srv)
	alice.join(t)

	rec := httptest.NewRecorder()
	srv.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Sessions)
	assert.Equal(t, 5, body.MaxClients)

	srv.Stop()
	rec = httptest.NewRecorder()
	srv.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsHandler(t *testing.T) {
	srv := startTestServer(t, nil)
	alice := dialTCP(t, "alice", srv)
	alice.join(t)

	// The ACK is written before the hub records the admission
	var body string
	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		srv.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		body = rec.Body.String()
		return rec.Code == http.StatusOK && strings.Contains(body, "sbcp_joins_accepted_total 1")
	}, testTimeout, 10*time.Millisecond)

	assert.Contains(t, body, "sbcp_active_sessions 1")
	assert.Contains(t, body, `sbcp_messages_received_total{type="JOIN"} 1`)
}

func TestMetricsExposedOverHTTP(t *testing.T) {
	m := NewMetrics()
	m.RecordJoinRejected("protocol_error")
	m.RecordDisconnect("timeout")

	ts := httptest.NewServer(m.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `sbcp_joins_rejected_total{reason="protocol_error"} 1`)
	assert.Contains(t, string(body), `sbcp_disconnects_total{cause="timeout"} 1`)
	assert.Contains(t, string(body), "go_goroutines", "runtime collectors are registered")
}
