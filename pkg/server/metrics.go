package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors.
// Each Metrics owns its registry so several servers can run in one process.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions   prometheus.Gauge
	joinsAccepted    prometheus.Counter
	joinsRejected    *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	relaysDelivered  prometheus.Counter
	disconnects      *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sbcp_active_sessions",
			Help: "Number of admitted sessions",
		}),
		joinsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sbcp_joins_accepted_total",
			Help: "Number of JOIN requests admitted",
		}),
		joinsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbcp_joins_rejected_total",
			Help: "Number of JOIN requests rejected, by reason",
		}, []string{"reason"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbcp_messages_received_total",
			Help: "Number of messages received, by type",
		}, []string{"type"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbcp_messages_sent_total",
			Help: "Number of messages sent, by type",
		}, []string{"type"}),
		relaysDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sbcp_relays_delivered_total",
			Help: "Number of FWD messages written to recipients",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbcp_disconnects_total",
			Help: "Number of sessions removed, by cause",
		}, []string{"cause"}),
	}

	m.registry.MustRegister(
		m.activeSessions,
		m.joinsAccepted,
		m.joinsRejected,
		m.messagesReceived,
		m.messagesSent,
		m.relaysDelivered,
		m.disconnects,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) RecordActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordJoinAccepted() {
	m.joinsAccepted.Inc()
}

func (m *Metrics) RecordJoinRejected(reason string) {
	m.joinsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordMessageReceived(msgType string) {
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordMessageSent(msgType string) {
	m.messagesSent.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordRelayDelivered() {
	m.relaysDelivered.Inc()
}

func (m *Metrics) RecordDisconnect(cause string) {
	m.disconnects.WithLabelValues(cause).Inc()
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// healthResponse is the JSON body served on /health
type healthResponse struct {
	Status        string `json:"status"`
	Sessions      int    `json:"sessions"`
	MaxClients    int    `json:"max_clients"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// HealthHandler reports liveness and current occupancy
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := s.hub.Snapshot(r.Context())
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(healthResponse{Status: "stopping"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:        "ok",
		Sessions:      len(snap.Members),
		MaxClients:    snap.Capacity,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	})
}
