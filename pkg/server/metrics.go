package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the server. Each instance
// carries its own registry so multiple servers can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions       prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected prometheus.Counter
	connectionsTotal     prometheus.Counter
	chatMessages         prometheus.Counter
	framesBroadcast      prometheus.Counter
	broadcastFailures    prometheus.Counter
	handshakeRejections  *prometheus.CounterVec
	adminCommands        *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "littlechat",
			Name:      "active_sessions",
			Help:      "Number of currently registered sessions",
		}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "littlechat",
			Name:      "sessions_created_total",
			Help:      "Total sessions admitted past the handshake",
		}),
		sessionsDisconnected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "littlechat",
			Name:      "sessions_disconnected_total",
			Help:      "Total sessions unregistered (disconnect, kick, or ban)",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "littlechat",
			Name:      "connections_total",
			Help:      "Total inbound connections accepted, including rejected handshakes",
		}),
		chatMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "littlechat",
			Name:      "chat_messages_total",
			Help:      "Total chat messages relayed",
		}),
		framesBroadcast: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "littlechat",
			Name:      "frames_broadcast_total",
			Help:      "Total broadcast operations performed",
		}),
		broadcastFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "littlechat",
			Name:      "broadcast_failures_total",
			Help:      "Total per-recipient send failures during broadcast",
		}),
		handshakeRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "littlechat",
			Name:      "handshake_rejections_total",
			Help:      "Total handshakes rejected, by reason",
		}, []string{"reason"}),
		adminCommands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "littlechat",
			Name:      "admin_commands_total",
			Help:      "Total admin commands received over the socket, by command",
		}, []string{"command"}),
	}
}

// Handler returns the /metrics HTTP handler for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsDisconnected.Inc()
}

func (m *Metrics) RecordConnection() {
	m.connectionsTotal.Inc()
}

func (m *Metrics) RecordChatMessage() {
	m.chatMessages.Inc()
}

func (m *Metrics) RecordFrameBroadcast() {
	m.framesBroadcast.Inc()
}

func (m *Metrics) RecordBroadcastFailure() {
	m.broadcastFailures.Inc()
}

func (m *Metrics) RecordHandshakeRejected(reason string) {
	m.handshakeRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordAdminCommand(command string) {
	m.adminCommands.WithLabelValues(command).Inc()
}

// HealthHandler reports liveness plus a couple of cheap gauges.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}
