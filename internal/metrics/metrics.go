package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks draft activity. All methods are safe on a nil receiver.
type Metrics struct {
	registry    *prometheus.Registry
	rooms       prometheus.Counter
	turns       *prometheus.CounterVec
	staleWrites prometheus.Counter
	lobbies     prometheus.Gauge
	clients     prometheus.Gauge
	dropped     prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rooms: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "draft_rooms_created_total",
			Help: "Rooms created.",
		}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "draft_turns_resolved_total",
			Help: "Turns resolved, by how they were resolved.",
		}, []string{"kind"}),
		staleWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "draft_stale_writes_total",
			Help: "Conditional draft writes that lost to a concurrent write.",
		}),
		lobbies: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "draft_active_lobbies",
			Help: "Rooms with a live lobby in this process.",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "draft_connected_clients",
			Help: "Clients joined to a lobby in this process.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "draft_slow_clients_dropped_total",
			Help: "Clients dropped because their outbox was full.",
		}),
	}
	m.registry.MustRegister(m.rooms, m.turns, m.staleWrites, m.lobbies, m.clients, m.dropped)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}


func (m *Metrics) RoomCreated() {
	if m != nil {
		m.rooms.Inc()
	}
}

// TurnResolved counts one turn; kind is manual, automatic or skipped.
func (m *Metrics) TurnResolved(kind string) {
	if m != nil {
		m.turns.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) StaleWrite() {
	if m != nil {
		m.staleWrites.Inc()
	}
}

func (m *Metrics) LobbyOpened() {
	if m != nil {
		m.lobbies.Inc()
	}
}

func (m *Metrics) LobbyClosed() {
	if m != nil {
		m.lobbies.Dec()
	}
}

func (m *Metrics) ClientJoined() {
	if m != nil {
		m.clients.Inc()
	}
}

func (m *Metrics) ClientLeft() {
	if m != nil {
		m.clients.Dec()
	}
}

func (m *Metrics) ClientDropped() {
	if m != nil {
		m.dropped.Inc()
		m.clients.Dec()
	}
}
