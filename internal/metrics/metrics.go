package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/classlobby/internal/broadcast"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "classlobby"

// Metrics holds the coordinator's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	LobbiesActive    prometheus.Gauge
	LobbiesCreated   prometheus.Counter
	Transitions      *prometheus.CounterVec
	Participants     prometheus.Gauge
	Connections      prometheus.Gauge
	EventsPublished  *prometheus.CounterVec
	EventsDropped    prometheus.Counter
	ScoresSubmitted  *prometheus.CounterVec
	RequestCounter   *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	DBConnPoolStats  *prometheus.GaugeVec
	ArchiveQueueSize prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		LobbiesActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lobbies_active",
			Help:      "Lobbies currently held by the registry",
		}),
		LobbiesCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lobbies_created_total",
			Help:      "Total number of lobbies created",
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Lobby lifecycle transitions",
		}, []string{"from", "to"}),
		Participants: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants",
			Help:      "Participants seated across all lobbies",
		}),
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Open lobby WebSocket connections",
		}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Lobby events published, by type",
		}, []string{"type"}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events evicted from saturated connection queues",
		}),
		ScoresSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scores_submitted_total",
			Help:      "Score submissions accepted, by game type",
		}, []string{"game_type"}),
		RequestCounter: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		DBConnPoolStats: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connection_pool",
			Help:      "Database connection pool statistics",
		}, []string{"stat"}),
		ArchiveQueueSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "archive_buffer",
			Help:      "Events waiting to be pushed to the archive queue",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) LobbyCreated() {
	if m == nil {
		return
	}
	m.LobbiesCreated.Inc()
	m.LobbiesActive.Inc()
}

func (m *Metrics) LobbyRemoved() {
	if m == nil {
		return
	}
	m.LobbiesActive.Dec()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

// ParticipantsChanged adds delta to the seated participant gauge.
func (m *Metrics) ParticipantsChanged(delta int) {
	if m == nil {
		return
	}
	m.Participants.Add(float64(delta))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

func (m *Metrics) ScoreSubmitted(gameType string) {
	if m == nil {
		return
	}
	m.ScoresSubmitted.WithLabelValues(gameType).Inc()
}

// Published counts a lobby event; it satisfies the lobby observer contract.
func (m *Metrics) Published(_ int64, ev broadcast.Event) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(ev.Type).Inc()
}

// Dropped counts an event evicted from a slow connection's queue.
func (m *Metrics) Dropped(_ int64, _ uuid.UUID, _ broadcast.Event) {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// RecordDBPoolStats records database connection pool statistics.
func (m *Metrics) RecordDBPoolStats(total, inUse, idle int32, waitCount int64, waitDuration time.Duration) {
	if m == nil {
		return
	}
	m.DBConnPoolStats.WithLabelValues("total").Set(float64(total))
	m.DBConnPoolStats.WithLabelValues("in_use").Set(float64(inUse))
	m.DBConnPoolStats.WithLabelValues("idle").Set(float64(idle))
	m.DBConnPoolStats.WithLabelValues("wait_count").Set(float64(waitCount))
	m.DBConnPoolStats.WithLabelValues("wait_duration_ms").Set(float64(waitDuration.Milliseconds()))
}

// SetArchiveBuffer reports the archiver's local backlog.
func (m *Metrics) SetArchiveBuffer(n int) {
	if m == nil {
		return
	}
	m.ArchiveQueueSize.Set(float64(n))
}

// statusRecorder captures the response code for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer (WebSocket hijacking).
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("%T does not support hijacking", r.ResponseWriter)
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Middleware records request count and duration, labelled by method.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
		m.RequestCounter.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	})
}
