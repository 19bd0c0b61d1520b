package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and
// records nothing, so components can be built without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Terminal metrics
	TerminalsActive    prometheus.Gauge
	TerminalsCreated   prometheus.Counter
	TerminalExits      *prometheus.CounterVec
	TerminalsDestroyed prometheus.Counter

	// Operation metrics
	OperationDuration *prometheus.HistogramVec

	// WebSocket metrics
	WSConnections   prometheus.Gauge
	WSMessages      *prometheus.CounterVec
	WSDroppedFrames *prometheus.CounterVec

	// Reconciler metrics
	ReconcilerSweeps  *prometheus.CounterVec
	ReconcilerActions *prometheus.CounterVec

	startTime time.Time

	// Snapshot for the JSON health endpoint
	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current values for the JSON API.
type Snapshot struct {
	TotalRequests     int64   `json:"total_requests"`
	TotalErrors       int64   `json:"total_errors"`
	ActiveTerminals   int64   `json:"active_terminals"`
	ActiveConnections int64   `json:"active_connections"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
}

// NewMetrics creates a collector on its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "termhub_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "termhub_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		TerminalsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "termhub_terminals_active",
				Help: "Number of terminals in running status",
			},
		),
		TerminalsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "termhub_terminals_created_total",
				Help: "Total number of terminals created",
			},
		),
		TerminalExits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "termhub_terminal_exits_total",
				Help: "Terminals leaving running status, by final status",
			},
			[]string{"status"},
		),
		TerminalsDestroyed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "termhub_terminals_destroyed_total",
				Help: "Total number of terminals destroyed",
			},
		),

		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "termhub_operation_duration_seconds",
				Help:    "Duration of terminal operations",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"operation", "result"},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "termhub_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "termhub_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),
		WSDroppedFrames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "termhub_ws_dropped_frames_total",
				Help: "Outbound frames lost to a full subscriber queue",
			},
			[]string{"policy"},
		),

		ReconcilerSweeps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "termhub_reconciler_sweeps_total",
				Help: "Reconciler sweeps by result",
			},
			[]string{"result"},
		),
		ReconcilerActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "termhub_reconciler_actions_total",
				Help: "Corrections applied by the reconciler",
			},
			[]string{"action"},
		),
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "termhub_uptime_seconds",
			Help: "Server uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// Registry returns the registry metrics are exposed from.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	if status[0] == '4' || status[0] == '5' {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordOperation records the duration of a terminal operation
func (m *Metrics) RecordOperation(op, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(op, result).Observe(duration.Seconds())
}

// TerminalStarted counts a new running terminal
func (m *Metrics) TerminalStarted() {
	if m == nil {
		return
	}
	m.TerminalsCreated.Inc()
}

// TerminalExited counts a terminal leaving running status
func (m *Metrics) TerminalExited(status string) {
	if m == nil {
		return
	}
	m.TerminalExits.WithLabelValues(status).Inc()
}

// TerminalDestroyed counts an explicit destroy
func (m *Metrics) TerminalDestroyed() {
	if m == nil {
		return
	}
	m.TerminalsDestroyed.Inc()
}

// SetTerminalsActive sets the number of running terminals
func (m *Metrics) SetTerminalsActive(count int) {
	if m == nil {
		return
	}
	m.TerminalsActive.Set(float64(count))
	m.mu.Lock()
	m.snapshot.ActiveTerminals = int64(count)
	m.mu.Unlock()
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// RecordDroppedFrame records a frame lost to queue overflow
func (m *Metrics) RecordDroppedFrame(policy string) {
	if m == nil {
		return
	}
	m.WSDroppedFrames.WithLabelValues(policy).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
	m.mu.Lock()
	m.snapshot.ActiveConnections++
	m.mu.Unlock()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
	m.mu.Lock()
	m.snapshot.ActiveConnections--
	m.mu.Unlock()
}

// RecordSweep records a reconciler sweep result
func (m *Metrics) RecordSweep(result string) {
	if m == nil {
		return
	}
	m.ReconcilerSweeps.WithLabelValues(result).Inc()
}

// RecordReconcilerAction records one reconciler correction
func (m *Metrics) RecordReconcilerAction(action string) {
	if m == nil {
		return
	}
	m.ReconcilerActions.WithLabelValues(action).Inc()
}

// GetSnapshot returns current values for the JSON API
func (m *Metrics) GetSnapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.snapshot
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}
