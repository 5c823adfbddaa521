// Package metrics exposes robotlink counters in Prometheus format.
//
// A Registry implements the dispatch and broadcast metrics hooks and serves
// everything, plus Go runtime and process collectors, from Handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "robotlink"

// Registry owns a private Prometheus registry and the robotlink collectors.
type Registry struct {
	reg *prometheus.Registry

	requests     *prometheus.CounterVec
	operations   *prometheus.CounterVec
	durations    *prometheus.HistogramVec
	events       *prometheus.CounterVec
	sinkFailures prometheus.Counter
	queueDepth   prometheus.Gauge
	wsClients    prometheus.Gauge
	mqttUp       prometheus.Gauge
	influxFailed prometheus.Counter
}

// New creates and registers all collectors.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Client requests handled, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_finished_total",
			Help:      "Task operations that reached their end stage, by kind and result.",
		}, []string{"kind", "result"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Run time of task operations from Start to End, by operation and result.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"operation", "result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "events_total",
			Help:      "Broadcast events delivered, by type.",
		}, []string{"type"}),
		sinkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "sink_failures_total",
			Help:      "Broadcast deliveries a sink rejected.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "queue_depth",
			Help:      "Events waiting in the broadcast queue.",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "clients",
			Help:      "Connected WebSocket relay clients.",
		}),
		mqttUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "connected",
			Help:      "1 when the broker connection is up.",
		}),
		influxFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "influxdb",
			Name:      "write_failures_total",
			Help:      "Telemetry batches the InfluxDB server rejected.",
		}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.requests, r.operations, r.durations, r.events, r.sinkFailures, r.queueDepth, r.wsClients, r.mqttUp, r.influxFailed,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RequestHandled counts one dispatched request.
func (r *Registry) RequestHandled(operation, outcome string) {
	r.requests.WithLabelValues(operation, outcome).Inc()
}

// OperationFinished counts one task End.
func (r *Registry) OperationFinished(kind, result string) {
	r.operations.WithLabelValues(kind, result).Inc()
}

// OperationTimed observes one task's run time.
func (r *Registry) OperationTimed(operation, result string, elapsed time.Duration) {
	r.durations.WithLabelValues(operation, result).Observe(elapsed.Seconds())
}

// EventDelivered counts one broadcast delivery.
func (r *Registry) EventDelivered(eventType string) {
	r.events.WithLabelValues(eventType).Inc()
}

// SinkFailed counts one failed broadcast delivery.
func (r *Registry) SinkFailed() {
	r.sinkFailures.Inc()
}

// QueueDepth records the broadcast queue length.
func (r *Registry) QueueDepth(n int) {
	r.queueDepth.Set(float64(n))
}

// WebSocketClients records the relay client count.
func (r *Registry) WebSocketClients(n int) {
	r.wsClients.Set(float64(n))
}

// MQTTConnected records broker connectivity.
func (r *Registry) MQTTConnected(up bool) {
	if up {
		r.mqttUp.Set(1)
		return
	}
	r.mqttUp.Set(0)
}

// TelemetryWriteFailed counts one rejected InfluxDB batch.
func (r *Registry) TelemetryWriteFailed() {
	r.influxFailed.Inc()
}
