// Package metrics exposes the agent's prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pwgo_agent"

// Metrics holds every collector on a private registry. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	registry *prometheus.Registry

	eventsQueued    *prometheus.CounterVec
	eventsProcessed *prometheus.CounterVec
	processDuration *prometheus.HistogramVec
	workerFaults    prometheus.Counter
	workersAdded    prometheus.Counter
	queueDepth      prometheus.Gauge
	workers         prometheus.Gauge
	faceIndexSyncs  *prometheus.CounterVec
	sourceRows      *prometheus.CounterVec
	actions         *prometheus.CounterVec
}

// New creates the collectors and registers them, plus the go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsQueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatcher",
				Name:      "events_queued_total",
				Help:      "Change rows accepted onto the dispatch queue",
			}, []string{"message_type"}),
		eventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatcher",
				Name:      "events_processed_total",
				Help:      "Change rows processed by workers",
			}, []string{"table", "outcome"}),
		processDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatcher",
				Name:      "process_duration_seconds",
				Help:      "Time from dequeue to task completion",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
			}, []string{"table"}),
		workerFaults: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatcher",
				Name:      "worker_faults_total",
				Help:      "Workers terminated by an unhandled error",
			}),
		workersAdded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatcher",
				Name:      "workers_started_total",
				Help:      "Worker slots started, including replacements",
			}),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "dispatcher",
				Name:      "queue_depth",
				Help:      "Change rows waiting for a worker",
			}),
		workers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "dispatcher",
				Name:      "workers_running",
				Help:      "Workers that have not exited",
			}),
		faceIndexSyncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "autotag",
				Name:      "face_index_syncs_total",
				Help:      "Face index resynchronisations",
			}, []string{"outcome"}),
		sourceRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "source",
				Name:      "rows_total",
				Help:      "Rows read from the change stream",
			}, []string{"source"}),
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "task",
				Name:      "actions_total",
				Help:      "Side-effect actions run by tasks",
			}, []string{"action", "outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsQueued,
		m.eventsProcessed,
		m.processDuration,
		m.workerFaults,
		m.workersAdded,
		m.queueDepth,
		m.workers,
		m.faceIndexSyncs,
		m.sourceRows,
		m.actions,
	)
	return m
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) EventQueued(messageType string) {
	if m == nil {
		return
	}
	m.eventsQueued.WithLabelValues(messageType).Inc()
}

func (m *Metrics) EventProcessed(table string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.eventsProcessed.WithLabelValues(table, outcome(err)).Inc()
	m.processDuration.WithLabelValues(table).Observe(took.Seconds())
}

func (m *Metrics) WorkerFault() {
	if m == nil {
		return
	}
	m.workerFaults.Inc()
}

func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.workersAdded.Inc()
	m.workers.Inc()
}

func (m *Metrics) WorkerExited() {
	if m == nil {
		return
	}
	m.workers.Dec()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) FaceIndexSynced(err error) {
	if m == nil {
		return
	}
	m.faceIndexSyncs.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) SourceRow(source string) {
	if m == nil {
		return
	}
	m.sourceRows.WithLabelValues(source).Inc()
}

func (m *Metrics) Action(action string, err error) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, outcome(err)).Inc()
}
