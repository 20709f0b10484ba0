// Package metrics exposes process counters in the Prometheus text format.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"luckybot/internal/runtime/worker"
)

const namespace = "luckybot"

type Metrics struct {
	reg *prometheus.Registry

	queueEnqueued    *prometheus.CounterVec
	queueDeleted     *prometheus.CounterVec
	dispatch         *prometheus.CounterVec
	dispatchAttempts prometheus.Counter
	deliveries       *prometheus.CounterVec
	ingest           *prometheus.CounterVec
	workerState      *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		queueEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_enqueued_total",
			Help:      "Messages appended to a persistent queue.",
		}, []string{"queue"}),
		queueDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_deleted_total",
			Help:      "Messages removed from a persistent queue after handling.",
		}, []string{"queue"}),
		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Outbound deliveries by final outcome.",
		}, []string{"outcome"}),
		dispatchAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Calls made to the messaging API, retries included.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_deliveries_total",
			Help:      "Scheduled notes queued for recipients, per window.",
		}, []string{"window"}),
		ingest: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_requests_total",
			Help:      "Webhook requests by response status.",
		}, []string{"code"}),
		workerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_state",
			Help:      "Current worker lifecycle state (0 created, 1 running, 2 stopping, 3 stopped, 4 failed).",
		}, []string{"worker"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.queueEnqueued, m.queueDeleted,
		m.dispatch, m.dispatchAttempts,
		m.deliveries, m.ingest, m.workerState,
	)
	return m
}

// Registry is the registry all collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Enqueued(queue string) {
	if m == nil {
		return
	}
	m.queueEnqueued.WithLabelValues(queue).Inc()
}

func (m *Metrics) Deleted(queue string) {
	if m == nil {
		return
	}
	m.queueDeleted.WithLabelValues(queue).Inc()
}

// Dispatched records one finished delivery and the API calls it took.
func (m *Metrics) Dispatched(outcome string, attempts int) {
	if m == nil {
		return
	}
	m.dispatch.WithLabelValues(outcome).Inc()
	if attempts > 0 {
		m.dispatchAttempts.Add(float64(attempts))
	}
}

func (m *Metrics) Delivered(window string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(window).Inc()
}

func (m *Metrics) Ingested(code int) {
	if m == nil {
		return
	}
	m.ingest.WithLabelValues(strconv.Itoa(code)).Inc()
}

// WorkerState matches worker.WithStateHook.
func (m *Metrics) WorkerState(name string, s worker.State) {
	if m == nil {
		return
	}
	m.workerState.WithLabelValues(name).Set(float64(s))
}
