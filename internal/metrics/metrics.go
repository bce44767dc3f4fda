// Package metrics exposes TradeBridge counters and gauges for Prometheus.
//
// All methods are safe on a nil *Metrics, so components can run without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tradebridge"

// Label values
const (
	ResultOK        = "ok"
	ResultFailed    = "failed"
	ResultExhausted = "exhausted"
	ResultSkipped   = "skipped"
	ResultRequeued  = "requeued"

	ReasonNotSucceeded = "not_succeeded"
	ReasonMalformed    = "malformed"
)

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	purchasesObserved  *prometheus.CounterVec
	purchasesDuplicate *prometheus.CounterVec
	purchasesSkipped   *prometheus.CounterVec
	pendingEnqueued    prometheus.Counter
	deliveries         *prometheus.CounterVec
	pollAttempts       *prometheus.CounterVec
	pollCycles         *prometheus.CounterVec
	callbackRejected   *prometheus.CounterVec
	degraded           prometheus.Gauge
	pendingItems       prometheus.Gauge
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a new registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		purchasesObserved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchases_observed_total",
			Help:      "Purchases received from the marketplace, by ingestion source.",
		}, []string{"source"}),
		purchasesDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchases_duplicate_total",
			Help:      "Purchases suppressed because their key was already processed.",
		}, []string{"source"}),
		purchasesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchases_skipped_total",
			Help:      "Purchases ignored before the dedup gate.",
		}, []string{"reason"}),
		pendingEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_enqueued_total",
			Help:      "Purchases queued because the buyer was offline.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Reward deliveries attempted, by result.",
		}, []string{"result"}),
		pollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_attempts_total",
			Help:      "Individual marketplace poll requests, by result.",
		}, []string{"result"}),
		pollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Poll cycles, by outcome.",
		}, []string{"result"}),
		callbackRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_rejected_total",
			Help:      "Callback requests discarded, by reason.",
		}, []string{"reason"}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "persistence_degraded",
			Help:      "1 when the last state save failed and state lives in memory only.",
		}),
		pendingItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_items",
			Help:      "Items waiting for their buyer to connect.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.purchasesObserved,
		m.purchasesDuplicate,
		m.purchasesSkipped,
		m.pendingEnqueued,
		m.deliveries,
		m.pollAttempts,
		m.pollCycles,
		m.callbackRejected,
		m.degraded,
		m.pendingItems,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) PurchaseObserved(source string) {
	if m == nil {
		return
	}
	m.purchasesObserved.WithLabelValues(source).Inc()
}

func (m *Metrics) PurchaseDuplicate(source string) {
	if m == nil {
		return
	}
	m.purchasesDuplicate.WithLabelValues(source).Inc()
}

func (m *Metrics) PurchaseSkipped(reason string) {
	if m == nil {
		return
	}
	m.purchasesSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) PendingEnqueued() {
	if m == nil {
		return
	}
	m.pendingEnqueued.Inc()
}

func (m *Metrics) Delivery(result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) PollAttempt(result string) {
	if m == nil {
		return
	}
	m.pollAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) PollCycle(result string) {
	if m == nil {
		return
	}
	m.pollCycles.WithLabelValues(result).Inc()
}

func (m *Metrics) CallbackRejected(reason string) {
	if m == nil {
		return
	}
	m.callbackRejected.WithLabelValues(reason).Inc()
}

// SetDegraded records the persistence degraded flag.
func (m *Metrics) SetDegraded(v bool) {
	if m == nil {
		return
	}
	if v {
		m.degraded.Set(1)
	} else {
		m.degraded.Set(0)
	}
}

func (m *Metrics) SetPendingItems(n int) {
	if m == nil {
		return
	}
	m.pendingItems.Set(float64(n))
}
