// Package metrics holds the Prometheus collectors of the aggregation engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "calhub"

// Fetch results used as the "result" label.
const (
	ResultOK          = "ok"
	ResultNotModified = "not_modified"
	ResultUpstream    = "upstream_error"
	ResultTransport   = "transport_error"
	ResultParseFailed = "parse_failed"
	ResultStale       = "stale_discarded"
)

// Metrics is a set of collectors on its own registry.
type Metrics struct {
	reg *prometheus.Registry

	FetchesTotal     *prometheus.CounterVec
	FetchDuration    *prometheus.HistogramVec
	MergedEvents     *prometheus.GaugeVec
	Sources          prometheus.Gauge
	QuickEntries     *prometheus.CounterVec
	RefreshRunsTotal prometheus.Counter
}

// New registers all collectors, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		FetchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "fetches_total",
			Help:      "Source fetches by source kind and result.",
		}, []string{"kind", "result"}),
		FetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "fetch_duration_seconds",
			Help:      "Source fetch latency, including parsing.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		MergedEvents: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "view",
			Name:      "events",
			Help:      "Events currently held per source.",
		}, []string{"source"}),
		Sources: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "sources",
			Help:      "Registered calendar sources.",
		}),
		QuickEntries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quick_entry",
			Name:      "requests_total",
			Help:      "Quick-entry extractions by outcome (hit or miss).",
		}, []string{"outcome"}),
		RefreshRunsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "runs_total",
			Help:      "Completed refresh-all runs.",
		}),
	}
}

// ObserveFetch records one fetch.
func (m *Metrics) ObserveFetch(kind, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(kind, result).Inc()
	m.FetchDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// SetEvents records how many events a source currently contributes.
func (m *Metrics) SetEvents(source string, n int) {
	if m == nil {
		return
	}
	m.MergedEvents.WithLabelValues(source).Set(float64(n))
}

// ForgetSource drops the per-source series of a removed source.
func (m *Metrics) ForgetSource(source string) {
	if m == nil {
		return
	}
	m.MergedEvents.DeleteLabelValues(source)
}

// SetSources records the registry size.
func (m *Metrics) SetSources(n int) {
	if m == nil {
		return
	}
	m.Sources.Set(float64(n))
}

// ObserveQuickEntry records one extraction outcome.
func (m *Metrics) ObserveQuickEntry(hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.QuickEntries.WithLabelValues(outcome).Inc()
}

// RefreshDone counts a finished refresh-all run.
func (m *Metrics) RefreshDone() {
	if m == nil {
		return
	}
	m.RefreshRunsTotal.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}
