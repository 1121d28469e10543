/*
metrics.go - Prometheus collectors for imports, calculations and invalidations

PURPOSE:
  One Metrics value per process, registered on its own registry so tests
  can build as many as they like. Handler serves the registry in the text
  exposition format on /metrics.

COLLECTORS:
  dioptra_imports_total{mode,result}          load attempts per mode
  dioptra_import_rows_total{mode}             rows persisted
  dioptra_import_duration_seconds{mode}       load latency
  dioptra_output_cost_calculations_total{result}
  dioptra_invalidations_total{step}

  mode is one of file, datastore, line-items, resync, mappings, countries.
  result is ok, rejected (user-facing errors) or error (internal failure).
*/
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Import modes.
const (
	ModeFile      = "file"
	ModeDataStore = "datastore"
	ModeLineItems = "line-items"
	ModeResync    = "resync"
	ModeMappings  = "mappings"
	ModeCountries = "countries"
)

// Results.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

type Metrics struct {
	registry *prometheus.Registry

	Imports        *prometheus.CounterVec
	ImportRows     *prometheus.CounterVec
	ImportDuration *prometheus.HistogramVec
	Calculations   *prometheus.CounterVec
	Invalidations  *prometheus.CounterVec
}

// New registers the collectors, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Imports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dioptra_imports_total",
			Help: "Data loads by mode and result.",
		}, []string{"mode", "result"}),
		ImportRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dioptra_import_rows_total",
			Help: "Rows persisted by successful loads.",
		}, []string{"mode"}),
		ImportDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dioptra_import_duration_seconds",
			Help:    "Duration of data loads.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"mode"}),
		Calculations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dioptra_output_cost_calculations_total",
			Help: "Output cost calculations by result.",
		}, []string{"result"}),
		Invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dioptra_invalidations_total",
			Help: "Workflow step invalidations.",
		}, []string{"step"}),
	}
	m.registry.MustRegister(
		m.Imports, m.ImportRows, m.ImportDuration, m.Calculations, m.Invalidations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveImport records one load.
func (m *Metrics) ObserveImport(mode, result string, rows int, started time.Time) {
	m.Imports.WithLabelValues(mode, result).Inc()
	m.ImportDuration.WithLabelValues(mode).Observe(time.Since(started).Seconds())
	if result == ResultOK && rows > 0 {
		m.ImportRows.WithLabelValues(mode).Add(float64(rows))
	}
}

func (m *Metrics) ObserveCalculation(result string) {
	m.Calculations.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveInvalidation(step string) {
	m.Invalidations.WithLabelValues(step).Inc()
}

// Result maps a load outcome to a result label.
func Result(ok bool, err error) string {
	switch {
	case err != nil:
		return ResultError
	case !ok:
		return ResultRejected
	}
	return ResultOK
}
