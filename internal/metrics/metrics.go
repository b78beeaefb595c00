// Package metrics exposes Prometheus instrumentation for the timetable
// pipeline and the HTTP surface.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "unical"

// Upstream request outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeStatus  = "status"
	OutcomeNetwork = "network"
	OutcomeTimeout = "timeout"
	OutcomeDecode  = "decode"
)

// Manager owns every collector, registered on its own registry.
type Manager struct {
	registry *prometheus.Registry

	upstreamRequests *prometheus.CounterVec
	upstreamLatency  prometheus.Histogram
	inFlight         prometheus.Gauge

	programFailures prometheus.Counter
	eventsRejected  *prometheus.CounterVec
	eventsDuplicate prometheus.Counter
	eventsAggregate prometheus.Gauge
	conflicts       prometheus.Gauge
	exportFailures  prometheus.Counter

	cacheLookups *prometheus.CounterVec

	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

var global = NewManager(prometheus.NewRegistry())

// NewManager registers a fresh set of collectors on reg.
func NewManager(reg *prometheus.Registry) *Manager {
	m := &Manager{registry: reg}
	auto := promauto.With(reg)

	m.upstreamRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Per-year timetable requests by outcome.",
	}, []string{"outcome"})

	m.upstreamLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "request_duration_seconds",
		Help:      "Latency of per-year timetable requests.",
		Buckets:   prometheus.DefBuckets,
	})

	m.inFlight = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "in_flight",
		Help:      "Upstream requests currently holding a pool slot.",
	})

	m.programFailures = auto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "timetable",
		Name:      "program_failures_total",
		Help:      "Programs that failed before fan-out (bad descriptor or URL).",
	})

	m.eventsRejected = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "timetable",
		Name:      "events_rejected_total",
		Help:      "Raw records rejected by the normalizer, by reason.",
	}, []string{"reason"})

	m.eventsDuplicate = auto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "timetable",
		Name:      "events_duplicate_total",
		Help:      "Events dropped as exact duplicates during aggregation.",
	})

	m.eventsAggregate = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "timetable",
		Name:      "events_last_run",
		Help:      "Number of events produced by the last aggregation run.",
	})

	m.conflicts = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "timetable",
		Name:      "conflicts_last_run",
		Help:      "Number of conflicting events found by the last detection.",
	})

	m.exportFailures = auto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ics",
		Name:      "export_failures_total",
		Help:      "Calendar exports that failed as a whole.",
	})

	m.cacheLookups = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Result cache lookups by result (hit, miss, error).",
	}, []string{"result"})

	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by endpoint, method and status code.",
	}, []string{"endpoint", "method", "status_code"})

	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint", "method"})

	reg.MustRegister(collectors.NewGoCollector())

	return m
}

// Handler serves the global registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(global.registry, promhttp.HandlerOpts{})
}

// Registry returns the registry backing the global manager.
func Registry() *prometheus.Registry { return global.registry }

func RecordUpstreamRequest(outcome string, d time.Duration) {
	global.upstreamRequests.WithLabelValues(outcome).Inc()
	global.upstreamLatency.Observe(d.Seconds())
}

func IncInFlight() { global.inFlight.Inc() }
func DecInFlight() { global.inFlight.Dec() }

func RecordProgramFailure() { global.programFailures.Inc() }

func RecordRejected(reason string, n int) {
	global.eventsRejected.WithLabelValues(reason).Add(float64(n))
}

func RecordDuplicates(n int) { global.eventsDuplicate.Add(float64(n)) }

func SetAggregated(n int) { global.eventsAggregate.Set(float64(n)) }

func SetConflicts(n int) { global.conflicts.Set(float64(n)) }

func RecordExportFailure() { global.exportFailures.Inc() }

func RecordCacheLookup(result string) {
	global.cacheLookups.WithLabelValues(result).Inc()
}

func RecordHTTPRequest(endpoint, method, statusCode string, d time.Duration) {
	global.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
	global.httpRequestDuration.WithLabelValues(endpoint, method).Observe(d.Seconds())
}

// UpstreamRequests returns the counter for one outcome; tests read it with
// prometheus/testutil.
func UpstreamRequests(outcome string) prometheus.Counter {
	return global.upstreamRequests.WithLabelValues(outcome)
}

// Rejected returns the rejection counter for one reason.
func Rejected(reason string) prometheus.Counter {
	return global.eventsRejected.WithLabelValues(reason)
}

func ExportFailures() prometheus.Counter { return global.exportFailures }

func CacheLookups(result string) prometheus.Counter {
	return global.cacheLookups.WithLabelValues(result)
}
