// Package metrics owns the Prometheus registry: scan pipeline counters,
// admin HTTP metrics, and build info.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/dexscan/internal/version"
)

const namespace = "dexscan"

type ScanMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// scan pipeline
	regionsTotal       prometheus.Gauge
	regionsEligible    prometheus.Gauge
	regionsPriority    prometheus.Gauge
	inventoryTruncated prometheus.Counter
	regionsScanned     *prometheus.CounterVec
	detections         *prometheus.CounterVec
	validationFailures *prometheus.CounterVec
	outcomes           *prometheus.CounterVec
	suppressed         *prometheus.CounterVec
	registryEntries    prometheus.Gauge
	passDuration       *prometheus.HistogramVec
	exports            *prometheus.CounterVec

	// admin http
	inflight      prometheus.Gauge
	reqTotal      *prometheus.CounterVec
	reqDur        *prometheus.HistogramVec
	rateLimited   prometheus.Counter
	httpPanics    prometheus.Counter
	buildInfo     *prometheus.GaugeVec
	profilingOn   prometheus.Gauge
	exclusionsSrc *prometheus.GaugeVec
}

// New returns a fresh registry with the Go and process collectors.
func New() *ScanMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ScanMetrics{
		regionsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "regions",
			Help: "Regions in the most recent memory inventory",
		}),
		regionsEligible: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "regions_eligible",
			Help: "Eligible regions in the most recent inventory",
		}),
		regionsPriority: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "regions_high_priority",
			Help: "Eligible high-priority regions in the most recent inventory",
		}),
		inventoryTruncated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "inventory_truncated_total",
			Help: "Inventories cut short by the region bound",
		}),
		regionsScanned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "regions_scanned_total",
			Help: "Regions swept, by pass",
		}, []string{"pass"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "detections_total",
			Help: "Validated containers found, by strategy",
		}, []string{"strategy"}),
		validationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "header_validation_failures_total",
			Help: "Signature matches rejected by header validation, by reason",
		}, []string{"reason"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "region_outcomes_total",
			Help: "Per-region results (skipped, failed, suppressed, persisted)",
		}, []string{"outcome"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "suppressed_total",
			Help: "Copies not persisted, by dedup verdict",
		}, []string{"verdict"}),
		registryEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "registry_entries",
			Help: "Entries currently held by the dedup registry",
		}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "pass_duration_seconds",
			Help:    "Wall time of each scan pass",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"pass"}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "exports_total",
			Help: "Remote export attempts by result",
		}, []string{"result"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight admin HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total admin HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Admin request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Admin requests rejected by the rate limiter",
		}),
		httpPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Recovered admin handler panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "version", "commit", "build_date", "vcs_dirty", "go_version"}),
		profilingOn: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		exclusionsSrc: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "exclusions",
			Help: "Digest exclusion list size by source",
		}, []string{"source"}),
	}
	reg.MustRegister(
		m.regionsTotal,
		m.regionsEligible,
		m.regionsPriority,
		m.inventoryTruncated,
		m.regionsScanned,
		m.detections,
		m.validationFailures,
		m.outcomes,
		m.suppressed,
		m.registryEntries,
		m.passDuration,
		m.exports,
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.rateLimited,
		m.httpPanics,
		m.buildInfo,
		m.profilingOn,
		m.exclusionsSrc,
	)
	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	m.reg = reg
	return m
}

func (m *ScanMetrics) Handler() http.Handler { return m.handler }

// Registry exposes the underlying registry for tests and extra collectors.
func (m *ScanMetrics) Registry() *prometheus.Registry { return m.reg }

// set once at startup.
func (m *ScanMetrics) SetBuildInfo(vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":        vi.App,
		"version":    vi.Version,
		"commit":     vi.Commit,
		"build_date": vi.BuildDate,
		"go_version": vi.GoVersion,
		"vcs_dirty":  dirty,
	}).Set(1)
}

func (m *ScanMetrics) ObserveInventory(total, eligible, high int, truncated bool) {
	m.regionsTotal.Set(float64(total))
	m.regionsEligible.Set(float64(eligible))
	m.regionsPriority.Set(float64(high))
	if truncated {
		m.inventoryTruncated.Inc()
	}
}

func (m *ScanMetrics) IncRegionScanned(pass string) { m.regionsScanned.WithLabelValues(pass).Inc() }

func (m *ScanMetrics) IncDetection(strategy string) { m.detections.WithLabelValues(strategy).Inc() }

func (m *ScanMetrics) IncValidationFailure(reason string) {
	m.validationFailures.WithLabelValues(reason).Inc()
}

func (m *ScanMetrics) IncOutcome(outcome string) { m.outcomes.WithLabelValues(outcome).Inc() }

func (m *ScanMetrics) IncSuppressed(verdict string) { m.suppressed.WithLabelValues(verdict).Inc() }

func (m *ScanMetrics) SetRegistrySize(n int) { m.registryEntries.Set(float64(n)) }

func (m *ScanMetrics) ObservePassDuration(pass string, seconds float64) {
	m.passDuration.WithLabelValues(pass).Observe(seconds)
}

func (m *ScanMetrics) IncExport(result string) { m.exports.WithLabelValues(result).Inc() }

func (m *ScanMetrics) SetExclusions(source string, n int) {
	m.exclusionsSrc.WithLabelValues(source).Set(float64(n))
}

func (m *ScanMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingOn.Set(1)
	} else {
		m.profilingOn.Set(0)
	}
}

func (m *ScanMetrics) IncRateLimited() { m.rateLimited.Inc() }

func (m *ScanMetrics) IncHTTPPanic() { m.httpPanics.Inc() }
