// Package metric manages Prometheus metric registration for the receiver.
// A single MetricsRegistry owns a private prometheus.Registry with Go runtime
// collectors and the core receiver metrics; components register their own
// namespaced metrics against it at construction time.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// MetricsRegistry manages metric registration for the whole process.
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	Core               *CoreMetrics
}

// NewMetricsRegistry creates a new registry with core receiver metrics and Go
// runtime collectors pre-registered.
func NewMetricsRegistry() *MetricsRegistry {
	reg := prometheus.NewRegistry()

	r := &MetricsRegistry{
		prometheusRegistry: reg,
		Core:               newCoreMetrics(),
	}
	r.Core.register(reg)

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Registerer returns the registerer components should register against.
func (r *MetricsRegistry) Registerer() prometheus.Registerer {
	return r.prometheusRegistry
}

// CoreMetrics holds receiver-level metrics shared across components (not the
// per-component metrics, which live with their components).
type CoreMetrics struct {
	SessionsActive    prometheus.Gauge
	SessionsTotal     prometheus.Counter
	AdmissionsDenied  *prometheus.CounterVec
	SourceState       *prometheus.GaugeVec
	SourceFailures    *prometheus.CounterVec
	PipelineRebuilds  *prometheus.CounterVec
	PipelineBuildErrs *prometheus.CounterVec
	BytesStreamed     *prometheus.CounterVec
	DecoderRecords    *prometheus.CounterVec
}

func newCoreMetrics() *CoreMetrics {
	return &CoreMetrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "openwebrxplus",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of currently connected client sessions",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "openwebrxplus",
			Subsystem: "sessions",
			Name:      "total",
			Help:      "Total client sessions admitted since start",
		}),
		AdmissionsDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openwebrxplus",
			Subsystem: "sessions",
			Name:      "admissions_denied_total",
			Help:      "Admission rejections by reason",
		}, []string{"reason"}),
		SourceState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "openwebrxplus",
			Subsystem: "source",
			Name:      "state",
			Help:      "Source state (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
		}, []string{"source"}),
		SourceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openwebrxplus",
			Subsystem: "source",
			Name:      "failures_total",
			Help:      "Hardware failures by source",
		}, []string{"source"}),
		PipelineRebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openwebrxplus",
			Subsystem: "pipeline",
			Name:      "rebuilds_total",
			Help:      "Pipeline rebuilds by mode",
		}, []string{"mode"}),
		PipelineBuildErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openwebrxplus",
			Subsystem: "pipeline",
			Name:      "build_errors_total",
			Help:      "Pipeline build failures by mode",
		}, []string{"mode"}),
		BytesStreamed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openwebrxplus",
			Subsystem: "stream",
			Name:      "bytes_total",
			Help:      "Binary frame bytes sent to clients by stream class",
		}, []string{"class"}),
		DecoderRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openwebrxplus",
			Subsystem: "decoder",
			Name:      "records_total",
			Help:      "Structured records produced by background decoders",
		}, []string{"mode"}),
	}
}

func (m *CoreMetrics) register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.AdmissionsDenied,
		m.SourceState,
		m.SourceFailures,
		m.PipelineRebuilds,
		m.PipelineBuildErrs,
		m.BytesStreamed,
		m.DecoderRecords,
	)
}
