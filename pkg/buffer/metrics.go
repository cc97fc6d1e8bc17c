package buffer

import "github.com/prometheus/client_golang/prometheus"

// ringMetrics exposes per-buffer counters and gauges to Prometheus. The
// prefix labels which consumer owns the buffer (for example
// "iq_fanout_session_abc").
type ringMetrics struct {
	writes    prometheus.Counter
	reads     prometheus.Counter
	drops     prometheus.Counter
	size      prometheus.Gauge
	fillRatio prometheus.Gauge
}

func newRingMetrics(reg prometheus.Registerer, prefix string) (*ringMetrics, error) {
	m := &ringMetrics{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "openwebrxplus",
			Subsystem:   "buffer",
			Name:        "writes_total",
			Help:        "Total items written to the buffer",
			ConstLabels: prometheus.Labels{"buffer": prefix},
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "openwebrxplus",
			Subsystem:   "buffer",
			Name:        "reads_total",
			Help:        "Total items read from the buffer",
			ConstLabels: prometheus.Labels{"buffer": prefix},
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "openwebrxplus",
			Subsystem:   "buffer",
			Name:        "drops_total",
			Help:        "Total items discarded by the overflow policy",
			ConstLabels: prometheus.Labels{"buffer": prefix},
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "openwebrxplus",
			Subsystem:   "buffer",
			Name:        "size",
			Help:        "Current number of buffered items",
			ConstLabels: prometheus.Labels{"buffer": prefix},
		}),
		fillRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "openwebrxplus",
			Subsystem:   "buffer",
			Name:        "fill_ratio",
			Help:        "Buffer occupancy as a fraction of capacity",
			ConstLabels: prometheus.Labels{"buffer": prefix},
		}),
	}

	for _, c := range []prometheus.Collector{m.writes, m.reads, m.drops, m.size, m.fillRatio} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *ringMetrics) recordWrite(size, capacity int) {
	m.writes.Inc()
	m.updateSize(size, capacity)
}

func (m *ringMetrics) recordRead(size, capacity int) {
	m.reads.Inc()
	m.updateSize(size, capacity)
}

func (m *ringMetrics) recordDrop() {
	m.drops.Inc()
}

func (m *ringMetrics) updateSize(size, capacity int) {
	m.size.Set(float64(size))
	if capacity > 0 {
		m.fillRatio.Set(float64(size) / float64(capacity))
	}
}
