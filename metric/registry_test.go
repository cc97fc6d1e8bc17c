package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistryRegistersCore(t *testing.T) {
	r := NewMetricsRegistry()
	require.NotNil(t, r.Core)

	r.Core.SessionsActive.Set(3)
	r.Core.AdmissionsDenied.WithLabelValues("source_full").Inc()
	r.Core.SourceState.WithLabelValues("rtlsdr-0").Set(2)

	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["openwebrxplus_sessions_active"])
	assert.True(t, names["openwebrxplus_sessions_admissions_denied_total"])
	assert.True(t, names["openwebrxplus_source_state"])
	assert.True(t, names["go_goroutines"], "runtime collectors should be present")
}

func TestComponentRegistration(t *testing.T) {
	r := NewMetricsRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "component_thing_total"})
	require.NoError(t, r.Registerer().Register(c))

	// Re-registering the same collector is a caller error.
	assert.Error(t, r.Registerer().Register(prometheus.NewCounter(
		prometheus.CounterOpts{Name: "component_thing_total"})))
}
