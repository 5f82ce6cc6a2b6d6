package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RequestsTotal.WithLabelValues("rest", "POST", "ok").Inc()
	m.PipelineRejections.WithLabelValues("auth/missing").Add(2)
	m.StreamsActive.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("rest", "POST", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PipelineRejections.WithLabelValues("auth/missing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamsActive))

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "gateway_requests_total")
	assert.Contains(t, names, "gateway_pipeline_rejections_total")
	assert.Contains(t, names, "gateway_streams_active")
}

// Registering twice on the same registry must panic through promauto, so
// one Metrics value is built per process.
func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
