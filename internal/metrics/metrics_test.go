package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.JobOutcome("events", OutcomeEnqueued)
	m.JobOutcome("events", OutcomeEnqueued)
	m.JobOutcome("events", OutcomeAcked)
	m.RateLimitDenials.WithLabelValues("ingestion").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues("events", OutcomeEnqueued)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues("events", OutcomeAcked)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitDenials.WithLabelValues("ingestion")))

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["agentflow_jobs_total"])
	assert.True(t, names["agentflow_rate_limit_denials_total"])
}

func TestNew_TwiceOnSameRegistryPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	assert.Panics(t, func() { New(reg) })
}

func TestNewNop(t *testing.T) {
	m := NewNop()
	require.NotNil(t, m)

	m.ProgressDropped.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProgressDropped))
}
