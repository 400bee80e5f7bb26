package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("node-1", reg)

	m.RecordReplay("modify", "applied", 0.001)
	m.RecordReplay("modify", "applied", 0.002)
	m.RecordConflict("dropped", "modify", 2)
	m.RecordConflict("rewritten", "modify", 0)
	m.RecordCheckpoint("success", 0.01, 3)
	m.SetConnected(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReplayedOperationsTotal.WithLabelValues("modify", "applied")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConflictsTotal.WithLabelValues("dropped", "modify")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ServerStateSize))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connected))

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "pairdb_replication_conflicts_total" {
			for _, metric := range f.GetMetric() {
				for _, label := range metric.GetLabel() {
					if label.GetName() == "outcome" {
						assert.NotEqual(t, "rewritten", label.GetValue(), "zero counts are not recorded")
					}
				}
			}
		}
	}
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics("a", prometheus.NewRegistry())
		NewMetrics("b", prometheus.NewRegistry())
	})
}
