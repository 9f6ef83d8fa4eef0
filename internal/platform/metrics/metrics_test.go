package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSchedulingMetricsObserve(t *testing.T) {
	m := NewSchedulingMetrics(prometheus.NewRegistry())
	m.ObserveOperation("book", "ok")
	m.ObserveOperation("book", "ok")
	m.ObserveConflict("reschedule", "constraint")
	m.ObserveTransition("pending", "approved")
	m.ObserveLockHeld(0.01)
	m.ObserveRelayed("appointment.booked.v1", true)
	m.ObserveRelayed("appointment.booked.v1", false)
	m.SetOutboxBatch(4)
	m.ObserveCache(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("book", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflicts.WithLabelValues("reschedule", "constraint")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("pending", "approved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outboxRelayed.WithLabelValues("appointment.booked.v1", "failed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.outboxBacklog))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")))
}

func TestSchedulingMetricsDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewSchedulingMetrics(reg)
	assert.Panics(t, func() { NewSchedulingMetrics(reg) })
}

func TestSchedulingMetricsNilSafe(t *testing.T) {
	var m *SchedulingMetrics
	m.ObserveOperation("book", "ok")
	m.ObserveConflict("book", "check")
	m.ObserveTransition("pending", "rejected")
	m.ObserveLockHeld(0.1)
	m.ObserveRelayed("x", true)
	m.SetOutboxBatch(1)
	m.ObserveCache(false)
}
