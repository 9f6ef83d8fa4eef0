package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulingMetrics exposes counters/histograms for the appointment engine
// and the outbox relay.
type SchedulingMetrics struct {
	operations    *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	lockWait      prometheus.Histogram
	outboxRelayed *prometheus.CounterVec
	outboxBacklog prometheus.Gauge
	cacheLookups  *prometheus.CounterVec
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicflow",
			Subsystem: "scheduling",
			Name:      "operations_total",
			Help:      "Scheduling operations by name and outcome",
		}, []string{"operation", "outcome"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicflow",
			Subsystem: "scheduling",
			Name:      "conflicts_total",
			Help:      "Bookings or reschedules refused because the slot was taken",
		}, []string{"operation", "source"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicflow",
			Subsystem: "scheduling",
			Name:      "status_transitions_total",
			Help:      "Applied appointment status transitions",
		}, []string{"from", "to"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "clinicflow",
			Subsystem: "scheduling",
			Name:      "provider_lock_seconds",
			Help:      "Time spent inside the per-provider critical section",
			Buckets:   prometheus.DefBuckets,
		}),
		outboxRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicflow",
			Subsystem: "outbox",
			Name:      "relayed_total",
			Help:      "Outbox events handed to the broker",
		}, []string{"event_type", "status"}),
		outboxBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clinicflow",
			Subsystem: "outbox",
			Name:      "batch_size",
			Help:      "Events claimed by the last relay poll",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicflow",
			Subsystem: "providers",
			Name:      "cache_lookups_total",
			Help:      "Provider directory cache lookups",
		}, []string{"result"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.operations, m.conflicts, m.transitions, m.lockWait, m.outboxRelayed, m.outboxBacklog, m.cacheLookups)
	return m
}

// ObserveOperation records the outcome ("ok", "conflict", "validation", ...)
// of a booking, cancel, reschedule or status update.
func (m *SchedulingMetrics) ObserveOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

// ObserveConflict records a refused slot. source is "check" when the overlap
// query found it and "constraint" when the database exclusion caught it.
func (m *SchedulingMetrics) ObserveConflict(operation, source string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(operation, source).Inc()
}

func (m *SchedulingMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *SchedulingMetrics) ObserveLockHeld(seconds float64) {
	if m == nil {
		return
	}
	m.lockWait.Observe(seconds)
}

func (m *SchedulingMetrics) ObserveRelayed(eventType string, ok bool) {
	if m == nil {
		return
	}
	status := "published"
	if !ok {
		status = "failed"
	}
	m.outboxRelayed.WithLabelValues(eventType, status).Inc()
}

func (m *SchedulingMetrics) SetOutboxBatch(n int) {
	if m == nil {
		return
	}
	m.outboxBacklog.Set(float64(n))
}

func (m *SchedulingMetrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}
