// Package metrics exposes Prometheus collectors for patrol activity.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors reported by the patrol daemon. All methods
// are nil-safe so components can carry an optional *Metrics without guards.
type Metrics struct {
	runsTotal        *prometheus.CounterVec
	runsActive       prometheus.Gauge
	inspectionsTotal *prometheus.CounterVec
	relayRestarts    *prometheus.CounterVec
	alertEvents      *prometheus.CounterVec
	wsReconnects     prometheus.Counter
	schedulerFires   prometheus.Counter
}

var (
	defaultOnce   sync.Once
	sharedMetrics *Metrics
)

// Default returns the process-wide metrics instance registered with the
// global Prometheus registry. Collectors are created only once to avoid
// duplicate registration panics when components are rebuilt (e.g. after a
// settings change).
func Default() *Metrics {
	defaultOnce.Do(func() {
		sharedMetrics = MustNew(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNew constructs a Metrics instance on the provided registerer. Pass a
// fresh registry in tests. Registration errors other than duplicates panic,
// mirroring promauto semantics.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	runsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigma_patrol",
			Subsystem: "run",
			Name:      "finished_total",
			Help:      "Patrol runs finished, by terminal status.",
		},
		[]string{"status"},
	)
	runsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sigma_patrol",
			Subsystem: "run",
			Name:      "active",
			Help:      "Whether a patrol run is currently executing (0 or 1).",
		},
	)
	inspectionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigma_patrol",
			Subsystem: "inspect",
			Name:      "results_total",
			Help:      "Waypoint inspections recorded, by outcome.",
		},
		[]string{"outcome"},
	)
	relayRestarts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigma_patrol",
			Subsystem: "relay",
			Name:      "restarts_total",
			Help:      "Relay encoder restarts, by stream key.",
		},
		[]string{"key"},
	)
	alertEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigma_patrol",
			Subsystem: "alert",
			Name:      "events_total",
			Help:      "Live-monitor alert events persisted, by stream type.",
		},
		[]string{"stream_type"},
	)
	wsReconnects := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sigma_patrol",
			Subsystem: "alert",
			Name:      "reconnects_total",
			Help:      "Event-listener reconnect attempts.",
		},
	)
	schedulerFires := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sigma_patrol",
			Subsystem: "schedule",
			Name:      "fires_total",
			Help:      "Scheduled patrol starts attempted.",
		},
	)

	collectors := []prometheus.Collector{
		runsTotal, runsActive, inspectionsTotal, relayRestarts,
		alertEvents, wsReconnects, schedulerFires,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector {
				case runsTotal:
					runsTotal = already.ExistingCollector.(*prometheus.CounterVec)
				case runsActive:
					runsActive = already.ExistingCollector.(prometheus.Gauge)
				case inspectionsTotal:
					inspectionsTotal = already.ExistingCollector.(*prometheus.CounterVec)
				case relayRestarts:
					relayRestarts = already.ExistingCollector.(*prometheus.CounterVec)
				case alertEvents:
					alertEvents = already.ExistingCollector.(*prometheus.CounterVec)
				case wsReconnects:
					wsReconnects = already.ExistingCollector.(prometheus.Counter)
				case schedulerFires:
					schedulerFires = already.ExistingCollector.(prometheus.Counter)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		runsTotal:        runsTotal,
		runsActive:       runsActive,
		inspectionsTotal: inspectionsTotal,
		relayRestarts:    relayRestarts,
		alertEvents:      alertEvents,
		wsReconnects:     wsReconnects,
		schedulerFires:   schedulerFires,
	}
}

// RunStarted marks the run gauge active.
func (m *Metrics) RunStarted() {
	if m == nil || m.runsActive == nil {
		return
	}
	m.runsActive.Set(1)
}

// RunFinished clears the run gauge and counts the terminal status.
func (m *Metrics) RunFinished(status string) {
	if m == nil || m.runsActive == nil {
		return
	}
	m.runsActive.Set(0)
	m.runsTotal.WithLabelValues(status).Inc()
}

// IncInspection counts one recorded waypoint result.
func (m *Metrics) IncInspection(outcome string) {
	if m == nil || m.inspectionsTotal == nil {
		return
	}
	m.inspectionsTotal.WithLabelValues(outcome).Inc()
}

// IncRelayRestart counts one encoder restart for a stream key.
func (m *Metrics) IncRelayRestart(key string) {
	if m == nil || m.relayRestarts == nil {
		return
	}
	m.relayRestarts.WithLabelValues(key).Inc()
}

// IncAlertEvent counts one persisted alert event.
func (m *Metrics) IncAlertEvent(streamType string) {
	if m == nil || m.alertEvents == nil {
		return
	}
	m.alertEvents.WithLabelValues(streamType).Inc()
}

// IncReconnect counts one event-listener reconnect attempt.
func (m *Metrics) IncReconnect() {
	if m == nil || m.wsReconnects == nil {
		return
	}
	m.wsReconnects.Inc()
}

// IncSchedulerFire counts one scheduler-initiated start attempt.
func (m *Metrics) IncSchedulerFire() {
	if m == nil || m.schedulerFires == nil {
		return
	}
	m.schedulerFires.Inc()
}
