// Package metrics exposes geofenced counters and gauges to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the engine updates. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	SamplesTotal        *prometheus.CounterVec
	SamplesDroppedTotal *prometheus.CounterVec
	TransitionsTotal    *prometheus.CounterVec
	EventsPublished     *prometheus.CounterVec
	EventsDelivered     prometheus.Counter
	EventsDropped       *prometheus.CounterVec
	QueueDepth          prometheus.Gauge
	RegionsRegistered   prometheus.Gauge
	PendingTimers       prometheus.Gauge
	PermissionState     prometheus.Gauge
	DispatcherActive    prometheus.Gauge
	IPCClients          prometheus.Gauge
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// in the daemon and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SamplesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geofenced_samples_total",
			Help: "Sensor samples received, by source",
		}, []string{"source"}),
		SamplesDroppedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geofenced_samples_dropped_total",
			Help: "Sensor samples dropped before reaching the monitor, by reason",
		}, []string{"reason"}),
		TransitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geofenced_occupancy_transitions_total",
			Help: "Occupancy state transitions, by target state",
		}, []string{"to"}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geofenced_events_published_total",
			Help: "Events handed to the dispatcher, by type",
		}, []string{"type"}),
		EventsDelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "geofenced_events_delivered_total",
			Help: "Events delivered to a consumer",
		}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geofenced_events_dropped_total",
			Help: "Events dropped by the dispatcher, by reason",
		}, []string{"reason"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "geofenced_dispatch_queue_depth",
			Help: "Events waiting for delivery",
		}),
		RegionsRegistered: f.NewGauge(prometheus.GaugeOpts{
			Name: "geofenced_regions_registered",
			Help: "Regions currently registered",
		}),
		PendingTimers: f.NewGauge(prometheus.GaugeOpts{
			Name: "geofenced_pending_timers",
			Help: "Dwell and debounce timers currently scheduled",
		}),
		PermissionState: f.NewGauge(prometheus.GaugeOpts{
			Name: "geofenced_permission_state",
			Help: "Location permission state (0 not_determined, 1 denied, 2 restricted, 3 foreground, 4 background)",
		}),
		DispatcherActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "geofenced_dispatcher_active",
			Help: "1 when the dispatcher is initialized",
		}),
		IPCClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "geofenced_ipc_clients",
			Help: "Connected IPC clients",
		}),
	}
}

func (m *Metrics) IncSample(source string) {
	if m == nil {
		return
	}
	m.SamplesTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) IncSampleDropped(reason string) {
	if m == nil {
		return
	}
	m.SamplesDroppedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncTransition(to string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(to).Inc()
}

func (m *Metrics) IncPublished(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncDelivered() {
	if m == nil {
		return
	}
	m.EventsDelivered.Inc()
}

func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) SetRegions(n int) {
	if m == nil {
		return
	}
	m.RegionsRegistered.Set(float64(n))
}

func (m *Metrics) SetPendingTimers(n int) {
	if m == nil {
		return
	}
	m.PendingTimers.Set(float64(n))
}

func (m *Metrics) SetPermissionState(state int) {
	if m == nil {
		return
	}
	m.PermissionState.Set(float64(state))
}

func (m *Metrics) SetDispatcherActive(active bool) {
	if m == nil {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	m.DispatcherActive.Set(v)
}

func (m *Metrics) SetIPCClients(n int) {
	if m == nil {
		return
	}
	m.IPCClients.Set(float64(n))
}
