package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncSample("location")
	m.IncSample("location")
	m.IncSampleDropped("permission")
	m.IncPublished("enter")
	m.IncDropped("overflow")
	m.IncDelivered()
	m.SetQueueDepth(3)
	m.SetDispatcherActive(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SamplesTotal.WithLabelValues("location")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SamplesDroppedTotal.WithLabelValues("permission")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("enter")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues("overflow")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDelivered))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatcherActive))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncSample("beacon")
		m.IncTransition("inside")
		m.SetPermissionState(3)
		m.SetIPCClients(2)
	})
}

func TestSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
