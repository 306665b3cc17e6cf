package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()
	require.NotNil(t, registry)
	require.NotNil(t, registry.CoreMetrics())
	require.NotNil(t, registry.PrometheusRegistry())
}

func TestMetricsRegistry_RegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_messages_total",
		Help: "test counter",
	})

	err := registry.RegisterCounter("tcp-input", "test_messages_total", counter)
	require.NoError(t, err)

	// Duplicate registration by name is rejected
	err = registry.RegisterCounter("tcp-input", "test_messages_total", counter)
	assert.Error(t, err)

	counter.Add(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(counter))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_queue_depth",
		Help: "test gauge",
	})

	require.NoError(t, registry.RegisterGauge("pool", "test_queue_depth", gauge))
	assert.True(t, registry.Unregister("pool", "test_queue_depth"))
	assert.False(t, registry.Unregister("pool", "test_queue_depth"))

	// After unregistering, the same name can be registered again
	require.NoError(t, registry.RegisterGauge("pool", "test_queue_depth", gauge))
}

func TestCoreMetrics_Recorders(t *testing.T) {
	registry := NewMetricsRegistry()
	core := registry.CoreMetrics()

	core.RecordMessageReceived("tcp-input", "reading")
	core.RecordMessageProcessed("tcp-input", "reading", "success")
	core.RecordError("tcp-input", "decode")
	core.RecordHealthStatus("store", true)
	core.RecordStoreStatus(true)
	core.RecordStoreReconnect()

	assert.Equal(t, float64(1),
		testutil.ToFloat64(core.MessagesReceived.WithLabelValues("tcp-input", "reading")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(core.ErrorsTotal.WithLabelValues("tcp-input", "decode")))
	assert.Equal(t, float64(1), testutil.ToFloat64(core.StoreUp))
	assert.Equal(t, float64(1), testutil.ToFloat64(core.StoreReconnects))
}
