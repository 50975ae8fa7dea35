package metric

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensate-iot/platform-router/errors"
	"github.com/sensate-iot/platform-router/health"
)

func gathered(t *testing.T, registry *MetricsRegistry, name string) bool {
	t.Helper()
	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return true
		}
	}
	return false
}

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	assert.NotNil(t, registry.PrometheusRegistry())
	assert.NotNil(t, registry.CoreMetrics())

	registry.CoreMetrics().RecordNATSStatus(true)
	assert.True(t, gathered(t, registry, "router_nats_connected"))
}

func TestMetricsRegistry_RegisterGauge(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "A test gauge",
	})

	require.NoError(t, registry.RegisterGauge("outbound", "test_gauge", gauge))
	gauge.Set(42)
	assert.True(t, gathered(t, registry, "test_gauge"))

	err := registry.RegisterGauge("outbound", "test_gauge", gauge)
	assert.True(t, errors.IsInvalid(err), "duplicate registration must be invalid")
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "x"})
	require.NoError(t, registry.RegisterCounter("svc", "test_counter", counter))

	assert.True(t, registry.Unregister("svc", "test_counter"))
	assert.False(t, registry.Unregister("svc", "test_counter"))

	require.NoError(t, registry.RegisterCounter("svc", "test_counter", counter))
}

func TestMetricsRegistry_ConcurrentRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g := prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "concurrent_gauge_" + string(rune('a'+i)),
				Help: "x",
			})
			assert.NoError(t, registry.RegisterGauge("svc", g.Desc().String(), g))
		}(i)
	}
	wg.Wait()
}

func TestMetrics_QueueGauge(t *testing.T) {
	m := NewMetrics()

	m.AddQueued(QueueLiveData, 3)
	m.AddQueued(QueueLiveData, 2)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.QueuedItems.WithLabelValues(QueueLiveData)))

	m.ResetQueued(QueueLiveData)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.QueuedItems.WithLabelValues(QueueLiveData)))
}

func TestMetrics_RecordPublish(t *testing.T) {
	m := NewMetrics()

	m.RecordPublish(QueueTrigger, 10, time.Millisecond, nil)
	m.RecordPublish(QueueTrigger, 4, time.Millisecond, errors.ErrConnectionLost)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishesTotal.WithLabelValues(QueueTrigger, "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishesTotal.WithLabelValues(QueueTrigger, "error")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.RecordsPublished.WithLabelValues(QueueTrigger)))
}

func TestMetrics_PublishDuration(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	m.RecordPublish(QueueStorage, 100, 20*time.Millisecond, nil)
	m.RecordPublish(QueueStorage, 50, 40*time.Millisecond, errors.ErrPublishTimeout)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	var hist *dto.Histogram
	for _, mf := range families {
		if mf.GetName() != "router_publish_duration_seconds" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "queue" && label.GetValue() == QueueStorage {
					hist = metric.GetHistogram()
				}
			}
		}
	}
	require.NotNil(t, hist)
	assert.Equal(t, uint64(2), hist.GetSampleCount())
	assert.InDelta(t, 0.06, hist.GetSampleSum(), 0.001)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.AddQueued(QueueStorage, 1)
		m.ResetQueued(QueueStorage)
		m.RecordPublish(QueueStorage, 1, 0, nil)
		m.RecordDropped(QueueStorage, "encode", 1)
		m.RecordFlush(QueueStorage, time.Second)
		m.RecordRosterSize(3)
	})
}

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().AddQueued(QueueOutbound, 7)

	srv := NewServer(0, "", registry)
	assert.Equal(t, "http://localhost:9090/metrics", srv.Address())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `router_queue_queued_items{queue="outbound"} 7`))

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(strings.NewReader(rec.Body.String()))
	require.NoError(t, err)
	require.Contains(t, families, "router_queue_queued_items")
	assert.Contains(t, families, "go_goroutines")

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, "OK", rec.Body.String())
}

func TestServer_HealthFunc(t *testing.T) {
	srv := NewServer(0, "", NewMetricsRegistry())

	srv.SetHealthFunc(func() health.Status { return health.NewDegraded("router", "storage flush failed") })
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)

	srv.SetHealthFunc(func() health.Status { return health.NewUnhealthy("router", "stopped") })
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
