package otelmetrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Swind/go-dispatch/core"
)

func setupOTel(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := New(provider.Meter(meterName))
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, rd *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, rd.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestTaskDuration(t *testing.T) {
	m, rd := setupOTel(t)

	m.RecordTaskDuration("q1", core.QoSUtility, 20*time.Millisecond)
	m.RecordTaskDuration("q1", core.QoSUtility, 40*time.Millisecond)

	data := collect(t, rd)
	hist, ok := data["dispatch/task_duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	dp := hist.DataPoints[0]
	assert.Equal(t, uint64(2), dp.Count)
	assert.InDelta(t, 0.06, dp.Sum, 1e-9)
	assert.Equal(t, attribute.NewSet(queueKey.String("q1"), qosKey.String("utility")), dp.Attributes)
}

func TestCounters(t *testing.T) {
	m, rd := setupOTel(t)

	m.RecordTaskPanic("q1", "boom")
	m.RecordTaskRejected("q1", "closed")
	m.RecordTaskRejected("q1", "closed")
	m.RecordTaskRejected("q2", "reentrant")

	data := collect(t, rd)
	panics, ok := data["dispatch/task_panic_count"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, panics.DataPoints, 1)
	assert.Equal(t, int64(1), panics.DataPoints[0].Value)

	rejected, ok := data["dispatch/task_rejected_count"].(metricdata.Sum[int64])
	require.True(t, ok)
	got := make(map[attribute.Set]int64)
	for _, dp := range rejected.DataPoints {
		got[dp.Attributes] = dp.Value
	}
	assert.Equal(t, map[attribute.Set]int64{
		attribute.NewSet(queueKey.String("q1"), reasonKey.String("closed")):    2,
		attribute.NewSet(queueKey.String("q2"), reasonKey.String("reentrant")): 1,
	}, got)
}

func TestQueueDepthKeepsLastValue(t *testing.T) {
	m, rd := setupOTel(t)

	m.RecordQueueDepth("q1", 5)
	m.RecordQueueDepth("q1", 2)

	data := collect(t, rd)
	gauge, ok := data["dispatch/queue_depth"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(2), gauge.DataPoints[0].Value)
}
