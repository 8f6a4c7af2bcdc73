// Package otelmetrics adapts core.Metrics to OpenTelemetry instruments.
package otelmetrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Swind/go-dispatch/core"
)

const meterName = "github.com/Swind/go-dispatch"

var (
	// queueKey is the label of the queue that ran or refused the task.
	queueKey = attribute.Key("queue")
	// qosKey is the QoS class of that queue.
	qosKey = attribute.Key("qos")
	// reasonKey says why a submission was refused: shutdown, closed or reentrant.
	reasonKey = attribute.Key("reason")
)

type queueQoS struct {
	queue string
	qos   core.QoSClass
}

type queueReason struct {
	queue  string
	reason string
}

func loadOrStoreAttrOption[K comparable](mp *sync.Map, key K, attrSetGenFunc func() attribute.Set) metric.MeasurementOption {
	attrSet, ok := mp.Load(key)
	if ok {
		return attrSet.(metric.MeasurementOption)
	}
	v, _ := mp.LoadOrStore(key, metric.WithAttributeSet(attrSetGenFunc()))
	return v.(metric.MeasurementOption)
}

// Metrics records task and queue measurements through an OpenTelemetry meter.
type Metrics struct {
	taskDuration  metric.Float64Histogram
	taskPanics    metric.Int64Counter
	taskRejected  metric.Int64Counter
	queueDepth    metric.Int64Gauge
	queueOptions  sync.Map
	durationOpts  sync.Map
	rejectionOpts sync.Map
}

var _ core.Metrics = (*Metrics)(nil)

// New creates the instruments on meter. A nil meter uses the global
// MeterProvider.
func New(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	taskDuration, err1 := meter.Float64Histogram("dispatch/task_duration",
		metric.WithDescription("Task execution duration."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10))
	taskPanics, err2 := meter.Int64Counter("dispatch/task_panic_count",
		metric.WithDescription("Number of tasks that panicked."))
	taskRejected, err3 := meter.Int64Counter("dispatch/task_rejected_count",
		metric.WithDescription("Number of refused submissions."))
	queueDepth, err4 := meter.Int64Gauge("dispatch/queue_depth",
		metric.WithDescription("Tasks waiting in a queue after the last submission."))

	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return nil, err
	}

	return &Metrics{
		taskDuration: taskDuration,
		taskPanics:   taskPanics,
		taskRejected: taskRejected,
		queueDepth:   queueDepth,
	}, nil
}

func (m *Metrics) queueAttrOption(queue string) metric.MeasurementOption {
	return loadOrStoreAttrOption(&m.queueOptions, queue, func() attribute.Set {
		return attribute.NewSet(queueKey.String(queue))
	})
}

func (m *Metrics) RecordTaskDuration(queueLabel string, qos core.QoSClass, duration time.Duration) {
	opt := loadOrStoreAttrOption(&m.durationOpts, queueQoS{queueLabel, qos}, func() attribute.Set {
		return attribute.NewSet(queueKey.String(queueLabel), qosKey.String(qos.String()))
	})
	m.taskDuration.Record(context.Background(), duration.Seconds(), opt)
}

func (m *Metrics) RecordTaskPanic(queueLabel string, panicInfo any) {
	m.taskPanics.Add(context.Background(), 1, m.queueAttrOption(queueLabel))
}

func (m *Metrics) RecordQueueDepth(queueLabel string, depth int) {
	m.queueDepth.Record(context.Background(), int64(depth), m.queueAttrOption(queueLabel))
}

func (m *Metrics) RecordTaskRejected(queueLabel string, reason string) {
	opt := loadOrStoreAttrOption(&m.rejectionOpts, queueReason{queueLabel, reason}, func() attribute.Set {
		return attribute.NewSet(queueKey.String(queueLabel), reasonKey.String(reason))
	})
	m.taskRejected.Add(context.Background(), 1, opt)
}
