// Package telemetry wires this project's counters and histograms
// through an OpenTelemetry meter backed by a private Prometheus
// registry, exposed on /metrics.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds every counter/gauge/histogram this project emits,
// plus the Prometheus registry they are bridged onto.
// NotificationAttempts and NotificationFailures are registered, but
// the Notifier does not record to them.
type Metrics struct {
	Registry *prometheus.Registry

	TasksReceivedTotal      metric.Int64Counter
	TasksStartedTotal       metric.Int64Counter
	TasksSucceededTotal     metric.Int64Counter
	TasksFailedTotal        metric.Int64Counter
	CheckoutOperationsTotal metric.Int64Counter
	CheckoutFailuresTotal   metric.Int64Counter
	NotificationAttempts    metric.Int64Counter
	NotificationFailures    metric.Int64Counter
	QueueDepth              metric.Int64UpDownCounter
	TaskDurationSeconds     metric.Float64Histogram

	depthMu   sync.Mutex
	prevDepth map[string]int64
}

// shutdownFunc stops the sdk meter provider; callers run it on
// process shutdown.
type shutdownFunc func(context.Context) error

// Init builds a Metrics bundle backed by a fresh prometheus.Registry
// (not the global default registry, so this can coexist with any
// ambient process-wide metrics) and returns a shutdown func.
func Init() (*Metrics, shutdownFunc, error) {
	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("github.com/ConfigButler/dispatcher")

	m := &Metrics{Registry: registry, prevDepth: make(map[string]int64)}

	if m.TasksReceivedTotal, err = meter.Int64Counter("dispatcher_tasks_received_total",
		metric.WithDescription("Tasks created from accepted webhook requests")); err != nil {
		return nil, nil, err
	}
	if m.TasksStartedTotal, err = meter.Int64Counter("dispatcher_tasks_started_total",
		metric.WithDescription("Tasks that transitioned Queued->Running")); err != nil {
		return nil, nil, err
	}
	if m.TasksSucceededTotal, err = meter.Int64Counter("dispatcher_tasks_succeeded_total",
		metric.WithDescription("Tasks that transitioned to Success")); err != nil {
		return nil, nil, err
	}
	if m.TasksFailedTotal, err = meter.Int64Counter("dispatcher_tasks_failed_total",
		metric.WithDescription("Tasks that transitioned to Failed")); err != nil {
		return nil, nil, err
	}
	if m.CheckoutOperationsTotal, err = meter.Int64Counter("dispatcher_checkout_operations_total",
		metric.WithDescription("Checkout Manager prepare() invocations")); err != nil {
		return nil, nil, err
	}
	if m.CheckoutFailuresTotal, err = meter.Int64Counter("dispatcher_checkout_failures_total",
		metric.WithDescription("Checkout Manager prepare() failures")); err != nil {
		return nil, nil, err
	}
	if m.NotificationAttempts, err = meter.Int64Counter("dispatcher_notification_attempts_total",
		metric.WithDescription("Notifier delivery attempts, including retries")); err != nil {
		return nil, nil, err
	}
	if m.NotificationFailures, err = meter.Int64Counter("dispatcher_notification_failures_total",
		metric.WithDescription("Notifier deliveries that exhausted retries")); err != nil {
		return nil, nil, err
	}
	if m.QueueDepth, err = meter.Int64UpDownCounter("dispatcher_queue_depth",
		metric.WithDescription("Tasks waiting in queues, summed across all BranchKeys")); err != nil {
		return nil, nil, err
	}
	if m.TaskDurationSeconds, err = meter.Float64Histogram("dispatcher_task_duration_seconds",
		metric.WithDescription("Wall-clock duration of task execution, start to terminal state")); err != nil {
		return nil, nil, err
	}

	return m, provider.Shutdown, nil
}

// SetQueueDepth implements scheduler.Metrics. The up-down counter
// tracks the sum of per-key depths; this reports the delta for key
// since its last observed depth so the aggregate stays accurate as
// individual keys' queues grow and drain.
func (m *Metrics) SetQueueDepth(key string, depth int) {
	m.depthMu.Lock()
	delta := int64(depth) - m.prevDepth[key]
	if depth == 0 {
		delete(m.prevDepth, key)
	} else {
		m.prevDepth[key] = int64(depth)
	}
	m.depthMu.Unlock()

	if delta != 0 {
		m.QueueDepth.Add(context.Background(), delta)
	}
}
