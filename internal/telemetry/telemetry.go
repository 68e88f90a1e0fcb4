// Package telemetry records delivery metrics with OpenTelemetry and exposes
// them in Prometheus text format.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/kalambet/ascmsync/internal/queue"
)

const meterName = "github.com/kalambet/ascmsync"

// Metrics implements queue.Recorder and transport.Recorder.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry

	attempts  metric.Int64Counter
	duration  metric.Float64Histogram
	requests  metric.Int64Counter
	queueSize metric.Int64ObservableGauge

	mu     sync.RWMutex
	queues map[string]func() queue.Summary
}

// New creates a meter provider backed by its own Prometheus registry, so
// several instances can coexist in one process.
func New(serviceVersion string) (*Metrics, error) {
	reg := prometheus.NewRegistry()
	exporter, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", "ascmsync"),
		attribute.String("service.version", serviceVersion),
	)
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	m := &Metrics{
		provider: provider,
		registry: reg,
		queues:   make(map[string]func() queue.Summary),
	}
	if err := m.init(provider.Meter(meterName)); err != nil {
		provider.Shutdown(context.Background())
		return nil, err
	}
	return m, nil
}

func (m *Metrics) init(meter metric.Meter) error {
	var err error

	m.attempts, err = meter.Int64Counter("ascmsync.delivery.attempts",
		metric.WithDescription("Outer delivery attempts by queue and outcome"),
		metric.WithUnit("{attempt}"))
	if err != nil {
		return fmt.Errorf("create attempts counter: %w", err)
	}

	m.duration, err = meter.Float64Histogram("ascmsync.delivery.duration",
		metric.WithDescription("Duration of one outer delivery attempt"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30))
	if err != nil {
		return fmt.Errorf("create duration histogram: %w", err)
	}

	m.requests, err = meter.Int64Counter("ascmsync.http.requests",
		metric.WithDescription("Physical HTTP requests issued to the tables API"),
		metric.WithUnit("{request}"))
	if err != nil {
		return fmt.Errorf("create requests counter: %w", err)
	}

	m.queueSize, err = meter.Int64ObservableGauge("ascmsync.queue.items",
		metric.WithDescription("Persisted queue items by status"),
		metric.WithInt64Callback(m.observeQueues))
	if err != nil {
		return fmt.Errorf("create queue gauge: %w", err)
	}
	return nil
}

// RecordAttempt counts one outer delivery attempt.
func (m *Metrics) RecordAttempt(ctx context.Context, queueName, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("queue", queueName),
		attribute.String("outcome", outcome),
	)
	m.attempts.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordRequest counts one physical HTTP request. status 0 means no response.
func (m *Metrics) RecordRequest(ctx context.Context, kind string, status int) {
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", code),
	))
}

// ObserveQueue reports the item counts of a queue on every scrape.
func (m *Metrics) ObserveQueue(name string, summary func() queue.Summary) {
	m.mu.Lock()
	m.queues[name] = summary
	m.mu.Unlock()
}

func (m *Metrics) observeQueues(_ context.Context, o metric.Int64Observer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, fn := range m.queues {
		s := fn()
		for status, n := range map[queue.Status]int{
			queue.StatusQueued:   s.Queued,
			queue.StatusRetrying: s.Retrying,
			queue.StatusSuccess:  s.Success,
			queue.StatusFailed:   s.Failed,
		} {
			o.Observe(int64(n), metric.WithAttributes(
				attribute.String("queue", name),
				attribute.String("status", string(status)),
			))
		}
	}
	return nil
}

// Handler serves the metrics in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
