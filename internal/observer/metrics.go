package observer

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hochfrequenz/agent-queue/internal/config"
	"github.com/hochfrequenz/agent-queue/internal/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// MeterName is the instrumentation scope of all agent-queue instruments
const MeterName = "agent-queue"

// Provider owns the meter provider and its exporter
type Provider struct {
	MeterProvider metric.MeterProvider
	Meter         metric.Meter
	shutdown      func(context.Context) error
}

// Init sets up metric export. With metrics disabled it returns a no-op provider.
// Enabled metrics are written to w (stderr when nil) every export interval.
func Init(cfg config.TelemetryConfig, w io.Writer) (*Provider, error) {
	if !cfg.MetricsEnabled {
		mp := noop.NewMeterProvider()
		return &Provider{
			MeterProvider: mp,
			Meter:         mp.Meter(MeterName),
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	if w == nil {
		w = os.Stderr
	}
	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	interval := cfg.ExportInterval.Duration
	if interval <= 0 {
		interval = time.Minute
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(resource.NewSchemaless(attribute.String("service.name", MeterName))),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	return &Provider{
		MeterProvider: mp,
		Meter:         mp.Meter(MeterName),
		shutdown:      mp.Shutdown,
	}, nil
}

// Shutdown flushes and stops the exporter
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// Metrics holds the instruments fed by the Observer. A nil *Metrics records nothing.
type Metrics struct {
	TasksStarted  metric.Int64Counter
	TasksFinished metric.Int64Counter
	TaskDuration  metric.Float64Histogram
	TasksRunning  metric.Int64UpDownCounter
	TasksStuck    metric.Int64Counter
	UsagePauses   metric.Int64Counter
}

// NewMetrics creates all instruments from the given meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksStarted, err = meter.Int64Counter("agentqueue.task.started",
		metric.WithDescription("Agent processes that reached running"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFinished, err = meter.Int64Counter("agentqueue.task.finished",
		metric.WithDescription("Tasks that left running, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("agentqueue.task.duration",
		metric.WithDescription("Duration of one task iteration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRunning, err = meter.Int64UpDownCounter("agentqueue.task.running",
		metric.WithDescription("Tasks currently running"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksStuck, err = meter.Int64Counter("agentqueue.task.stuck",
		metric.WithDescription("Running tasks that went silent past the stuck threshold"),
	)
	if err != nil {
		return nil, err
	}

	m.UsagePauses, err = meter.Int64Counter("agentqueue.usage.pauses",
		metric.WithDescription("Global pauses caused by agent usage limits"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) started(agentID string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("agent", agentID))
	m.TasksStarted.Add(context.Background(), 1, attrs)
	m.TasksRunning.Add(context.Background(), 1, attrs)
}

func (m *Metrics) finished(agentID string, to domain.TaskStatus, d time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.TasksRunning.Add(ctx, -1, metric.WithAttributes(attribute.String("agent", agentID)))
	attrs := metric.WithAttributes(
		attribute.String("agent", agentID),
		attribute.String("status", string(to)),
	)
	m.TasksFinished.Add(ctx, 1, attrs)
	if d > 0 {
		m.TaskDuration.Record(ctx, d.Seconds(), attrs)
	}
}

func (m *Metrics) stuck(agentID string) {
	if m == nil {
		return
	}
	m.TasksStuck.Add(context.Background(), 1, metric.WithAttributes(attribute.String("agent", agentID)))
}

func (m *Metrics) usagePaused() {
	if m == nil {
		return
	}
	m.UsagePauses.Add(context.Background(), 1)
}
