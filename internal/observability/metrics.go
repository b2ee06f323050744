// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"hpcflow/internal/store"
	"hpcflow/internal/workflow"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MeterName is the instrumentation scope of every hpcflow instrument.
const MeterName = "hpcflow"

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
// The shutdown function should be called on application exit for graceful cleanup.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), provider.Shutdown, nil
}

// Metrics holds the orchestrator's instruments.
type Metrics struct {
	UpdatesApplied   metric.Int64Counter
	MalformedUpdates metric.Int64Counter
	HeldBack         metric.Int64Gauge
	BatchFailures    metric.Int64Counter
	Submissions      metric.Int64Counter
	SubmitFailures   metric.Int64Counter
	SchedulerErrors  metric.Int64Counter
	Reconciled       metric.Int64Counter
	CycleDuration    metric.Float64Histogram
}

// NewMetrics creates the instruments on the global meter provider. Before InitMetrics runs
// that provider is a no-op, so components can always record.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(MeterName)
	var (
		m   Metrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.UpdatesApplied, "hpcflow_updates_applied", "Mailbox updates committed to the task store"},
		{&m.MalformedUpdates, "hpcflow_updates_malformed", "Mailbox files that could not be parsed"},
		{&m.BatchFailures, "hpcflow_update_batch_failures", "Mailbox batches rolled back"},
		{&m.Submissions, "hpcflow_submissions", "Jobs submitted to a scheduler"},
		{&m.SubmitFailures, "hpcflow_submission_failures", "Submissions that failed"},
		{&m.SchedulerErrors, "hpcflow_scheduler_errors", "Failed scheduler commands"},
		{&m.Reconciled, "hpcflow_reconciled", "Terminal updates synthesised for jobs that left the queue silently"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", c.name, err)
		}
	}
	m.HeldBack, err = meter.Int64Gauge("hpcflow_mailbox_held_back",
		metric.WithDescription("Malformed mailbox files left in place; each keeps its task from being submitted"))
	if err != nil {
		return nil, fmt.Errorf("failed to create held back gauge: %w", err)
	}
	m.CycleDuration, err = meter.Float64Histogram("hpcflow_cycle_duration",
		metric.WithDescription("Duration of monitor and auto-submit cycles"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create cycle histogram: %w", err)
	}
	return &m, nil
}

// MustMetrics is NewMetrics for call sites that cannot fail, such as defaults in constructors.
func MustMetrics() *Metrics {
	m, err := NewMetrics()
	if err != nil {
		panic(err)
	}
	return m
}

// RegisterTaskGauge exports the number of tasks per process type and latest status, read from
// the store at scrape time.
func RegisterTaskGauge(reporter store.Reporter) (metric.Registration, error) {
	meter := otel.Meter(MeterName)
	gauge, err := meter.Int64ObservableGauge("hpcflow_tasks",
		metric.WithDescription("Tasks by process type and the status of their newest row"))
	if err != nil {
		return nil, fmt.Errorf("failed to create task gauge: %w", err)
	}
	return meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		counts, err := reporter.StatusCounts(ctx, store.TaskFilter{})
		if err != nil {
			return err
		}
		for _, c := range counts {
			o.ObserveInt64(gauge, int64(c.Count), metric.WithAttributes(
				attribute.String("proc_type", c.ProcType.String()),
				attribute.String("status", c.Status.String()),
			))
		}
		return nil
	}, gauge)
}

// InFlightCounter counts queued and running tasks in the task store.
type InFlightCounter interface {
	CountInFlight(ctx context.Context, procs []workflow.ProcessType) (int, error)
}

// RegisterInFlightGauge exports, per machine, the tasks the store believes occupy a queue slot.
// Set beside the queue lengths that drive capacity, it shows jobs that vanished from a queue
// before reconciliation caught up with them.
func RegisterInFlightGauge(counter InFlightCounter, procsByMachine map[string][]workflow.ProcessType) (metric.Registration, error) {
	meter := otel.Meter(MeterName)
	gauge, err := meter.Int64ObservableGauge("hpcflow_tasks_in_flight",
		metric.WithDescription("Queued and running tasks recorded in the task store, by machine"))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-flight gauge: %w", err)
	}
	return meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		for machine, procs := range procsByMachine {
			if len(procs) == 0 {
				continue
			}
			n, err := counter.CountInFlight(ctx, procs)
			if err != nil {
				return err
			}
			o.ObserveInt64(gauge, int64(n), metric.WithAttributes(attribute.String("machine", machine)))
		}
		return nil
	}, gauge)
}
