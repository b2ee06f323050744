// Package autosubmit keeps the batch queues filled with runnable tasks.
//
// Each cycle measures the free capacity of every machine, asks the task store for that many
// runnable tasks and submits them. A submission is recorded by writing a queued update to the
// mailbox, the same channel batch jobs use to report, so the task store has a single path for
// state changes. A loop exits once nothing has happened for a configured number of cycles.
package autosubmit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"hpcflow/internal/logger"
	"hpcflow/internal/mailbox"
	"hpcflow/internal/observability"
	"hpcflow/internal/scheduler"
	"hpcflow/internal/store"
	"hpcflow/internal/submit"
	"hpcflow/internal/workflow"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// Store is the part of the task store the loop reads.
type Store interface {
	GetRunnableTasks(ctx context.Context, filter store.TaskFilter, limit int, exclude map[store.Identity]bool) ([]store.RunnableTask, error)
}

// Submitter runs the submission routine of a task on a machine.
type Submitter interface {
	Submit(ctx context.Context, task store.RunnableTask, machine string) (submit.Result, error)
}

// Machine is one submission target and its share of the batch queue.
type Machine struct {
	Name              string
	Scheduler         scheduler.Scheduler
	AllowedConcurrent int
	// Limiter throttles submissions to the machine. It may be shared between loops. Nil means
	// unlimited.
	Limiter *rate.Limiter
}

// NewLimiter builds a submission limiter. A non-positive rate means unlimited.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
}

// Config holds configuration for one loop.
type Config struct {
	// Name identifies the loop in logs and metrics.
	Name string
	// Patterns and ExcludePatterns are SQL LIKE patterns on run names.
	Patterns        []string
	ExcludePatterns []string
	// ProcTypes are the process types this loop may submit.
	ProcTypes []workflow.ProcessType
	Machines  []Machine
	// MachineFor returns the machine a process type runs on.
	MachineFor func(workflow.ProcessType) string

	User          string
	MailboxDir    string
	CycleInterval time.Duration // Delay between cycles (default: 30s)
	IdleCycles    int           // Cycles without activity before the loop exits

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Loop is one auto-submit loop.
type Loop struct {
	store     Store
	submitter Submitter
	config    Config
	log       *slog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// New creates a loop.
func New(s Store, sub Submitter, config Config) *Loop {
	if config.CycleInterval <= 0 {
		config.CycleInterval = 30 * time.Second
	}
	if config.Name == "" {
		config.Name = "main"
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = observability.MustMetrics()
	}
	return &Loop{
		store:     s,
		submitter: sub,
		config:    config,
		log:       config.Logger.With("component", "autosubmit", "loop", config.Name),
		metrics:   config.Metrics,
		now:       time.Now,
	}
}

// Run cycles until the loop has been idle for more than IdleCycles cycles, and then returns nil.
// A configuration error ends the loop with that error; any other cycle error is logged and the
// loop carries on. Cancelling ctx returns ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("auto-submit loop starting", "patterns", l.config.Patterns, "idle_cycles", l.config.IdleCycles)

	idle := 0
	for {
		active, err := l.Cycle(ctx)
		if err != nil {
			if workflow.IsConfigError(err) {
				l.log.Error("auto-submit loop stopped by configuration error", "error", err)
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Error("auto-submit cycle failed", "error", err)
		}

		if active {
			idle = 0
		} else {
			idle++
		}
		if idle > l.config.IdleCycles {
			l.log.Info("auto-submit loop idle, exiting", "idle_cycles", idle)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.config.CycleInterval):
		}
	}
}

// Cycle runs one pass. active reports whether a task was runnable or any queue was non-empty.
func (l *Loop) Cycle(ctx context.Context) (active bool, err error) {
	ctx = logger.WithCycleID(ctx, uuid.NewString())
	log := logger.FromContext(ctx, l.log)
	start := time.Now()

	ctx, span := observability.Tracer().Start(ctx, "autosubmit.cycle")
	span.SetAttributes(attribute.String("loop", l.config.Name))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		l.metrics.CycleDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("loop", l.config.Name)))
	}()

	capacity := make(map[string]int, len(l.config.Machines))
	machines := make(map[string]Machine, len(l.config.Machines))
	total := 0
	for _, m := range l.config.Machines {
		machines[m.Name] = m
		entries, err := m.Scheduler.CheckQueues(ctx, l.config.User, m.Name)
		if err != nil {
			// An unreachable scheduler contributes no capacity this cycle.
			l.metrics.SchedulerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("machine", m.Name)))
			log.Warn("queue check failed", "machine", m.Name, "error", err)
			continue
		}
		if len(entries) > 0 {
			active = true
		}
		free := max(m.AllowedConcurrent-len(entries), 0)
		capacity[m.Name] = free
		total += free
	}
	if total == 0 {
		return active, nil
	}

	var procs []workflow.ProcessType
	for _, p := range l.config.ProcTypes {
		if capacity[l.config.MachineFor(p)] > 0 {
			procs = append(procs, p)
		}
	}
	if len(procs) == 0 {
		return active, nil
	}

	pending, err := mailbox.PendingIdentities(l.config.MailboxDir)
	if err != nil {
		return active, err
	}
	tasks, err := l.store.GetRunnableTasks(ctx, store.TaskFilter{
		Patterns:        l.config.Patterns,
		ExcludePatterns: l.config.ExcludePatterns,
		ProcTypes:       procs,
	}, total, pending)
	if err != nil {
		return active, fmt.Errorf("failed to fetch runnable tasks: %w", err)
	}
	if len(tasks) > 0 {
		active = true
	}
	span.SetAttributes(attribute.Int("capacity", total), attribute.Int("runnable", len(tasks)))

	submitted := 0
	for _, task := range tasks {
		name := l.config.MachineFor(task.ProcType)
		if capacity[name] <= 0 {
			continue
		}
		if lim := machines[name].Limiter; lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return active, err
			}
		}

		res, err := l.submitter.Submit(ctx, task, name)
		if err != nil {
			if workflow.IsConfigError(err) {
				return active, err
			}
			l.metrics.SubmitFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("machine", name)))
			var se *scheduler.SchedulerError
			if errors.As(err, &se) {
				l.metrics.SchedulerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("machine", name)))
				// The machine refused work; leave the rest of its share for the next cycle.
				capacity[name] = 0
			}
			log.Warn("submission failed", "run", task.RunName, "proc", task.ProcType.String(), "machine", name, "error", err)
			continue
		}
		capacity[name]--

		if err := l.recordQueued(task, res); err != nil {
			log.Error("submitted job could not be recorded", "run", task.RunName, "proc", task.ProcType.String(),
				"job_id", res.JobID, "error", err)
			continue
		}
		submitted++
		l.metrics.Submissions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("machine", name), attribute.String("proc_type", task.ProcType.String())))
	}

	if submitted > 0 {
		log.Info("auto-submit cycle", "capacity", total, "runnable", len(tasks), "submitted", submitted)
	}
	return active, nil
}

// recordQueued writes the queued update of a fresh submission to the mailbox.
func (l *Loop) recordQueued(task store.RunnableTask, res submit.Result) error {
	jobID := res.JobID
	queued := l.now().Unix()
	machine := res.Machine
	cores := res.Cores
	wct := int64(res.WallTime.Seconds())
	u := store.TaskUpdate{
		RunName:  task.RunName,
		ProcType: task.ProcType,
		Status:   workflow.StatusQueued,
		JobID:    &jobID,
		Machine:  &machine,
		QueuedAt: &queued,
		Cores:    &cores,
		WCT:      &wct,
	}
	if res.MemoryMB > 0 {
		mem := res.MemoryMB
		u.Memory = &mem
	}
	_, err := mailbox.Write(l.config.MailboxDir, u)
	return err
}
