// Package ingest consumes the mailbox of status updates written by batch jobs and applies them
// to the task store. It also reconciles the store with the scheduler queues so that jobs which
// die without reporting do not stay in flight forever.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"hpcflow/internal/logger"
	"hpcflow/internal/mailbox"
	"hpcflow/internal/observability"
	"hpcflow/internal/scheduler"
	"hpcflow/internal/store"
	"hpcflow/internal/workflow"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

// Store is the part of the task store the monitor needs.
type Store interface {
	ApplyUpdates(ctx context.Context, updates []store.TaskUpdate) error
	store.InFlightLister
}

// Config holds configuration for the monitor.
type Config struct {
	MailboxDir   string
	PollInterval time.Duration // Delay between cycles while there is work (default: 5s)
	MaxBackoff   time.Duration // Maximum delay when the mailbox stays empty (default: 1m)
	// ReconcileEvery runs Reconcile every N cycles. Zero disables reconciliation.
	ReconcileEvery int
	// User owns the jobs in the scheduler queues.
	User string
	// Schedulers maps machine names to their backend.
	Schedulers map[string]scheduler.Scheduler
	Logger     *slog.Logger
	Metrics    *observability.Metrics
}

// maxLookupMisses is how many reconciliations a job may be missing from its queue while the
// scheduler cannot say how it ended, before it is recorded as failed.
const maxLookupMisses = 3

// Monitor drains the mailbox into the store.
type Monitor struct {
	store   Store
	config  Config
	log     *slog.Logger
	metrics *observability.Metrics
	misses  map[int64]int
	done    chan struct{}
}

// New creates a monitor.
func New(s Store, config Config) *Monitor {
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.MaxBackoff < config.PollInterval {
		config.MaxBackoff = max(time.Minute, config.PollInterval)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = observability.MustMetrics()
	}
	return &Monitor{
		store:   s,
		config:  config,
		log:     config.Logger.With("component", "monitor"),
		metrics: config.Metrics,
		misses:  make(map[int64]int),
		done:    make(chan struct{}),
	}
}

// Run drains the mailbox until ctx is cancelled. Empty cycles back off exponentially up to
// MaxBackoff; a cycle that applied updates resets the delay.
func (m *Monitor) Run(ctx context.Context) error {
	defer close(m.done)
	m.log.Info("monitor starting", "mailbox", m.config.MailboxDir, "interval", m.config.PollInterval)

	backoff := m.config.PollInterval
	for cycle := 1; ; cycle++ {
		n, err := m.Drain(ctx)
		if err != nil {
			m.log.Error("mailbox drain failed", "error", err)
		}

		if m.config.ReconcileEvery > 0 && cycle%m.config.ReconcileEvery == 0 {
			if _, err := m.Reconcile(ctx); err != nil {
				m.log.Error("queue reconciliation failed", "error", err)
			}
		}

		if n > 0 {
			backoff = m.config.PollInterval
		} else {
			backoff = min(backoff*2, m.config.MaxBackoff)
		}

		select {
		case <-ctx.Done():
			m.log.Info("monitor stopped")
			return ctx.Err()
		case <-time.After(jitter(backoff)):
		}
	}
}

// Done returns a channel that is closed when Run has returned.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// jitter spreads d over [d/2, d].
func jitter(d time.Duration) time.Duration {
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half+1)
}

// Drain applies every well formed update currently in the mailbox as one batch and removes the
// consumed files once the batch has committed. Malformed files are logged and left in place.
// It returns the number of updates applied.
func (m *Monitor) Drain(ctx context.Context) (int, error) {
	ctx = logger.WithCycleID(ctx, uuid.NewString())
	log := logger.FromContext(ctx, m.log)
	start := time.Now()

	ctx, span := observability.Tracer().Start(ctx, "monitor.drain")
	defer span.End()

	files, err := mailbox.Snapshot(m.config.MailboxDir)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "snapshot failed")
		return 0, err
	}

	updates := make([]store.TaskUpdate, 0, len(files))
	consumed := make([]mailbox.File, 0, len(files))
	heldBack := 0
	for _, f := range files {
		u, err := mailbox.Parse(f)
		if err != nil {
			var pe *mailbox.ParseError
			if errors.As(err, &pe) {
				// The file stays, and auto-submit skips identities with a pending file.
				heldBack++
				m.metrics.MalformedUpdates.Add(ctx, 1)
				log.Warn("malformed update file holds back its task until it is fixed or removed",
					"file", f.Name, "run", f.Identity.RunName, "proc", f.Identity.ProcType.String(), "error", pe.Err)
			} else {
				log.Warn("failed to read update file", "file", f.Name, "error", err)
			}
			continue
		}
		updates = append(updates, u)
		consumed = append(consumed, f)
	}
	m.metrics.HeldBack.Record(ctx, int64(heldBack))
	span.SetAttributes(attribute.Int("mailbox.files", len(files)), attribute.Int("mailbox.updates", len(updates)),
		attribute.Int("mailbox.held_back", heldBack))
	if len(updates) == 0 {
		return 0, nil
	}

	// Shutdown must not interrupt a batch half way.
	if err := m.store.ApplyUpdates(context.WithoutCancel(ctx), updates); err != nil {
		m.metrics.BatchFailures.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch rolled back")
		return 0, fmt.Errorf("failed to apply %d updates: %w", len(updates), err)
	}

	// Replaying a committed update is a no-op, so a file that survives removal is harmless.
	if err := mailbox.Remove(consumed); err != nil {
		log.Warn("failed to remove consumed update files", "error", err)
	}

	m.metrics.UpdatesApplied.Add(ctx, int64(len(updates)))
	m.metrics.CycleDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("loop", "monitor")))
	log.Info("applied mailbox updates", "count", len(updates), "held_back", heldBack)
	return len(updates), nil
}

// Reconcile looks for in-flight tasks whose job has left its scheduler queue without a report
// waiting in the mailbox, and writes the terminal update the job never sent. It returns the
// number of updates written.
func (m *Monitor) Reconcile(ctx context.Context) (int, error) {
	ctx = logger.WithCycleID(ctx, uuid.NewString())
	log := logger.FromContext(ctx, m.log)

	ctx, span := observability.Tracer().Start(ctx, "monitor.reconcile")
	defer span.End()

	tasks, err := m.store.ListInFlight(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	queues := make(map[string]map[int64]bool)
	unavailable := make(map[string]bool)
	var gone []store.InFlightTask
	for _, t := range tasks {
		if t.JobID == nil {
			continue
		}
		sched, ok := m.config.Schedulers[t.Machine]
		if !ok {
			continue
		}
		if unavailable[t.Machine] {
			continue
		}
		queue, ok := queues[t.Machine]
		if !ok {
			entries, err := sched.CheckQueues(ctx, m.config.User, t.Machine)
			if err != nil {
				m.metrics.SchedulerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("machine", t.Machine)))
				log.Warn("queue check failed", "machine", t.Machine, "error", err)
				unavailable[t.Machine] = true
				continue
			}
			queue = make(map[int64]bool, len(entries))
			for _, e := range entries {
				queue[e.JobID] = true
			}
			queues[t.Machine] = queue
		}
		if queue[*t.JobID] {
			delete(m.misses, *t.JobID)
			continue
		}
		gone = append(gone, t)
	}
	if len(gone) == 0 {
		return 0, nil
	}

	// Jobs write their last report before they leave the queue, so a mailbox snapshot taken after
	// the queue checks sees every report those jobs sent.
	pending, err := mailbox.PendingIdentities(m.config.MailboxDir)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	written := 0
	for _, t := range gone {
		id := store.Identity{RunName: t.RunName, ProcType: t.ProcType}
		if pending[id] {
			continue
		}
		u, ok, err := m.terminalUpdate(ctx, m.config.Schedulers[t.Machine], t)
		if err != nil {
			m.metrics.SchedulerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("machine", t.Machine)))
			log.Warn("job lookup failed", "run", t.RunName, "proc", t.ProcType.String(), "job_id", *t.JobID, "error", err)
		}
		if !ok {
			continue
		}
		if _, err := mailbox.Write(m.config.MailboxDir, u); err != nil {
			return written, fmt.Errorf("failed to write reconciled update: %w", err)
		}
		delete(m.misses, *t.JobID)
		written++
		m.metrics.Reconciled.Add(ctx, 1, metric.WithAttributes(attribute.String("status", u.Status.String())))
		log.Info("reconciled silent job", "run", t.RunName, "proc", t.ProcType.String(),
			"job_id", *t.JobID, "machine", t.Machine, "status", u.Status.String())
	}
	span.SetAttributes(attribute.Int("reconcile.written", written))
	return written, nil
}

// terminalUpdate decides how a job that left the queue ended. ok is false while the scheduler
// cannot tell yet; after maxLookupMisses such rounds the job is recorded as failed.
func (m *Monitor) terminalUpdate(ctx context.Context, sched scheduler.Scheduler, t store.InFlightTask) (store.TaskUpdate, bool, error) {
	jobID := *t.JobID
	u := store.TaskUpdate{
		RunName:  t.RunName,
		ProcType: t.ProcType,
		JobID:    &jobID,
	}

	meta, err := sched.GetJobMetadata(ctx, jobID, t.Machine)
	if err == nil && meta.Finished {
		wct, werr := sched.CheckWCTExceeded(ctx, jobID, t.Machine)
		if werr != nil {
			return u, false, werr
		}
		if meta.Start != nil {
			s := meta.Start.Unix()
			u.StartedAt = &s
		}
		if meta.End != nil {
			e := meta.End.Unix()
			u.EndedAt = &e
		}
		switch {
		case wct:
			u.Status = workflow.StatusKilledWCT
			msg := fmt.Sprintf("job %d exceeded its wall clock time on %s", jobID, t.Machine)
			u.Error = &msg
		case meta.Succeeded:
			u.Status = workflow.StatusCompleted
		default:
			u.Status = workflow.StatusFailed
			msg := fmt.Sprintf("job %d left the queue on %s in state %s without reporting", jobID, t.Machine, meta.State)
			u.Error = &msg
		}
		return u, true, nil
	}

	m.misses[jobID]++
	if m.misses[jobID] < maxLookupMisses {
		return u, false, err
	}
	u.Status = workflow.StatusFailed
	msg := fmt.Sprintf("job %d left the queue on %s and the scheduler cannot report its outcome", jobID, t.Machine)
	u.Error = &msg
	return u, true, err
}
