package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// JobIDEnv carries the job id into scripts run by backends that do not set one themselves.
const JobIDEnv = "HPCFLOW_JOB_ID"

// Bash runs scripts synchronously on the local machine. It is meant for development and for
// small machines without a batch scheduler. The queue is whatever is executing right now.
type Bash struct {
	machine string
	logger  *slog.Logger
	now     func() time.Time
	nextID  atomic.Int64

	mu      sync.Mutex
	running map[int64]context.CancelFunc
	done    map[int64]JobMetadata
}

// NewBash creates a Bash backend. Job ids start at the current Unix time in milliseconds so
// they do not repeat across restarts.
func NewBash(opts Options) *Bash {
	opts.setDefaults()
	b := &Bash{
		machine: opts.Machine,
		logger:  opts.Logger,
		now:     time.Now,
		running: make(map[int64]context.CancelFunc),
		done:    make(map[int64]JobMetadata),
	}
	b.nextID.Store(time.Now().UnixMilli())
	return b
}

func (b *Bash) Name() string { return KindBash }

func (b *Bash) fail(op string, err error) error {
	return &SchedulerError{Backend: KindBash, Op: op, Machine: b.machine, Err: err}
}

// SubmitJob runs the script to completion before returning its job id. A WallTime kills the
// script when exceeded and marks the job as having exceeded its WCT. A script that exits
// non-zero is still a successful submission; the script reports its own failure.
func (b *Bash) SubmitJob(ctx context.Context, req SubmitRequest) (int64, error) {
	jobID := b.nextID.Add(1)
	start := b.now()
	name := req.JobName
	if name == "" {
		name = "job"
	}
	base := filepath.Join(req.WorkingDir, fmt.Sprintf("%s_%d_%s", name, jobID, logTimestamp(start)))

	stdout, err := os.Create(base + ".out")
	if err != nil {
		return 0, b.fail("submit", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(base + ".err")
	if err != nil {
		return 0, b.fail("submit", err)
	}
	defer stderr.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if req.WallTime > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, req.WallTime)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "bash", req.ScriptPath)
	cmd.Dir = req.WorkingDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), JobIDEnv+"="+strconv.FormatInt(jobID, 10))

	b.mu.Lock()
	b.running[jobID] = cancel
	b.mu.Unlock()

	if err := cmd.Start(); err != nil {
		b.mu.Lock()
		delete(b.running, jobID)
		b.mu.Unlock()
		return 0, b.fail("submit", err)
	}
	b.logger.Info("started local job", "job_id", jobID, "machine", b.machine, "script", req.ScriptPath)

	waitErr := cmd.Wait()
	end := b.now()

	md := JobMetadata{
		JobID:    jobID,
		Start:    &start,
		End:      &end,
		RunTime:  end.Sub(start),
		Cores:    1,
		Finished: true,
	}
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		md.State, md.Succeeded = "COMPLETED", true
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		md.State = "TIMEOUT"
	case runCtx.Err() != nil:
		md.State = "CANCELLED"
	default:
		md.State = "FAILED"
		if !errors.As(waitErr, &exitErr) {
			b.logger.Warn("local job ended abnormally", "job_id", jobID, "error", waitErr)
		}
	}

	b.mu.Lock()
	delete(b.running, jobID)
	b.done[jobID] = md
	b.mu.Unlock()

	return jobID, nil
}

func (b *Bash) CancelJob(ctx context.Context, jobID int64, machine string) error {
	b.mu.Lock()
	cancel, ok := b.running[jobID]
	b.mu.Unlock()
	if !ok {
		return b.fail("cancel", fmt.Errorf("job %d is not running", jobID))
	}
	cancel()
	return nil
}

func (b *Bash) CheckQueues(ctx context.Context, user, machine string) ([]QueueEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := make([]QueueEntry, 0, len(b.running))
	for id := range b.running {
		entries = append(entries, QueueEntry{JobID: id, State: "R"})
	}
	return entries, nil
}

func (b *Bash) GetJobMetadata(ctx context.Context, jobID int64, machine string) (JobMetadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if md, ok := b.done[jobID]; ok {
		return md, nil
	}
	if _, ok := b.running[jobID]; ok {
		return JobMetadata{JobID: jobID, State: "RUNNING"}, nil
	}
	return JobMetadata{}, b.fail("job metadata", fmt.Errorf("unknown job %d", jobID))
}

func (b *Bash) CheckWCTExceeded(ctx context.Context, jobID int64, machine string) (bool, error) {
	md, err := b.GetJobMetadata(ctx, jobID, machine)
	if err != nil {
		return false, err
	}
	return md.State == "TIMEOUT", nil
}
