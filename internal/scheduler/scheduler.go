// Package scheduler wraps the batch schedulers that run simulation jobs.
//
// One Scheduler is built per configured machine at start up and passed to the loops that need
// it. Every backend failure, including non-zero exit codes and output that cannot be parsed, is
// returned as a *SchedulerError.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"hpcflow/internal/workflow"

	"k8s.io/client-go/kubernetes"
)

// Backend kinds accepted by New.
const (
	KindSlurm      = "slurm"
	KindPBS        = "pbs"
	KindBash       = "bash"
	KindKubernetes = "kubernetes"
)

// Scheduler submits and tracks batch jobs on one machine.
type Scheduler interface {
	// Name returns the backend kind.
	Name() string

	// SubmitJob submits the script and returns the job id assigned by the scheduler.
	// The job's stdout and stderr file names carry the job id and the submission time.
	SubmitJob(ctx context.Context, req SubmitRequest) (int64, error)

	// CancelJob asks the scheduler to stop a job. It is best effort.
	CancelJob(ctx context.Context, jobID int64, machine string) error

	// CheckQueues lists the jobs of user that are waiting or running on machine.
	CheckQueues(ctx context.Context, user, machine string) ([]QueueEntry, error)

	// GetJobMetadata describes a job, including ones that already left the queue.
	GetJobMetadata(ctx context.Context, jobID int64, machine string) (JobMetadata, error)

	// CheckWCTExceeded reports whether the job was killed for exceeding its wall clock time.
	CheckWCTExceeded(ctx context.Context, jobID int64, machine string) (bool, error)
}

// SubmitRequest describes one submission.
type SubmitRequest struct {
	WorkingDir string
	ScriptPath string
	Machine    string
	JobName    string
	// WallTime is the requested wall clock limit. Zero leaves it to the script header.
	WallTime time.Duration
	Cores    int
	MemoryMB int
}

// QueueEntry is one job in a scheduler queue.
type QueueEntry struct {
	JobID int64
	State string
}

// JobMetadata is what the scheduler knows about a job.
type JobMetadata struct {
	JobID   int64
	State   string
	Start   *time.Time
	End     *time.Time
	RunTime time.Duration
	Cores   int
	// Finished is true once the scheduler considers the job over.
	Finished bool
	// Succeeded is true when the job finished with a zero exit status.
	Succeeded bool
}

// SchedulerError is a failed interaction with a batch scheduler.
type SchedulerError struct {
	Backend string
	Op      string
	Machine string
	Output  string
	Err     error
}

func (e *SchedulerError) Error() string {
	msg := fmt.Sprintf("%s %s on %s: %v", e.Backend, e.Op, e.Machine, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *SchedulerError) Unwrap() error { return e.Err }

// IsSchedulerError reports whether err wraps a *SchedulerError.
func IsSchedulerError(err error) bool {
	var se *SchedulerError
	return errors.As(err, &se)
}

// Options configures a backend for one machine.
type Options struct {
	// Machine is the name the orchestrator uses for this backend.
	Machine string
	// Account is charged for submissions when the scheduler supports it.
	Account string
	// Cluster selects a federated Slurm cluster (-M). Empty submits to the local cluster.
	Cluster string
	// CommandTimeout bounds each scheduler command. Defaults to one minute.
	CommandTimeout time.Duration
	// Runner executes scheduler commands. Defaults to an ExecRunner.
	Runner Runner
	Logger *slog.Logger

	Kubernetes KubernetesOptions
	// Clientset overrides the Kubernetes client built from in-cluster or kubeconfig settings.
	Clientset kubernetes.Interface
}

func (o *Options) setDefaults() {
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = time.Minute
	}
	if o.Runner == nil {
		o.Runner = &ExecRunner{Timeout: o.CommandTimeout}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// New builds the backend of the given kind.
func New(kind string, opts Options) (Scheduler, error) {
	opts.setDefaults()
	switch strings.ToLower(kind) {
	case KindSlurm:
		return NewSlurm(opts), nil
	case KindPBS:
		return NewPBS(opts), nil
	case KindBash:
		return NewBash(opts), nil
	case KindKubernetes:
		return NewKubernetes(opts)
	default:
		return nil, &workflow.ConfigError{Msg: fmt.Sprintf("unknown scheduler kind %q for machine %s", kind, opts.Machine)}
	}
}

// logTimestamp is the submission time embedded in log file names.
func logTimestamp(t time.Time) string {
	return t.UTC().Format("20060102_150405")
}

// parseClock parses [DD-]HH:MM:SS and HH:MM durations as printed by sacct and qstat.
func parseClock(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	var days int
	if i := strings.IndexByte(s, '-'); i >= 0 {
		d, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, fmt.Errorf("bad day count in %q", s)
		}
		days, s = d, s[i+1:]
	}
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("bad clock value %q", s)
	}
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	d := time.Duration(days) * 24 * time.Hour
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("bad clock value %q", s)
		}
		d += time.Duration(n) * units[i]
	}
	return d, nil
}

// formatClock renders d as HH:MM:SS, rounding up to the next second.
func formatClock(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs/60)%60, secs%60)
}
