package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// slurmTimeLayout is the format of sacct Start and End columns.
const slurmTimeLayout = "2006-01-02T15:04:05"

// Slurm drives a Slurm cluster through sbatch, squeue, scancel and sacct.
type Slurm struct {
	machine string
	account string
	cluster string
	runner  Runner
	logger  *slog.Logger
	now     func() time.Time
}

// NewSlurm creates a Slurm backend.
func NewSlurm(opts Options) *Slurm {
	opts.setDefaults()
	return &Slurm{
		machine: opts.Machine,
		account: opts.Account,
		cluster: opts.Cluster,
		runner:  opts.Runner,
		logger:  opts.Logger,
		now:     time.Now,
	}
}

func (s *Slurm) Name() string { return KindSlurm }

func (s *Slurm) fail(op string, out []byte, err error) error {
	return &SchedulerError{Backend: KindSlurm, Op: op, Machine: s.machine, Output: string(out), Err: err}
}

func (s *Slurm) clusterArgs() []string {
	if s.cluster == "" {
		return nil
	}
	return []string{"-M", s.cluster}
}

// SubmitJob runs sbatch --parsable. Log files are named {job_name}_{job_id}_{timestamp}.out/.err.
func (s *Slurm) SubmitJob(ctx context.Context, req SubmitRequest) (int64, error) {
	stamp := logTimestamp(s.now())
	args := []string{
		"--parsable",
		"--output=" + filepath.Join(req.WorkingDir, fmt.Sprintf("%%x_%%j_%s.out", stamp)),
		"--error=" + filepath.Join(req.WorkingDir, fmt.Sprintf("%%x_%%j_%s.err", stamp)),
	}
	if req.JobName != "" {
		args = append(args, "--job-name="+req.JobName)
	}
	if s.account != "" {
		args = append(args, "--account="+s.account)
	}
	if req.WallTime > 0 {
		args = append(args, "--time="+formatClock(req.WallTime))
	}
	args = append(args, s.clusterArgs()...)
	args = append(args, req.ScriptPath)

	out, err := s.runner.Run(ctx, req.WorkingDir, "sbatch", args...)
	if err != nil {
		return 0, s.fail("submit", out, err)
	}

	// --parsable prints "jobid" or "jobid;cluster".
	line := strings.TrimSpace(string(out))
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	jobID, err := strconv.ParseInt(line, 10, 64)
	if err != nil {
		return 0, s.fail("submit", out, fmt.Errorf("unparseable job id: %w", err))
	}
	s.logger.Info("submitted slurm job", "job_id", jobID, "machine", s.machine, "script", req.ScriptPath)
	return jobID, nil
}

func (s *Slurm) CancelJob(ctx context.Context, jobID int64, machine string) error {
	args := append(s.clusterArgs(), strconv.FormatInt(jobID, 10))
	if out, err := s.runner.Run(ctx, "", "scancel", args...); err != nil {
		return s.fail("cancel", out, err)
	}
	return nil
}

// CheckQueues parses squeue -h -o "%i %t". Lines that are not "<id> <state>", such as the
// CLUSTER: header printed with -M, are skipped.
func (s *Slurm) CheckQueues(ctx context.Context, user, machine string) ([]QueueEntry, error) {
	args := []string{"-h", "-o", "%i %t"}
	if user != "" {
		args = append(args, "-u", user)
	}
	args = append(args, s.clusterArgs()...)

	out, err := s.runner.Run(ctx, "", "squeue", args...)
	if err != nil {
		return nil, s.fail("check queues", out, err)
	}

	var entries []QueueEntry
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		id, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, QueueEntry{JobID: id, State: fields[1]})
	}
	return entries, nil
}

// GetJobMetadata reads the allocation line of sacct.
func (s *Slurm) GetJobMetadata(ctx context.Context, jobID int64, machine string) (JobMetadata, error) {
	args := []string{"-n", "-X", "-P", "-j", strconv.FormatInt(jobID, 10), "-o", "JobID,State,Start,End,Elapsed,NCPUS"}
	args = append(args, s.clusterArgs()...)

	out, err := s.runner.Run(ctx, "", "sacct", args...)
	if err != nil {
		return JobMetadata{}, s.fail("job metadata", out, err)
	}

	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(string(out)), "\n", 2)[0])
	fields := strings.Split(line, "|")
	if len(fields) != 6 {
		return JobMetadata{}, s.fail("job metadata", out, errors.New("unexpected sacct output"))
	}

	// States may carry detail, e.g. "CANCELLED by 1234".
	state := strings.Fields(fields[1])
	if len(state) == 0 {
		return JobMetadata{}, s.fail("job metadata", out, errors.New("missing job state"))
	}
	md := JobMetadata{JobID: jobID, State: state[0]}
	md.Start = parseSlurmTime(fields[2])
	md.End = parseSlurmTime(fields[3])
	if d, err := parseClock(fields[4]); err == nil {
		md.RunTime = d
	}
	if n, err := strconv.Atoi(fields[5]); err == nil {
		md.Cores = n
	}
	switch md.State {
	case "PENDING", "RUNNING", "REQUEUED", "RESIZING", "SUSPENDED", "CONFIGURING", "COMPLETING":
	default:
		md.Finished = true
	}
	md.Succeeded = md.State == "COMPLETED"
	return md, nil
}

func (s *Slurm) CheckWCTExceeded(ctx context.Context, jobID int64, machine string) (bool, error) {
	md, err := s.GetJobMetadata(ctx, jobID, machine)
	if err != nil {
		return false, err
	}
	return md.State == "TIMEOUT", nil
}

func parseSlurmTime(s string) *time.Time {
	t, err := time.ParseInLocation(slurmTimeLayout, strings.TrimSpace(s), time.Local)
	if err != nil {
		return nil
	}
	return &t
}
