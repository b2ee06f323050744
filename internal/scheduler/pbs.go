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

// pbsWCTExitStatus is the Exit_status PBS Pro records for jobs killed at their walltime.
const pbsWCTExitStatus = -29

// PBS drives a PBS Pro cluster through qsub, qalter, qstat and qdel.
type PBS struct {
	machine string
	account string
	runner  Runner
	logger  *slog.Logger
	now     func() time.Time
}

// NewPBS creates a PBS backend.
func NewPBS(opts Options) *PBS {
	opts.setDefaults()
	return &PBS{
		machine: opts.Machine,
		account: opts.Account,
		runner:  opts.Runner,
		logger:  opts.Logger,
		now:     time.Now,
	}
}

func (p *PBS) Name() string { return KindPBS }

func (p *PBS) fail(op string, out []byte, err error) error {
	return &SchedulerError{Backend: KindPBS, Op: op, Machine: p.machine, Output: string(out), Err: err}
}

// SubmitJob runs qsub. PBS cannot expand the job id in -o/-e, so the log paths are set with
// qalter once the id is known, while the job is still queued.
func (p *PBS) SubmitJob(ctx context.Context, req SubmitRequest) (int64, error) {
	stamp := logTimestamp(p.now())
	name := req.JobName
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(req.ScriptPath), filepath.Ext(req.ScriptPath))
	}

	args := []string{"-N", name}
	if p.account != "" {
		args = append(args, "-A", p.account)
	}
	if req.WallTime > 0 {
		args = append(args, "-l", "walltime="+formatClock(req.WallTime))
	}
	args = append(args, req.ScriptPath)

	out, err := p.runner.Run(ctx, req.WorkingDir, "qsub", args...)
	if err != nil {
		return 0, p.fail("submit", out, err)
	}

	// qsub prints "1234.server".
	full := strings.TrimSpace(string(out))
	jobID, err := strconv.ParseInt(strings.SplitN(full, ".", 2)[0], 10, 64)
	if err != nil {
		return 0, p.fail("submit", out, fmt.Errorf("unparseable job id: %w", err))
	}

	base := filepath.Join(req.WorkingDir, fmt.Sprintf("%s_%d_%s", name, jobID, stamp))
	if out, err := p.runner.Run(ctx, req.WorkingDir, "qalter", "-o", base+".out", "-e", base+".err", full); err != nil {
		// The job is submitted either way, only its log names fall back to the PBS default.
		p.logger.Warn("failed to set pbs log paths", "job_id", jobID, "error", p.fail("qalter", out, err))
	}

	p.logger.Info("submitted pbs job", "job_id", jobID, "machine", p.machine, "script", req.ScriptPath)
	return jobID, nil
}

func (p *PBS) CancelJob(ctx context.Context, jobID int64, machine string) error {
	if out, err := p.runner.Run(ctx, "", "qdel", strconv.FormatInt(jobID, 10)); err != nil {
		return p.fail("cancel", out, err)
	}
	return nil
}

// CheckQueues parses the table printed by qstat -u. Job rows start with "<id>.<server>" and
// carry the state in the second to last column.
func (p *PBS) CheckQueues(ctx context.Context, user, machine string) ([]QueueEntry, error) {
	args := []string{}
	if user != "" {
		args = append(args, "-u", user)
	}
	out, err := p.runner.Run(ctx, "", "qstat", args...)
	if err != nil {
		return nil, p.fail("check queues", out, err)
	}

	var entries []QueueEntry
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		head, _, ok := strings.Cut(fields[0], ".")
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(head, 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, QueueEntry{JobID: id, State: fields[len(fields)-2]})
	}
	return entries, nil
}

// GetJobMetadata parses the "key = value" listing of qstat -fx.
func (p *PBS) GetJobMetadata(ctx context.Context, jobID int64, machine string) (JobMetadata, error) {
	out, err := p.runner.Run(ctx, "", "qstat", "-fx", strconv.FormatInt(jobID, 10))
	if err != nil {
		return JobMetadata{}, p.fail("job metadata", out, err)
	}

	attrs := make(map[string]string)
	for _, line := range strings.Split(string(out), "\n") {
		key, value, ok := strings.Cut(line, " = ")
		if !ok {
			continue
		}
		attrs[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	state, ok := attrs["job_state"]
	if !ok {
		return JobMetadata{}, p.fail("job metadata", out, errors.New("missing job_state"))
	}

	md := JobMetadata{JobID: jobID, State: state, Finished: state == "F"}
	md.Start = parsePBSTime(attrs["stime"])
	if end := parsePBSTime(attrs["obittime"]); end != nil {
		md.End = end
	} else if md.Finished {
		md.End = parsePBSTime(attrs["mtime"])
	}
	if d, err := parseClock(attrs["resources_used.walltime"]); err == nil {
		md.RunTime = d
	}
	if n, err := strconv.Atoi(attrs["Resource_List.ncpus"]); err == nil {
		md.Cores = n
	}
	if code, err := strconv.Atoi(attrs["Exit_status"]); err == nil {
		md.Succeeded = md.Finished && code == 0
		if code == pbsWCTExitStatus {
			md.State = "WCT"
		}
	}
	return md, nil
}

func (p *PBS) CheckWCTExceeded(ctx context.Context, jobID int64, machine string) (bool, error) {
	md, err := p.GetJobMetadata(ctx, jobID, machine)
	if err != nil {
		return false, err
	}
	return md.State == "WCT", nil
}

func parsePBSTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.ParseInLocation(time.ANSIC, s, time.Local)
	if err != nil {
		return nil
	}
	return &t
}
